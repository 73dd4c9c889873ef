package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Project struct {
	ID              string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title           string `json:"title"`
	Brief           string `json:"brief"`
	Summary         string `json:"summary"`
	DurationSeconds int    `json:"durationSeconds"`
	Style           string `json:"style"`
	State           Stage  `gorm:"type:varchar(32)" json:"state"`
	Script          string `gorm:"type:text" json:"script"`

	// storyboard / shots 存各自的表，Get 时由 Ledger 装配
	Storyboard []Scene `gorm:"-" json:"storyboard"`
	Shots      []Shot  `gorm:"-" json:"shots"`

	RenderManifest *RenderManifest `gorm:"type:json" json:"renderManifest,omitempty"`
	PreviewRecord  *PreviewRecord  `gorm:"type:json" json:"previewRecord,omitempty"`

	CostUSD        float64 `json:"costUsd"`
	BudgetLimitUSD float64 `json:"budgetLimitUsd"`
	ErrorMessage   string  `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// Summary 视图：列表接口只回这些字段
type ProjectSummary struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds int       `json:"durationSeconds"`
	Style           string    `json:"style"`
	State           Stage     `json:"state"`
	CostUSD         float64   `json:"costUsd"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (p *Project) Summarize() ProjectSummary {
	return ProjectSummary{
		ID:              p.ID,
		Title:           p.Title,
		DurationSeconds: p.DurationSeconds,
		Style:           p.Style,
		State:           p.State,
		CostUSD:         p.CostUSD,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// RenderManifest 渲染阶段产出的清单（母版路径 + 各分镜视频来源）
type RenderManifest struct {
	MasterPath      string   `json:"master_path"`
	DurationSeconds int      `json:"duration_seconds"`
	ShotCount       int      `json:"shot_count"`
	Sources         []string `json:"sources"`
	Status          string   `json:"status"` // assembling / ready
}

// PreviewRecord 预览阶段产出的质检记录
type PreviewRecord struct {
	PreviewURL   string    `json:"preview_url,omitempty"`
	PreviewPath  string    `json:"preview_path,omitempty"`
	QualityScore float64   `json:"quality_score"`
	QCStatus     string    `json:"qc_status"` // pending / approved / needs_revision
	QCNotes      string    `json:"qc_notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (m RenderManifest) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (m *RenderManifest) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, m)
}

func (r PreviewRecord) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *PreviewRecord) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, r)
}
