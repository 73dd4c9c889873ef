package models

import "time"

// Scene 分镜里的一格：描述单个镜头的视觉意图。
// visual_reference_path 是外部托管的限时 URL（约 24h 有效），
// 账本不保证它持续可用，过期不算致命错误。
type Scene struct {
	ID                  string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId           string    `gorm:"index" json:"projectId"`
	SceneNumber         int       `json:"sceneNumber"`
	Description         string    `gorm:"type:text" json:"description"`
	CameraNotes         string    `json:"cameraNotes,omitempty"`
	VisualReferencePath string    `json:"visualReferencePath,omitempty"`
	DurationSeconds     int       `json:"durationSeconds"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func (Scene) TableName() string {
	return "scene"
}
