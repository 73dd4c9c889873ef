package models

import "time"

const (
	ShotStatusQueued     = "queued"
	ShotStatusProcessing = "processing"
	ShotStatusCompleted  = "completed"
	ShotStatusFailed     = "failed"
)

// Shot 分镜对应的渲染产物。scene_number 必须引用同项目的 Scene。
type Shot struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId    string    `gorm:"index" json:"projectId"`
	SceneNumber  int       `json:"sceneNumber"`
	Prompt       string    `gorm:"type:text" json:"prompt"`
	Provider     string    `json:"provider,omitempty"`
	JobId        string    `json:"jobId,omitempty"`
	VideoUrl     string    `json:"videoUrl,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CostUSD      float64   `json:"costUsd"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (Shot) TableName() string {
	return "shot"
}

// Terminal 该分镜渲染是否已出结果（成功或失败）。
func (s *Shot) Terminal() bool {
	return s.Status == ShotStatusCompleted || s.Status == ShotStatusFailed
}

// ShotsSettled 渲染汇总判定：全部到达终态才算结束。
// 必须在项目锁内调用，避免两个"最后一个完成"同时触发预览阶段。
func ShotsSettled(shots []Shot) (settled bool, completed int, failed int) {
	if len(shots) == 0 {
		return false, 0, 0
	}
	for i := range shots {
		switch shots[i].Status {
		case ShotStatusCompleted:
			completed++
		case ShotStatusFailed:
			failed++
		default:
			return false, completed, failed
		}
	}
	return true, completed, failed
}
