package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"creative-studio-server/config"

	"github.com/hibiken/asynq"
)

const (
	TypeRenderShot = "shot:render"
)

type RenderShotPayload struct {
	ProjectID   string `json:"project_id"`
	SceneNumber int    `json:"scene_number"`
}

// ShotEnqueuer 渲染任务入队接口（测试里换成同步假实现）
type ShotEnqueuer interface {
	EnqueueRenderShot(projectID string, sceneNumber int) error
}

// AsynqEnqueuer 基于 Redis 队列的实现
type AsynqEnqueuer struct {
	Client *asynq.Client
}

// InitQueue 初始化
func InitQueue() *AsynqEnqueuer {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
	})
	return &AsynqEnqueuer{Client: client}
}

func (e *AsynqEnqueuer) EnqueueRenderShot(projectID string, sceneNumber int) error {
	payload, err := json.Marshal(RenderShotPayload{ProjectID: projectID, SceneNumber: sceneNumber})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeRenderShot, payload,
		asynq.MaxRetry(3),             // 失败重试 3 次
		asynq.Timeout(20*time.Minute), // 视频生成较慢，设置较长超时
		asynq.Retention(24*time.Hour), // 任务结果在 Redis 保留时间
	)

	info, err := e.Client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	log.Printf("[Queue] Render Enqueued: project=%s scene=%d queue_id=%s", projectID, sceneNumber, info.ID)
	return nil
}
