package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"creative-studio-server/config"

	"github.com/hibiken/asynq"
)

// StartProcessor 启动渲染 worker。并发度来自配置（默认 5），
// 单个项目内的汇总由编排器的项目锁保证串行。
func StartProcessor(orc *Orchestrator) *asynq.Server {
	cfg := config.AppConfig
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		},
		asynq.Config{
			Concurrency: cfg.Provider.RenderConcurrency,
			Queues: map[string]int{
				"default": 10,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRenderShot, func(ctx context.Context, t *asynq.Task) error {
		var payload RenderShotPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			// 坏载荷重试也没用
			return fmt.Errorf("解析渲染任务载荷失败: %v: %w", err, asynq.SkipRetry)
		}
		// 业务失败已记到 shot 行上（返回 nil），只有基础设施错误才让队列重试
		return orc.ProcessRenderShot(ctx, payload.ProjectID, payload.SceneNumber)
	})

	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("渲染队列启动失败: %v", err)
		}
	}()
	log.Printf("渲染队列已启动, 并发度=%d", cfg.Provider.RenderConcurrency)
	return srv
}
