package service

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// CostMonitor 记录各阶段花费快照，供治理面板查询。
// 只记录不拦截——预算闸门在编排器里读账本的 cost_usd 判定。
type CostMonitor interface {
	Record(projectID, phase string, amountUSD float64)
}

// RedisCostMonitor 按项目一个 hash，字段是阶段名，值是累计金额。
type RedisCostMonitor struct {
	Client *redis.Client
}

func NewRedisCostMonitor(client *redis.Client) *RedisCostMonitor {
	return &RedisCostMonitor{Client: client}
}

func (m *RedisCostMonitor) Record(projectID, phase string, amountUSD float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := "creative:spend:" + projectID
	pipe := m.Client.Pipeline()
	pipe.HIncrByFloat(ctx, key, phase, amountUSD)
	pipe.Expire(ctx, key, 30*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		// 花费快照丢了不影响主流程，账本里的 cost_usd 才是权威
		log.Printf("[CostMonitor] 记录花费失败 %s/%s: %v", projectID, phase, err)
	}
}

// NopCostMonitor 测试用
type NopCostMonitor struct{}

func (NopCostMonitor) Record(projectID, phase string, amountUSD float64) {}
