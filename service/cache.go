package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"creative-studio-server/config"
	"creative-studio-server/models"

	"github.com/redis/go-redis/v9"
)

const projectListKey = "creative:projects:list"

// ProjectCache 项目列表的旁路缓存。Redis 不可用时全部降级为直查数据库，
// 读写错误只打日志不向调用方传播。
type ProjectCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewProjectCache(rdb *redis.Client) *ProjectCache {
	ttl := 10 * time.Second
	if config.AppConfig != nil && config.AppConfig.Cache.ProjectListTTLSec > 0 {
		ttl = time.Duration(config.AppConfig.Cache.ProjectListTTLSec) * time.Second
	}
	return &ProjectCache{rdb: rdb, ttl: ttl}
}

func (c *ProjectCache) GetList(ctx context.Context) ([]models.ProjectSummary, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, projectListKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("读取项目列表缓存失败: %v", err)
		}
		return nil, false
	}
	var list []models.ProjectSummary
	if err := json.Unmarshal(raw, &list); err != nil {
		log.Printf("项目列表缓存解码失败: %v", err)
		return nil, false
	}
	return list, true
}

func (c *ProjectCache) SetList(ctx context.Context, list []models.ProjectSummary) {
	if c == nil || c.rdb == nil {
		return
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, projectListKey, raw, c.ttl).Err(); err != nil {
		log.Printf("写入项目列表缓存失败: %v", err)
	}
}

// Invalidate 任何项目写操作之后调用。
func (c *ProjectCache) Invalidate(ctx context.Context) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, projectListKey).Err(); err != nil {
		log.Printf("清理项目列表缓存失败: %v", err)
	}
}
