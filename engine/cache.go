package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/internal/cache"
)

// RedisResponseCache 基于共享缓存管理器的响应缓存。
type RedisResponseCache struct {
	manager *cache.Manager
	ttl     time.Duration
	logger  *zap.Logger
}

// NewRedisResponseCache 创建响应缓存。ttl 为零时用 5 分钟。
func NewRedisResponseCache(manager *cache.Manager, ttl time.Duration, logger *zap.Logger) *RedisResponseCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisResponseCache{
		manager: manager,
		ttl:     ttl,
		logger:  logger.With(zap.String("component", "response_cache")),
	}
}

func (c *RedisResponseCache) Get(ctx context.Context, key string) (*Response, bool, error) {
	var resp Response
	err := c.manager.GetJSON(ctx, key, &resp)
	if cache.IsCacheMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		// 损坏条目按未命中处理并驱逐
		c.logger.Warn("corrupt response cache entry, evicting", zap.Error(err))
		_ = c.manager.Delete(ctx, key)
		return nil, false, nil
	}
	return &resp, true, nil
}

func (c *RedisResponseCache) Set(ctx context.Context, key string, resp *Response) error {
	return c.manager.SetJSON(ctx, key, resp, c.ttl)
}
