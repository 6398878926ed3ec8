package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

// CacheKey 计算检索结果缓存键。键入租户、归一化文本、通道集合与
// 过滤器，任一变化即失效。
func CacheKey(tenantID, text string, channels []types.RetrievalChannel, filters types.Filters) string {
	chs := make([]string, len(channels))
	for i, c := range channels {
		chs[i] = string(c)
	}
	sort.Strings(chs)

	var b strings.Builder
	b.WriteString(tenantID)
	b.WriteByte('|')
	b.WriteString(types.NormalizeText(text))
	b.WriteByte('|')
	b.WriteString(strings.Join(chs, ","))
	if !filters.IsEmpty() {
		raw, _ := json.Marshal(filters)
		b.WriteByte('|')
		b.Write(raw)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "graphrag:retrieval:" + hex.EncodeToString(sum[:16])
}

// RedisResultCache 基于 Redis 的检索结果缓存。
type RedisResultCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisResultCache 创建 Redis 结果缓存。ttl<=0 时取 10 分钟。
func NewRedisResultCache(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisResultCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisResultCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "result_cache")),
	}
}

// Get 读取缓存的融合结果。未命中返回 (nil, false, nil)。
func (c *RedisResultCache) Get(ctx context.Context, key string) ([]types.FusedResult, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var results []types.FusedResult
	if err := json.Unmarshal(raw, &results); err != nil {
		// 坏条目按未命中处理并清除
		c.logger.Warn("dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return results, true, nil
}

// Set 写入融合结果。
func (c *RedisResultCache) Set(ctx context.Context, key string, results []types.FusedResult) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
