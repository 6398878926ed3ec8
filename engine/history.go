package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

const (
	historyKeyPrefix = "graphrag:history:"
	// historyMaxLen 每个会话保留的最近消息条数
	historyMaxLen = 50
)

// HistoryStore 会话历史的读写两端：改写器读，引擎写。
type HistoryStore interface {
	HistoryProvider
	Append(ctx context.Context, tenantID, conversationID string, entries ...string) error
}

// RedisHistory Redis list 承载的会话历史。
// 每个 (tenant, conversation) 一个 list，RPUSH 追加、LTRIM 截断、TTL 续期。
type RedisHistory struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisHistory 创建会话历史存储。ttl <= 0 时默认 24h。
func NewRedisHistory(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisHistory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHistory{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "conversation_history")),
	}
}

func historyKey(tenantID, conversationID string) string {
	return historyKeyPrefix + tenantID + ":" + conversationID
}

// Recent 返回最近 n 条消息，旧到新。
func (h *RedisHistory) Recent(ctx context.Context, tenantID, conversationID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	entries, err := h.client.LRange(ctx, historyKey(tenantID, conversationID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history lrange: %w", err)
	}
	return entries, nil
}

// Append 追加消息并截断到 historyMaxLen，同时续期 TTL。
func (h *RedisHistory) Append(ctx context.Context, tenantID, conversationID string, entries ...string) error {
	if len(entries) == 0 {
		return nil
	}
	key := historyKey(tenantID, conversationID)
	vals := make([]any, len(entries))
	for i, e := range entries {
		vals[i] = e
	}
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, vals...)
	pipe.LTrim(ctx, key, -historyMaxLen, -1)
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("history append: %w", err)
	}
	return nil
}

// recordExchange 在回答完成后把问答写入会话历史。
// Best-effort：失败只记警告，不影响响应。
func (e *Engine) recordExchange(ctx context.Context, q *types.Query, answer string) {
	if e.history == nil || q.ConversationID == "" || answer == "" {
		return
	}
	err := e.history.Append(ctx, q.TenantID, q.ConversationID,
		"User: "+q.Raw,
		"Assistant: "+answer,
	)
	if err != nil {
		e.logger.Warn("conversation history append failed", zap.Error(err))
	}
}
