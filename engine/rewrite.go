package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/search"
	"github.com/tessellate-ai/graphrag/types"
)

const rewriteSystemPrompt = `Rewrite the user's question into a fully self-contained question. Resolve pronouns and references like "it", "they", "that service" using the conversation history. Keep the meaning unchanged. Respond with the rewritten question only.`

// HistoryProvider 会话历史端口。返回最近 n 条消息（旧到新）。
type HistoryProvider interface {
	Recent(ctx context.Context, tenantID, conversationID string, n int) ([]string, error)
}

// Rewriter 会话上下文查询改写。Best-effort：任何失败都回退原查询。
type Rewriter struct {
	gen     search.Generator
	history HistoryProvider
	logger  *zap.Logger
}

// NewRewriter 创建改写器。history 可为 nil，此时无历史不改写。
func NewRewriter(gen search.Generator, history HistoryProvider, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{
		gen:     gen,
		history: history,
		logger:  logger.With(zap.String("component", "query_rewriter")),
	}
}

// Rewrite 返回改写后的查询副本。没有会话历史、或改写失败时，
// 原样返回输入。
func (r *Rewriter) Rewrite(ctx context.Context, q *types.Query) *types.Query {
	if r.gen == nil || r.history == nil || q.ConversationID == "" {
		return q
	}

	recent, err := r.history.Recent(ctx, q.TenantID, q.ConversationID, 6)
	if err != nil {
		r.logger.Warn("history lookup failed, skipping rewrite", zap.Error(err))
		return q
	}
	if len(recent) == 0 {
		return q
	}

	prompt := fmt.Sprintf("Conversation history:\n%s\n\nQuestion: %s",
		strings.Join(recent, "\n"), q.Raw)
	rewritten, err := r.gen.Generate(ctx, rewriteSystemPrompt, prompt)
	if err != nil {
		r.logger.Warn("rewrite failed, using original query", zap.Error(err))
		return q
	}
	rewritten = strings.TrimSpace(strings.Trim(strings.TrimSpace(rewritten), `"`))
	if rewritten == "" || types.NormalizeText(rewritten) == q.Normalized {
		return q
	}

	r.logger.Debug("query rewritten",
		zap.String("original", q.Raw),
		zap.String("rewritten", rewritten),
	)
	cp := *q
	cp.Raw = rewritten
	cp.Normalized = types.NormalizeText(rewritten)
	return &cp
}
