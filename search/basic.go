package search

import (
	"context"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/retrieval"
	"github.com/tessellate-ai/graphrag/types"
)

// BasicStrategy dense + sparse 并行检索 → RRF 融合 → 可选重排序。
// 不触图，是所有查询的兜底模式。
type BasicStrategy struct {
	retriever *retrieval.HybridRetriever
	logger    *zap.Logger
}

// NewBasicStrategy 创建 basic 策略。
func NewBasicStrategy(retriever *retrieval.HybridRetriever, logger *zap.Logger) *BasicStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BasicStrategy{
		retriever: retriever,
		logger:    logger.With(zap.String("component", "basic_strategy")),
	}
}

// Mode 返回 basic。
func (s *BasicStrategy) Mode() types.SearchMode { return types.ModeBasic }

// Run 执行 basic 检索。
func (s *BasicStrategy) Run(ctx context.Context, q *types.Query) (*Result, error) {
	res, err := s.retriever.Retrieve(ctx, &retrieval.Request{
		Query:    q,
		Channels: []types.RetrievalChannel{types.ChannelDense, types.ChannelSparse},
		Filters:  q.Filters,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Mode:     types.ModeBasic,
		Evidence: res.Results,
		Degraded: res.Degraded,
	}, nil
}
