package search

import (
	"context"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/retrieval"
	"github.com/tessellate-ai/graphrag/types"
)

// LocalStrategy 实体锚定检索：识别查询中的实体，遍历其邻域，
// 以邻域文档集收窄 dense/sparse 候选空间，三通道融合。
// 查询不含已知实体时退化为 basic 行为。
type LocalStrategy struct {
	retriever *retrieval.HybridRetriever
	graph     retrieval.GraphTraverser
	logger    *zap.Logger
}

// NewLocalStrategy 创建 local 策略。
func NewLocalStrategy(retriever *retrieval.HybridRetriever, graph retrieval.GraphTraverser, logger *zap.Logger) *LocalStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalStrategy{
		retriever: retriever,
		graph:     graph,
		logger:    logger.With(zap.String("component", "local_strategy")),
	}
}

// Mode 返回 local。
func (s *LocalStrategy) Mode() types.SearchMode { return types.ModeLocal }

// Run 执行 local 检索。图存储不可达时降级为 dense+sparse，
// 不使请求失败。
func (s *LocalStrategy) Run(ctx context.Context, q *types.Query) (*Result, error) {
	seeds, neighborhood := s.resolveNeighborhood(ctx, q)
	if len(seeds) == 0 {
		// 无实体锚点：basic 行为
		res, err := s.retriever.Retrieve(ctx, &retrieval.Request{
			Query:    q,
			Channels: []types.RetrievalChannel{types.ChannelDense, types.ChannelSparse},
			Filters:  q.Filters,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Mode: types.ModeLocal, Evidence: res.Results, Degraded: res.Degraded}, nil
	}

	filters := narrowFilters(q.Filters, neighborhood.DocumentIDs())
	req := &retrieval.Request{
		Query:       q,
		Channels:    []types.RetrievalChannel{types.ChannelDense, types.ChannelSparse, types.ChannelGraph},
		Filters:     filters,
		GraphSeeds:  seeds,
		HopDistance: neighborhood.HopDistance,
	}
	res, err := s.retriever.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Mode: types.ModeLocal, Evidence: res.Results, Degraded: res.Degraded}, nil
}

// resolveNeighborhood 实体识别 + 邻域遍历。任一步失败按无实体处理。
func (s *LocalStrategy) resolveNeighborhood(ctx context.Context, q *types.Query) ([]string, *types.GraphNeighborhood) {
	if s.graph == nil {
		return nil, nil
	}
	found, err := s.graph.FindEntities(ctx, q.Raw)
	if err != nil {
		s.logger.Warn("entity resolution degraded", zap.Error(err))
		return nil, nil
	}
	if len(found) == 0 {
		return nil, nil
	}
	neighborhood, err := s.graph.Neighborhood(ctx, found, q.Options.TraversalDepth)
	if err != nil {
		s.logger.Warn("graph traversal degraded", zap.Error(err))
		return nil, nil
	}
	ids := make([]string, 0, len(neighborhood.Nodes))
	for _, node := range neighborhood.Nodes {
		ids = append(ids, node.ID)
	}
	return ids, neighborhood
}

// narrowFilters 用邻域文档集收窄过滤器。调用方已带文档过滤时取交集；
// 交集为空保留调用方过滤器（宁可检索面宽也不静默清空）。
func narrowFilters(filters types.Filters, neighborhoodDocs []string) types.Filters {
	if len(neighborhoodDocs) == 0 {
		return filters
	}
	if len(filters.DocumentIDs) == 0 {
		filters.DocumentIDs = neighborhoodDocs
		return filters
	}
	allowed := make(map[string]bool, len(neighborhoodDocs))
	for _, id := range neighborhoodDocs {
		allowed[id] = true
	}
	var intersection []string
	for _, id := range filters.DocumentIDs {
		if allowed[id] {
			intersection = append(intersection, id)
		}
	}
	if len(intersection) > 0 {
		filters.DocumentIDs = intersection
	}
	return filters
}
