package search

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tessellate-ai/graphrag/llm"
	"github.com/tessellate-ai/graphrag/retrieval"
	"github.com/tessellate-ai/graphrag/types"
)

const globalMapSystemPrompt = `You answer a question using only one community summary from a knowledge graph.
If the summary is irrelevant to the question, reply exactly: NO_ANSWER.
Otherwise give a short, factual partial answer grounded in the summary.`

// GlobalConfig global 模式配置。
type GlobalConfig struct {
	// TopK 选取的社区摘要数
	TopK int `json:"top_k"`
	// MapParallelism map 步骤并行度上限
	MapParallelism int `json:"map_parallelism"`
	// Level 限定的社区层级；负值不限
	Level int `json:"level"`
}

// DefaultGlobalConfig 返回默认 global 配置。
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{TopK: 8, MapParallelism: 4, Level: -1}
}

// GlobalStrategy 社区摘要上的 map-reduce：按摘要嵌入相似度选 top-K
// 社区，并行逐社区生成部分回答，汇入证据。不做扁平融合。
type GlobalStrategy struct {
	cfg         GlobalConfig
	embedder    llm.Embedder
	communities retrieval.CommunityLookup
	generator   Generator
	logger      *zap.Logger
}

// NewGlobalStrategy 创建 global 策略。
func NewGlobalStrategy(
	cfg GlobalConfig,
	embedder llm.Embedder,
	communities retrieval.CommunityLookup,
	generator Generator,
	logger *zap.Logger,
) *GlobalStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.MapParallelism <= 0 {
		cfg.MapParallelism = 4
	}
	return &GlobalStrategy{
		cfg:         cfg,
		embedder:    embedder,
		communities: communities,
		generator:   generator,
		logger:      logger.With(zap.String("component", "global_strategy")),
	}
}

// Mode 返回 global。
func (s *GlobalStrategy) Mode() types.SearchMode { return types.ModeGlobal }

// Run 执行 map-reduce。单个 map 调用失败只丢弃该社区的贡献。
func (s *GlobalStrategy) Run(ctx context.Context, q *types.Query) (*Result, error) {
	vector, err := s.embedder.Embed(ctx, q.Raw)
	if err != nil {
		return nil, types.NewError(types.ErrChannelFailed, "query embedding failed").
			WithCause(err).WithRetryable()
	}

	communities, err := s.communities.TopCommunities(ctx, vector, s.cfg.TopK, s.cfg.Level)
	if err != nil {
		return nil, types.NewError(types.ErrChannelFailed, "community lookup failed").
			WithCause(err).WithRetryable()
	}
	if len(communities) == 0 {
		return &Result{Mode: types.ModeGlobal}, nil
	}

	partials := s.mapStep(ctx, q, communities)

	result := &Result{Mode: types.ModeGlobal, Partials: partials}
	for _, partial := range partials {
		result.Evidence = append(result.Evidence, types.FusedResult{
			ChunkID:      "community:" + partial.CommunityID,
			DocumentID:   "community:" + partial.CommunityID,
			Score:        partial.Score,
			Channels:     []types.RetrievalChannel{types.ChannelGraph},
			Content:      partial.Answer,
			DocumentName: "community " + partial.CommunityID,
		})
	}
	return result, nil
}

// mapStep 有界并行地逐社区生成部分回答。失败与 NO_ANSWER 均丢弃。
func (s *GlobalStrategy) mapStep(ctx context.Context, q *types.Query, communities []types.CommunitySummary) []CommunityAnswer {
	var (
		mu       sync.Mutex
		partials []CommunityAnswer
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MapParallelism)
	for _, community := range communities {
		community := community
		g.Go(func() error {
			prompt := fmt.Sprintf("Question: %s\n\nCommunity summary:\n%s", q.Raw, community.Summary)
			answer, err := s.generator.Generate(gctx, globalMapSystemPrompt, prompt)
			if err != nil {
				s.logger.Warn("map step failed, dropping community",
					zap.String("community_id", community.CommunityID),
					zap.Error(err))
				return nil // 部分失败不致命
			}
			if answer == "" || answer == "NO_ANSWER" {
				return nil
			}
			mu.Lock()
			partials = append(partials, CommunityAnswer{
				CommunityID: community.CommunityID,
				Answer:      answer,
				Score:       community.Score,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(partials, func(i, j int) bool {
		if partials[i].Score != partials[j].Score {
			return partials[i].Score > partials[j].Score
		}
		return partials[i].CommunityID < partials[j].CommunityID
	})
	return partials
}
