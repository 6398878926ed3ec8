package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tessellate-ai/graphrag/config"
	"github.com/tessellate-ai/graphrag/llm"
	"github.com/tessellate-ai/graphrag/types"
)

// Request 单次混合检索请求。
type Request struct {
	// Query 规范化查询对象
	Query *types.Query
	// Text 检索文本；为空时使用 Query.Raw。drift 模式的子查询经此覆盖
	Text string
	// Channels 本次启用的通道集合；为空时启用 dense+sparse
	Channels []types.RetrievalChannel
	// Filters 生效过滤器；local 模式用邻域文档集收窄候选空间
	Filters types.Filters
	// GraphSeeds 图通道种子实体（已由调用方完成实体识别时传入）
	GraphSeeds []string
	// HopDistance 种子邻域跳数（图通道按邻近度计分）
	HopDistance map[string]int
	// TopK 融合后保留的结果数；<=0 时取 Query.Options.MaxChunks
	TopK int
	// SkipRerank 跳过重排序（map 步骤等中间检索不重排）
	SkipRerank bool
	// SkipCache 跳过结果缓存
	SkipCache bool
	// Vector 预计算的查询向量；为空时由检索器嵌入 Text
	Vector []float32
}

func (r *Request) text() string {
	if r.Text != "" {
		return r.Text
	}
	return r.Query.Raw
}

// Result 混合检索结果与降级记录。
type Result struct {
	Results []types.FusedResult `json:"results"`
	// Degraded 本次超时或失败、按空结果处理的通道
	Degraded []types.RetrievalChannel `json:"degraded,omitempty"`
	// Reranked 重排序是否生效（超时/失败回退时为 false）
	Reranked bool `json:"reranked"`
	// FromCache 结果是否来自缓存
	FromCache bool `json:"from_cache,omitempty"`
}

// HydeGenerator 假设文档生成端口。开启 use_hyde 时，稠密通道改用
// 假设回答的嵌入进行检索。
type HydeGenerator interface {
	HypotheticalAnswer(ctx context.Context, query string) (string, error)
}

// Metrics 检索层指标端口。
type Metrics interface {
	RecordChannel(channel, status string, duration time.Duration)
	RecordRerank(status string)
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// HybridRetriever 并发执行各检索通道并做 RRF 融合。
// 通道降级被吸收：单通道超时或失败按空结果处理，只有全部通道
// 失败才向上返回错误。
type HybridRetriever struct {
	cfg      config.RetrievalConfig
	embedder llm.Embedder
	dense    VectorSearcher
	sparse   SparseSearcher
	graph    GraphTraverser
	reranker Reranker
	cache    ResultCache
	hyde     HydeGenerator
	metrics  Metrics
	logger   *zap.Logger
}

// SetHydeGenerator 挂载假设文档生成器（可选能力）。
func (h *HybridRetriever) SetHydeGenerator(g HydeGenerator) { h.hyde = g }

// SetMetrics 挂载指标收集器（可选能力）。
func (h *HybridRetriever) SetMetrics(m Metrics) { h.metrics = m }

// NewHybridRetriever 创建混合检索器。graph、reranker、cache 可为 nil，
// 对应能力随之关闭。
func NewHybridRetriever(
	cfg config.RetrievalConfig,
	embedder llm.Embedder,
	dense VectorSearcher,
	sparse SparseSearcher,
	graph GraphTraverser,
	reranker Reranker,
	cache ResultCache,
	logger *zap.Logger,
) *HybridRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridRetriever{
		cfg:      cfg,
		embedder: embedder,
		dense:    dense,
		sparse:   sparse,
		graph:    graph,
		reranker: reranker,
		cache:    cache,
		logger:   logger.With(zap.String("component", "hybrid_retriever")),
	}
}

// Retrieve 执行一次混合检索：并发通道 → RRF 融合 → 可选重排序。
func (h *HybridRetriever) Retrieve(ctx context.Context, req *Request) (*Result, error) {
	channels := req.Channels
	if len(channels) == 0 {
		channels = []types.RetrievalChannel{types.ChannelDense, types.ChannelSparse}
	}
	topK := req.TopK
	if topK <= 0 {
		topK = req.Query.Options.MaxChunks
	}

	cacheKey := ""
	if h.cache != nil && h.cfg.CacheEnabled && !req.SkipCache {
		cacheKey = CacheKey(req.Query.TenantID, req.text(), channels, req.Filters)
		if cached, ok, err := h.cache.Get(ctx, cacheKey); err != nil {
			h.logger.Warn("result cache get failed", zap.Error(err))
		} else if ok {
			if h.metrics != nil {
				h.metrics.RecordCacheHit("result")
			}
			if len(cached) > topK {
				cached = cached[:topK]
			}
			return &Result{Results: cached, FromCache: true}, nil
		}
		if h.metrics != nil {
			h.metrics.RecordCacheMiss("result")
		}
	}

	perChannel, degraded := h.fanOut(ctx, req, channels)
	if len(degraded) == len(channels) {
		return nil, types.NewError(types.ErrChannelFailed, "all retrieval channels failed").
			WithHTTPStatus(502).WithRetryable()
	}

	fused := FuseRRF(h.fusionConfig(), perChannel)
	reranked := false
	if h.reranker != nil && h.cfg.RerankEnabled && !req.SkipRerank && len(fused) > 0 {
		reranked = h.rerank(ctx, req.text(), fused)
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}

	if cacheKey != "" {
		if err := h.cache.Set(ctx, cacheKey, fused); err != nil {
			h.logger.Warn("result cache set failed", zap.Error(err))
		}
	}

	return &Result{Results: fused, Degraded: degraded, Reranked: reranked}, nil
}

// denseVector 返回稠密通道所需的查询向量。嵌入在通道内执行：
// 失败只降级 dense 通道，不影响 sparse/graph。
func (h *HybridRetriever) denseVector(ctx context.Context, req *Request) ([]float32, error) {
	if len(req.Vector) > 0 {
		return req.Vector, nil
	}
	if h.embedder == nil {
		return nil, errors.New("embedder not configured")
	}
	text := req.text()
	if req.Query.Options.UseHyde && h.hyde != nil {
		// HyDE 失败回退原始查询
		if hypothetical, err := h.hyde.HypotheticalAnswer(ctx, text); err != nil {
			h.logger.Warn("hyde generation failed, embedding raw query", zap.Error(err))
		} else if hypothetical != "" {
			text = hypothetical
		}
	}
	vector, err := h.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	return vector, nil
}

// fanOut 并发执行各通道，每通道独立超时。失败通道记入 degraded，
// 不中断其余通道。
func (h *HybridRetriever) fanOut(
	ctx context.Context,
	req *Request,
	channels []types.RetrievalChannel,
) (map[types.RetrievalChannel][]types.RetrievalCandidate, []types.RetrievalChannel) {
	results := make([]([]types.RetrievalCandidate), len(channels))
	failed := make([]bool, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			chCtx, cancel := context.WithTimeout(gctx, h.channelTimeout())
			defer cancel()

			start := time.Now()
			candidates, err := h.runChannel(chCtx, ch, req)
			if err != nil {
				failed[i] = true
				if h.metrics != nil {
					h.metrics.RecordChannel(string(ch), "degraded", time.Since(start))
				}
				h.logger.Warn("retrieval channel degraded",
					zap.String("channel", string(ch)),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err))
				return nil // 降级不传播
			}
			if h.metrics != nil {
				h.metrics.RecordChannel(string(ch), "ok", time.Since(start))
			}
			results[i] = candidates
			return nil
		})
	}
	_ = g.Wait()

	perChannel := make(map[types.RetrievalChannel][]types.RetrievalCandidate, len(channels))
	var degraded []types.RetrievalChannel
	for i, ch := range channels {
		if failed[i] {
			degraded = append(degraded, ch)
			continue
		}
		perChannel[ch] = ensureRanks(results[i])
	}
	return perChannel, degraded
}

func (h *HybridRetriever) runChannel(
	ctx context.Context,
	ch types.RetrievalChannel,
	req *Request,
) ([]types.RetrievalCandidate, error) {
	switch ch {
	case types.ChannelDense:
		if h.dense == nil {
			return nil, errors.New("dense searcher not configured")
		}
		vector, err := h.denseVector(ctx, req)
		if err != nil {
			return nil, err
		}
		return h.dense.SearchByVector(ctx, vector, h.cfg.ChannelTopK, h.cfg.SimilarityThreshold, req.Filters)
	case types.ChannelSparse:
		if h.sparse == nil {
			return nil, errors.New("sparse searcher not configured")
		}
		return h.sparse.SearchByKeywords(ctx, req.text(), h.cfg.ChannelTopK, req.Filters)
	case types.ChannelGraph:
		if h.graph == nil {
			return nil, errors.New("graph traverser not configured")
		}
		return h.runGraphChannel(ctx, req)
	}
	return nil, errors.New("unknown channel: " + string(ch))
}

// runGraphChannel 图通道：实体识别 → 邻域遍历 → 按邻近度计分的 chunk 候选。
// 调用方已传入种子时跳过识别。查询不含已知实体时返回空结果（非错误）。
func (h *HybridRetriever) runGraphChannel(ctx context.Context, req *Request) ([]types.RetrievalCandidate, error) {
	seeds := req.GraphSeeds
	hops := req.HopDistance
	if len(seeds) == 0 {
		found, err := h.graph.FindEntities(ctx, req.text())
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, nil
		}
		neighborhood, err := h.graph.Neighborhood(ctx, found, req.Query.Options.TraversalDepth)
		if err != nil {
			return nil, err
		}
		seeds = entityIDs(neighborhood)
		hops = neighborhood.HopDistance
	}
	return h.graph.ChunksForEntities(ctx, seeds, hops, h.cfg.ChannelTopK)
}

func (h *HybridRetriever) rerank(ctx context.Context, query string, fused []types.FusedResult) bool {
	topN := h.cfg.RerankTopN
	if topN <= 0 || topN > len(fused) {
		topN = len(fused)
	}
	rctx, cancel := context.WithTimeout(ctx, h.rerankTimeout())
	defer cancel()

	scores, err := h.reranker.Rerank(rctx, query, fused[:topN])
	if err != nil || len(scores) != topN {
		// 回退融合顺序
		if h.metrics != nil {
			h.metrics.RecordRerank("fallback")
		}
		h.logger.Warn("reranker degraded, keeping fusion order", zap.Error(err))
		return false
	}
	if h.metrics != nil {
		h.metrics.RecordRerank("ok")
	}
	for i := range scores {
		s := scores[i]
		fused[i].RerankScore = &s
	}
	sortFused(fused[:topN])
	return true
}

func (h *HybridRetriever) fusionConfig() FusionConfig {
	return FusionConfig{
		K: h.cfg.RRFK,
		Weights: map[types.RetrievalChannel]float64{
			types.ChannelDense:  h.cfg.DenseWeight,
			types.ChannelSparse: h.cfg.SparseWeight,
			types.ChannelGraph:  h.cfg.GraphWeight,
		},
	}
}

func (h *HybridRetriever) channelTimeout() time.Duration {
	if h.cfg.ChannelTimeout > 0 {
		return h.cfg.ChannelTimeout
	}
	return 5 * time.Second
}

func (h *HybridRetriever) rerankTimeout() time.Duration {
	if h.cfg.RerankTimeout > 0 {
		return h.cfg.RerankTimeout
	}
	return 3 * time.Second
}

// ensureRanks 补齐通道内 1-based 排名。
func ensureRanks(candidates []types.RetrievalCandidate) []types.RetrievalCandidate {
	for i := range candidates {
		if candidates[i].Rank <= 0 {
			candidates[i].Rank = i + 1
		}
	}
	return candidates
}

func entityIDs(n *types.GraphNeighborhood) []string {
	ids := make([]string, 0, len(n.Nodes))
	for _, node := range n.Nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

// sortFused 按生效分数重排（重排序覆盖后调用）。
// 平分规则与融合阶段一致。
func sortFused(results []types.FusedResult) {
	sort.Slice(results, func(i, j int) bool {
		return fusedLess(&results[i], &results[j])
	})
}

func fusedLess(a, b *types.FusedResult) bool {
	if a.FinalScore() != b.FinalScore() {
		return a.FinalScore() > b.FinalScore()
	}
	if len(a.Channels) != len(b.Channels) {
		return len(a.Channels) > len(b.Channels)
	}
	return a.ChunkID < b.ChunkID
}
