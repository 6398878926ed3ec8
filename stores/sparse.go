package stores

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/retrieval"
	"github.com/tessellate-ai/graphrag/types"
)

// Chunk 稀疏索引与图存储共用的 chunk 读模型，由摄取子系统灌入。
type Chunk struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name,omitempty"`
	Content      string    `json:"content"`
	Page         int       `json:"page,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// BM25Config BM25 打分参数。
type BM25Config struct {
	K1 float64 `json:"k1"` // 词频饱和度（1.2-2.0）
	B  float64 `json:"b"`  // 文档长度归一化强度
}

// DefaultBM25Config 返回默认 BM25 参数。
func DefaultBM25Config() BM25Config {
	return BM25Config{K1: 1.5, B: 0.75}
}

// BM25Index 进程内倒排索引，实现稀疏检索通道。
// 索引与检索可并发；Index 全量替换语料。
type BM25Index struct {
	cfg BM25Config

	mu        sync.RWMutex
	chunks    []Chunk
	termFreqs []map[string]int
	docLens   []int
	avgDocLen float64
	idf       map[string]float64

	logger *zap.Logger
}

// NewBM25Index 创建 BM25 稀疏索引。
func NewBM25Index(cfg BM25Config, logger *zap.Logger) *BM25Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.K1 <= 0 {
		cfg.K1 = 1.5
	}
	if cfg.B <= 0 {
		cfg.B = 0.75
	}
	return &BM25Index{
		cfg:    cfg,
		idf:    make(map[string]float64),
		logger: logger.With(zap.String("component", "bm25_index")),
	}
}

// Index 全量替换语料并重算 BM25 统计。
func (x *BM25Index) Index(chunks []Chunk) {
	termFreqs := make([]map[string]int, len(chunks))
	docLens := make([]int, len(chunks))
	termDocCount := make(map[string]int)
	totalLen := 0

	for i, chunk := range chunks {
		terms := retrieval.Tokenize(chunk.Content)
		docLens[i] = len(terms)
		totalLen += len(terms)

		freq := make(map[string]int, len(terms))
		for _, term := range terms {
			freq[term]++
		}
		termFreqs[i] = freq
		for term := range freq {
			termDocCount[term]++
		}
	}

	avgDocLen := 0.0
	if len(chunks) > 0 {
		avgDocLen = float64(totalLen) / float64(len(chunks))
	}
	idf := make(map[string]float64, len(termDocCount))
	n := float64(len(chunks))
	for term, df := range termDocCount {
		idf[term] = math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
	}

	x.mu.Lock()
	x.chunks = chunks
	x.termFreqs = termFreqs
	x.docLens = docLens
	x.avgDocLen = avgDocLen
	x.idf = idf
	x.mu.Unlock()

	x.logger.Info("sparse index rebuilt",
		zap.Int("chunks", len(chunks)),
		zap.Int("terms", len(idf)))
}

// SearchByKeywords 以 BM25 检索 top-K 候选。BM25 分数仅在本通道内
// 可比，融合阶段只消费排名。
func (x *BM25Index) SearchByKeywords(_ context.Context, query string, topK int, filters types.Filters) ([]types.RetrievalCandidate, error) {
	if topK <= 0 {
		topK = 10
	}
	queryTerms := retrieval.Tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i := range x.chunks {
		if !chunkMatchesFilters(&x.chunks[i], filters) {
			continue
		}
		score := x.bm25Score(queryTerms, i)
		if score > 0 {
			hits = append(hits, scored{idx: i, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return x.chunks[hits[i].idx].ChunkID < x.chunks[hits[j].idx].ChunkID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	candidates := make([]types.RetrievalCandidate, len(hits))
	for rank, hit := range hits {
		chunk := x.chunks[hit.idx]
		candidates[rank] = types.RetrievalCandidate{
			ChunkID:      chunk.ChunkID,
			DocumentID:   chunk.DocumentID,
			Score:        hit.score,
			Channel:      types.ChannelSparse,
			Rank:         rank + 1,
			Content:      chunk.Content,
			DocumentName: chunk.DocumentName,
			Page:         chunk.Page,
		}
	}
	return candidates, nil
}

func (x *BM25Index) bm25Score(queryTerms []string, docIdx int) float64 {
	freq := x.termFreqs[docIdx]
	docLen := float64(x.docLens[docIdx])

	score := 0.0
	for _, term := range queryTerms {
		tf := float64(freq[term])
		if tf == 0 {
			continue
		}
		idf := x.idf[term]
		numerator := tf * (x.cfg.K1 + 1)
		denominator := tf + x.cfg.K1*(1-x.cfg.B+x.cfg.B*docLen/x.avgDocLen)
		score += idf * numerator / denominator
	}
	return score
}

func chunkMatchesFilters(chunk *Chunk, filters types.Filters) bool {
	if len(filters.DocumentIDs) > 0 {
		found := false
		for _, id := range filters.DocumentIDs {
			if chunk.DocumentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filters.Tags) > 0 {
		found := false
		for _, want := range filters.Tags {
			for _, have := range chunk.Tags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if filters.DateRange != nil && !filters.DateRange.IsZero() && !chunk.CreatedAt.IsZero() {
		if !filters.DateRange.Start.IsZero() && chunk.CreatedAt.Before(filters.DateRange.Start) {
			return false
		}
		if !filters.DateRange.End.IsZero() && chunk.CreatedAt.After(filters.DateRange.End) {
			return false
		}
	}
	return true
}
