package stores

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

// CommunityIndex 进程内社区摘要索引（global 模式数据面）。
// 摘要与嵌入由摄取子系统的层级聚类产出，这里只做相似度查找。
type CommunityIndex struct {
	mu        sync.RWMutex
	summaries []types.CommunitySummary
	logger    *zap.Logger
}

// NewCommunityIndex 创建社区摘要索引。
func NewCommunityIndex(logger *zap.Logger) *CommunityIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommunityIndex{logger: logger.With(zap.String("component", "community_index"))}
}

// Load 全量替换社区摘要。
func (c *CommunityIndex) Load(summaries []types.CommunitySummary) {
	c.mu.Lock()
	c.summaries = summaries
	c.mu.Unlock()
	c.logger.Info("community summaries loaded", zap.Int("count", len(summaries)))
}

// TopCommunities 按摘要嵌入与查询向量的余弦相似度返回 top-K。
// level < 0 表示不限层级。
func (c *CommunityIndex) TopCommunities(_ context.Context, vector []float32, topK int, level int) ([]types.CommunitySummary, error) {
	if topK <= 0 {
		topK = 8
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var scored []types.CommunitySummary
	for _, summary := range c.summaries {
		if level >= 0 && summary.Level != level {
			continue
		}
		summary.Score = cosineSimilarity(vector, summary.Embedding)
		scored = append(scored, summary)
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].CommunityID < scored[j].CommunityID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
