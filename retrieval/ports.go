// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package retrieval 实现三通道混合检索：稠密向量、稀疏关键词与图遍历，
// 经 RRF 融合为统一排名，可选重排序覆盖。
package retrieval

import (
	"context"

	"github.com/tessellate-ai/graphrag/types"
)

// VectorSearcher 稠密向量检索端口，由向量库适配器实现（qdrant / pgvector）。
type VectorSearcher interface {
	// SearchByVector 以查询向量检索 top-K 相似 chunk。
	// threshold 以下的弱匹配由实现剪除；documentIDs 非空时约束候选空间。
	SearchByVector(ctx context.Context, vector []float32, topK int, threshold float64, filters types.Filters) ([]types.RetrievalCandidate, error)
}

// SparseSearcher 稀疏/关键词检索端口（BM25 或倒排索引实现）。
type SparseSearcher interface {
	SearchByKeywords(ctx context.Context, query string, topK int, filters types.Filters) ([]types.RetrievalCandidate, error)
}

// GraphTraverser 图遍历端口，由图存储适配器实现。
type GraphTraverser interface {
	// FindEntities 在查询文本中识别图谱已知实体，返回实体节点 ID。
	FindEntities(ctx context.Context, query string) ([]string, error)

	// Neighborhood 从种子实体向外遍历至多 depth 跳。
	Neighborhood(ctx context.Context, seedIDs []string, depth int) (*types.GraphNeighborhood, error)

	// ChunksForEntities 返回提及给定实体的 chunk 候选，按图邻近度计分。
	ChunksForEntities(ctx context.Context, entityIDs []string, hopDistance map[string]int, topK int) ([]types.RetrievalCandidate, error)
}

// 参数化图查询的规范模板名。编译器只产出这些名字，后端据此执行；
// 查询文本中的值一律走参数绑定。
const (
	TemplateEntitiesByType  = "entities_by_type"
	TemplateCountByType     = "count_entities_by_type"
	TemplateTopConnected    = "top_connected"
	TemplateRelatedEntities = "related_entities"
	TemplateEntitiesInDoc   = "entities_in_document"
)

// GraphQuerier 参数化图查询端口（structured 模式）。
type GraphQuerier interface {
	// RunQuery 执行预定义模板编译出的参数化查询。
	// 查询文本中的值从不拼接进查询体，全部经参数绑定传递。
	RunQuery(ctx context.Context, template string, params map[string]any) ([]map[string]any, error)

	// Templates 返回可用查询模板名称。
	Templates() []string
}

// CommunityLookup 社区摘要查找端口（global 模式）。
type CommunityLookup interface {
	// TopCommunities 按摘要嵌入与查询向量的相似度返回 top-K 社区。
	TopCommunities(ctx context.Context, vector []float32, topK int, level int) ([]types.CommunitySummary, error)
}

// Reranker 重排序端口。对融合后的候选逐条相关性打分。
type Reranker interface {
	// Rerank 为候选计算与查询的相关性分数，返回与输入等长的分数切片。
	Rerank(ctx context.Context, query string, candidates []types.FusedResult) ([]float64, error)
}

// ResultCache 检索结果缓存端口。
type ResultCache interface {
	Get(ctx context.Context, key string) ([]types.FusedResult, bool, error)
	Set(ctx context.Context, key string, results []types.FusedResult) error
}
