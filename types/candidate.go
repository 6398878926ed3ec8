package types

// RetrievalChannel 标识候选的来源检索通道。
type RetrievalChannel string

const (
	ChannelDense  RetrievalChannel = "dense"  // Dense vector similarity
	ChannelSparse RetrievalChannel = "sparse" // Sparse/keyword similarity
	ChannelGraph  RetrievalChannel = "graph"  // Graph traversal proximity
)

// RetrievalCandidate 单个通道产出的检索候选。
// 请求作用域对象，仅供融合引擎消费，从不持久化。
type RetrievalCandidate struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	// Score 通道自身刻度的原始分数（各通道不可直接比较）
	Score float64 `json:"score"`
	// Channel 来源通道标签
	Channel RetrievalChannel `json:"channel"`
	// Rank 通道内 1-based 排名
	Rank int `json:"rank"`
	// Content 候选文本内容
	Content string `json:"content,omitempty"`
	// DocumentName 来源文档名（用于引用展示）
	DocumentName string `json:"document_name,omitempty"`
	// Page 页码定位（0 表示不可用）
	Page int `json:"page,omitempty"`
	// Metadata 通道附加元数据
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FusedResult RRF 融合后的单条结果。
// 排序不变量：按 Score 降序；平分时按（贡献通道数降序，ChunkID 升序）。
type FusedResult struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	// Score RRF 累计分数
	Score float64 `json:"score"`
	// Channels 贡献通道集合（跨通道一致性提升排名的机制）
	Channels []RetrievalChannel `json:"channels"`
	// RerankScore 重排序覆盖分数（nil 表示未重排）
	RerankScore *float64 `json:"rerank_score,omitempty"`
	// Content / DocumentName / Page 透传自最佳候选
	Content      string `json:"content,omitempty"`
	DocumentName string `json:"document_name,omitempty"`
	Page         int    `json:"page,omitempty"`
}

// FinalScore 返回生效分数：已重排时为 RerankScore，否则为融合分数。
func (r *FusedResult) FinalScore() float64 {
	if r.RerankScore != nil {
		return *r.RerankScore
	}
	return r.Score
}

// HasChannel 判断结果是否包含来自指定通道的贡献。
func (r *FusedResult) HasChannel(c RetrievalChannel) bool {
	for _, ch := range r.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// Citation 最终证据集中的一条引用。
// 索引 1-based、在单次响应内连续且不重复；一个 chunk 恰好对应一个索引，
// 即使它同时出现在多个检索通道中。
type Citation struct {
	Index        int     `json:"index"`
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name,omitempty"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	Page         int     `json:"page,omitempty"`
}

// TraceStep 执行轨迹中的一步（include_trace 选项开启时返回）。
type TraceStep struct {
	Step       string         `json:"step"`
	DurationMS float64        `json:"duration_ms"`
	Details    map[string]any `json:"details,omitempty"`
}

// TimingInfo 查询耗时拆分。
type TimingInfo struct {
	TotalMS      float64 `json:"total_ms"`
	AnalysisMS   float64 `json:"analysis_ms,omitempty"`
	RetrievalMS  float64 `json:"retrieval_ms,omitempty"`
	RerankingMS  float64 `json:"reranking_ms,omitempty"`
	GenerationMS float64 `json:"generation_ms,omitempty"`
}
