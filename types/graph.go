package types

// 以下类型由摄取/图谱维护子系统产出，本核心只读消费。

// CommunitySummary 预计算的社区摘要（Leiden 层级聚类产物）。
// global 模式的 map 步骤以摘要嵌入相似度选取 top-K 社区。
type CommunitySummary struct {
	CommunityID string `json:"community_id"`
	// Level 层级（0 为最细粒度）
	Level int `json:"level"`
	// EntityIDs 成员实体
	EntityIDs []string `json:"entity_ids"`
	// Summary 预计算文本摘要
	Summary string `json:"summary"`
	// Embedding 摘要嵌入
	Embedding []float32 `json:"embedding,omitempty"`
	// Score 查询相关性分数（查找时填充）
	Score float64 `json:"score,omitempty"`
}

// GraphNode 知识图谱节点。
type GraphNode struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
	// ChunkIDs 提及该实体的 chunk
	ChunkIDs []string `json:"chunk_ids,omitempty"`
	// DocumentIDs 提及该实体的文档
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// GraphEdge 知识图谱边。
type GraphEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// GraphNeighborhood 种子实体向外 N 跳的邻域。
type GraphNeighborhood struct {
	// SeedEntityIDs 遍历起点
	SeedEntityIDs []string    `json:"seed_entity_ids"`
	Nodes         []GraphNode `json:"nodes"`
	Edges         []GraphEdge `json:"edges"`
	// HopDistance 节点 ID → 距最近种子的跳数（种子自身为 0）
	HopDistance map[string]int `json:"hop_distance,omitempty"`
}

// DocumentIDs 返回邻域内节点提及的去重文档 ID 集合。
// local 模式用它约束 dense/sparse 通道的候选空间。
func (n *GraphNeighborhood) DocumentIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, node := range n.Nodes {
		for _, docID := range node.DocumentIDs {
			if !seen[docID] {
				seen[docID] = true
				ids = append(ids, docID)
			}
		}
	}
	return ids
}
