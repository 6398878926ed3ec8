package stores

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/retrieval"
	"github.com/tessellate-ai/graphrag/types"
)

// normalizeLabel 与 FindEntities 的查询归一化同口径。
func normalizeLabel(label string) string {
	return strings.Join(retrieval.Tokenize(label), " ")
}

// MemoryGraph 进程内知识图谱，实现图遍历与参数化图查询端口。
// 节点、边与 chunk 映射由摄取子系统灌入；查询侧只读。
type MemoryGraph struct {
	mu       sync.RWMutex
	nodes    map[string]*types.GraphNode
	edges    []types.GraphEdge
	adjacent map[string][]string // nodeID -> 相邻 nodeID
	chunks   map[string]Chunk    // chunkID -> chunk 读模型
	// labelIndex 归一化 label/别名 -> nodeID，用于查询文本实体识别
	labelIndex map[string]string

	logger *zap.Logger
}

// NewMemoryGraph 创建进程内图存储。
func NewMemoryGraph(logger *zap.Logger) *MemoryGraph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryGraph{
		nodes:      make(map[string]*types.GraphNode),
		adjacent:   make(map[string][]string),
		chunks:     make(map[string]Chunk),
		labelIndex: make(map[string]string),
		logger:     logger.With(zap.String("component", "memory_graph")),
	}
}

// AddNode 添加或替换节点。
func (g *MemoryGraph) AddNode(node types.GraphNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[node.ID] = &node
	g.labelIndex[normalizeLabel(node.Label)] = node.ID
	if aliases, ok := node.Properties["aliases"].([]string); ok {
		for _, alias := range aliases {
			g.labelIndex[normalizeLabel(alias)] = node.ID
		}
	}
}

// AddEdge 添加无向邻接边。
func (g *MemoryGraph) AddEdge(edge types.GraphEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, edge)
	g.adjacent[edge.Source] = append(g.adjacent[edge.Source], edge.Target)
	g.adjacent[edge.Target] = append(g.adjacent[edge.Target], edge.Source)
}

// SetChunks 灌入 chunk 读模型（候选内容解析用）。
func (g *MemoryGraph) SetChunks(chunks []Chunk) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range chunks {
		g.chunks[c.ChunkID] = c
	}
}

// FindEntities 在查询文本中识别图谱已知实体。
// 按词边界匹配归一化 label，避免子串误命中；标点视作边界。
func (g *MemoryGraph) FindEntities(_ context.Context, query string) ([]string, error) {
	normalized := " " + strings.Join(retrieval.Tokenize(query), " ") + " "

	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var found []string
	for label, nodeID := range g.labelIndex {
		if label == "" || seen[nodeID] {
			continue
		}
		if strings.Contains(normalized, " "+label+" ") {
			seen[nodeID] = true
			found = append(found, nodeID)
		}
	}
	sort.Strings(found)
	return found, nil
}

// Neighborhood 从种子实体出发 BFS，至多 depth 跳。
func (g *MemoryGraph) Neighborhood(_ context.Context, seedIDs []string, depth int) (*types.GraphNeighborhood, error) {
	if depth < 0 {
		depth = 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	hopDistance := make(map[string]int)
	queue := make([]string, 0, len(seedIDs))
	for _, id := range seedIDs {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		hopDistance[id] = 0
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if hopDistance[current] >= depth {
			continue
		}
		for _, next := range g.adjacent[current] {
			if _, visited := hopDistance[next]; visited {
				continue
			}
			hopDistance[next] = hopDistance[current] + 1
			queue = append(queue, next)
		}
	}

	neighborhood := &types.GraphNeighborhood{
		SeedEntityIDs: seedIDs,
		HopDistance:   hopDistance,
	}
	for id := range hopDistance {
		neighborhood.Nodes = append(neighborhood.Nodes, *g.nodes[id])
	}
	sort.Slice(neighborhood.Nodes, func(i, j int) bool {
		return neighborhood.Nodes[i].ID < neighborhood.Nodes[j].ID
	})
	for _, edge := range g.edges {
		_, srcIn := hopDistance[edge.Source]
		_, dstIn := hopDistance[edge.Target]
		if srcIn && dstIn {
			neighborhood.Edges = append(neighborhood.Edges, edge)
		}
	}
	return neighborhood, nil
}

// ChunksForEntities 返回提及给定实体的 chunk 候选。
// 分数按 1/(1+hop) 的图邻近度计，同一 chunk 被多个实体提及时取最近者。
func (g *MemoryGraph) ChunksForEntities(_ context.Context, entityIDs []string, hopDistance map[string]int, topK int) ([]types.RetrievalCandidate, error) {
	if topK <= 0 {
		topK = 10
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	best := make(map[string]float64)
	for _, entityID := range entityIDs {
		node, ok := g.nodes[entityID]
		if !ok {
			continue
		}
		hop := 0
		if hopDistance != nil {
			hop = hopDistance[entityID]
		}
		score := 1.0 / float64(1+hop)
		for _, chunkID := range node.ChunkIDs {
			if score > best[chunkID] {
				best[chunkID] = score
			}
		}
	}

	candidates := make([]types.RetrievalCandidate, 0, len(best))
	for chunkID, score := range best {
		chunk := g.chunks[chunkID]
		candidates = append(candidates, types.RetrievalCandidate{
			ChunkID:      chunkID,
			DocumentID:   chunk.DocumentID,
			Score:        score,
			Channel:      types.ChannelGraph,
			Content:      chunk.Content,
			DocumentName: chunk.DocumentName,
			Page:         chunk.Page,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates, nil
}

// Templates 返回可用查询模板名称。
func (g *MemoryGraph) Templates() []string {
	return []string{
		retrieval.TemplateEntitiesByType,
		retrieval.TemplateCountByType,
		retrieval.TemplateTopConnected,
		retrieval.TemplateRelatedEntities,
		retrieval.TemplateEntitiesInDoc,
	}
}

// RunQuery 执行参数化图查询（structured 模式后端）。
func (g *MemoryGraph) RunQuery(_ context.Context, template string, params map[string]any) ([]map[string]any, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch template {
	case retrieval.TemplateEntitiesByType:
		return g.entitiesByType(stringParam(params, "type"), intParam(params, "limit", 20)), nil
	case retrieval.TemplateCountByType:
		return g.countByType(), nil
	case retrieval.TemplateTopConnected:
		return g.topConnected(intParam(params, "limit", 10)), nil
	case retrieval.TemplateRelatedEntities:
		return g.relatedEntities(stringParam(params, "entity"), intParam(params, "limit", 20)), nil
	case retrieval.TemplateEntitiesInDoc:
		return g.entitiesInDocument(stringParam(params, "document_id"), intParam(params, "limit", 50)), nil
	}
	return nil, types.NewError(types.ErrStructuredQuery, fmt.Sprintf("unknown query template %q", template)).WithHTTPStatus(422)
}

func (g *MemoryGraph) entitiesByType(entityType string, limit int) []map[string]any {
	var rows []map[string]any
	for _, node := range g.sortedNodes() {
		if entityType != "" && !strings.EqualFold(node.Type, entityType) {
			continue
		}
		rows = append(rows, map[string]any{"id": node.ID, "label": node.Label, "type": node.Type})
		if len(rows) >= limit {
			break
		}
	}
	return rows
}

func (g *MemoryGraph) countByType() []map[string]any {
	counts := make(map[string]int)
	for _, node := range g.nodes {
		counts[node.Type]++
	}
	typeNames := make([]string, 0, len(counts))
	for t := range counts {
		typeNames = append(typeNames, t)
	}
	sort.Strings(typeNames)

	rows := make([]map[string]any, 0, len(typeNames))
	for _, t := range typeNames {
		rows = append(rows, map[string]any{"type": t, "count": counts[t]})
	}
	return rows
}

func (g *MemoryGraph) topConnected(limit int) []map[string]any {
	nodes := g.sortedNodes()
	sort.SliceStable(nodes, func(i, j int) bool {
		return len(g.adjacent[nodes[i].ID]) > len(g.adjacent[nodes[j].ID])
	})
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	rows := make([]map[string]any, 0, len(nodes))
	for _, node := range nodes {
		rows = append(rows, map[string]any{
			"id":     node.ID,
			"label":  node.Label,
			"degree": len(g.adjacent[node.ID]),
		})
	}
	return rows
}

func (g *MemoryGraph) relatedEntities(entity string, limit int) []map[string]any {
	nodeID, ok := g.labelIndex[normalizeLabel(entity)]
	if !ok {
		if _, exists := g.nodes[entity]; exists {
			nodeID = entity
		} else {
			return nil
		}
	}
	neighborIDs := append([]string(nil), g.adjacent[nodeID]...)
	sort.Strings(neighborIDs)

	var rows []map[string]any
	seen := make(map[string]bool)
	for _, id := range neighborIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		node, ok := g.nodes[id]
		if !ok {
			continue
		}
		rows = append(rows, map[string]any{"id": node.ID, "label": node.Label, "type": node.Type})
		if len(rows) >= limit {
			break
		}
	}
	return rows
}

func (g *MemoryGraph) entitiesInDocument(documentID string, limit int) []map[string]any {
	var rows []map[string]any
	for _, node := range g.sortedNodes() {
		for _, docID := range node.DocumentIDs {
			if docID == documentID {
				rows = append(rows, map[string]any{"id": node.ID, "label": node.Label, "type": node.Type})
				break
			}
		}
		if len(rows) >= limit {
			break
		}
	}
	return rows
}

func (g *MemoryGraph) sortedNodes() []*types.GraphNode {
	nodes := make([]*types.GraphNode, 0, len(g.nodes))
	for _, node := range g.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
