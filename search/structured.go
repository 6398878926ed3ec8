package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/retrieval"
	"github.com/tessellate-ai/graphrag/types"
)

// CompiledQuery 编译后的参数化图查询。用户输入只出现在 Params 值里，
// 从不拼接进模板。
type CompiledQuery struct {
	Template string         `json:"template"`
	Params   map[string]any `json:"params,omitempty"`
}

// StructuredStrategy 把聚合类查询编译为参数化图查询并直接执行。
// 绕过融合与重排序，行结果直接包装为证据。
type StructuredStrategy struct {
	querier retrieval.GraphQuerier
	logger  *zap.Logger
}

// NewStructuredStrategy 创建 structured 策略。
func NewStructuredStrategy(querier retrieval.GraphQuerier, logger *zap.Logger) *StructuredStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StructuredStrategy{
		querier: querier,
		logger:  logger.With(zap.String("component", "structured_strategy")),
	}
}

// Mode 返回 structured。
func (s *StructuredStrategy) Mode() types.SearchMode { return types.ModeStructured }

// Run 编译并执行图查询。无法编译的查询是客户端错误（422）。
func (s *StructuredStrategy) Run(ctx context.Context, q *types.Query) (*Result, error) {
	compiled, err := CompileStructuredQuery(q.Normalized)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("compiled structured query",
		zap.String("template", compiled.Template),
		zap.Any("params", compiled.Params))

	rows, err := s.querier.RunQuery(ctx, compiled.Template, compiled.Params)
	if err != nil {
		if types.IsClientError(err) {
			return nil, err
		}
		return nil, types.NewError(types.ErrStructuredQuery, "graph query execution failed").
			WithCause(err).WithHTTPStatus(502)
	}

	result := &Result{Mode: types.ModeStructured, Rows: rows}
	for i, row := range rows {
		result.Evidence = append(result.Evidence, types.FusedResult{
			ChunkID:      fmt.Sprintf("row:%d", i+1),
			DocumentID:   "graph:" + compiled.Template,
			Score:        1.0 - float64(i)*0.001, // 行序即相关序
			Channels:     []types.RetrievalChannel{types.ChannelGraph},
			Content:      formatRow(row),
			DocumentName: "graph query: " + compiled.Template,
		})
	}
	return result, nil
}

var (
	countPattern   = regexp.MustCompile(`(?:how many|count|number of)\s+([a-z][a-z_ ]*?)s?\b`)
	listPattern    = regexp.MustCompile(`list (?:all|every)\s+([a-z][a-z_ ]*?)s?\b`)
	relatedPattern = regexp.MustCompile(`(?:related to|connected to|linked to)\s+(.+?)(?:\?|$)`)
)

// CompileStructuredQuery 把归一化查询文本编译为参数化图查询。
// 识别不出聚合意图时返回 ErrStructuredQuery（422）。
func CompileStructuredQuery(normalized string) (*CompiledQuery, error) {
	if strings.Contains(normalized, "most connected") || strings.Contains(normalized, "top entities") {
		return &CompiledQuery{Template: retrieval.TemplateTopConnected, Params: map[string]any{"limit": 10}}, nil
	}
	if m := relatedPattern.FindStringSubmatch(normalized); m != nil {
		return &CompiledQuery{
			Template: retrieval.TemplateRelatedEntities,
			Params:   map[string]any{"entity": strings.TrimSpace(m[1])},
		}, nil
	}
	if countPattern.MatchString(normalized) {
		// 计数查询统一走 count_entities_by_type，类型过滤留给读方
		return &CompiledQuery{Template: retrieval.TemplateCountByType}, nil
	}
	if m := listPattern.FindStringSubmatch(normalized); m != nil {
		return &CompiledQuery{
			Template: retrieval.TemplateEntitiesByType,
			Params:   map[string]any{"type": strings.TrimSpace(m[1]), "limit": 50},
		}, nil
	}
	return nil, types.NewError(types.ErrStructuredQuery,
		"query does not match any structured template").WithHTTPStatus(422)
}

// formatRow 把查询行渲染为稳定的 "k=v" 文本（键序固定）。
func formatRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
	}
	return strings.Join(parts, " ")
}
