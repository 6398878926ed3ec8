// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package search 实现检索模式策略（basic/local/global/drift/structured）
// 与将查询分派到策略的路由器。
package search

import (
	"context"

	"github.com/tessellate-ai/graphrag/types"
)

// Generator 文本生成端口。global 的 map 步骤、drift 的跟进问题生成
// 与 LLM 分类器共用。由 engine 以 llm.Provider 适配。
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// CommunityAnswer global 模式 map 步骤对单个社区的部分回答。
type CommunityAnswer struct {
	CommunityID string  `json:"community_id"`
	Answer      string  `json:"answer"`
	Score       float64 `json:"score"`
}

// Result 单个模式策略的执行结果。Evidence 是统一出口：
// 所有模式（包括 structured 的行包装）都经它进入证据组装。
type Result struct {
	Mode     types.SearchMode    `json:"mode"`
	Evidence []types.FusedResult `json:"evidence"`
	// Partials global 模式的社区部分回答（供 reduce 生成消费）
	Partials []CommunityAnswer `json:"partials,omitempty"`
	// Rows structured 模式的原始查询行
	Rows []map[string]any `json:"rows,omitempty"`
	// FollowUps 建议的跟进问题（drift 生成，最多 3 条上浮）
	FollowUps []string `json:"follow_ups,omitempty"`
	// Degraded 执行期间降级的检索通道
	Degraded []types.RetrievalChannel `json:"degraded,omitempty"`
}

// ModeStrategy 检索模式策略。
type ModeStrategy interface {
	// Mode 返回策略对应的检索模式
	Mode() types.SearchMode

	// Run 执行策略。零证据不是错误，由上层统一判定 no-evidence
	Run(ctx context.Context, q *types.Query) (*Result, error)
}

// Registry 模式 → 策略查找表。调用点不做字符串分派。
type Registry struct {
	strategies map[types.SearchMode]ModeStrategy
}

// NewRegistry 以策略集合构建查找表。重复模式后注册者生效。
func NewRegistry(strategies ...ModeStrategy) *Registry {
	m := make(map[types.SearchMode]ModeStrategy, len(strategies))
	for _, s := range strategies {
		m[s.Mode()] = s
	}
	return &Registry{strategies: m}
}

// Get 按模式取策略。
func (r *Registry) Get(mode types.SearchMode) (ModeStrategy, bool) {
	s, ok := r.strategies[mode]
	return s, ok
}

// Modes 返回已注册模式（测试与健康上报用）。
func (r *Registry) Modes() []types.SearchMode {
	modes := make([]types.SearchMode, 0, len(r.strategies))
	for m := range r.strategies {
		modes = append(modes, m)
	}
	return modes
}

// subQuery 构造携带新文本的查询副本（drift 子查询用）。
// 其余字段（租户、过滤器、选项）原样继承。
func subQuery(q *types.Query, text string) *types.Query {
	cp := *q
	cp.Raw = text
	cp.Normalized = types.NormalizeText(text)
	return &cp
}
