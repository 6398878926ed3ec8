package types

import (
	"strings"
	"time"
	"unicode"
)

// SearchMode 表示查询的检索模式。
type SearchMode string

const (
	ModeBasic      SearchMode = "basic"      // Dense + sparse vector search, no graph
	ModeLocal      SearchMode = "local"      // Entity-anchored graph traversal + neighborhood search
	ModeGlobal     SearchMode = "global"     // Map-reduce over community summaries
	ModeDrift      SearchMode = "drift"      // Iterative multi-hop retrieval with follow-up queries
	ModeStructured SearchMode = "structured" // Direct compilation to a parameterized graph query
)

// ValidSearchMode 判断 s 是否为已知检索模式。空串视为"未指定"，不在此判定。
func ValidSearchMode(s string) bool {
	switch SearchMode(s) {
	case ModeBasic, ModeLocal, ModeGlobal, ModeDrift, ModeStructured:
		return true
	}
	return false
}

// DateRange 日期范围过滤器。零值边界表示开区间。
type DateRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// IsZero 判断范围是否未设置。
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Filters 查询过滤器，下推到各检索通道。
type Filters struct {
	DocumentIDs []string   `json:"document_ids,omitempty"`
	DateRange   *DateRange `json:"date_range,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
}

// IsEmpty 判断过滤器是否全部为空。
func (f Filters) IsEmpty() bool {
	return len(f.DocumentIDs) == 0 && len(f.Tags) == 0 &&
		(f.DateRange == nil || f.DateRange.IsZero())
}

// Options 控制单次查询行为的选项集合。
type Options struct {
	// SearchMode 显式指定检索模式；为空时由路由器决定
	SearchMode string `json:"search_mode,omitempty"`
	// UseHyde 使用假设文档嵌入（HyDE）进行稠密检索
	UseHyde bool `json:"use_hyde,omitempty"`
	// UseRewrite 启用会话上下文查询改写
	UseRewrite bool `json:"use_rewrite,omitempty"`
	// UseDecomposition 启用复杂问题的子查询分解（路由到 drift）
	UseDecomposition bool `json:"use_decomposition,omitempty"`
	// IncludeTrace 在响应中包含执行轨迹
	IncludeTrace bool `json:"include_trace,omitempty"`
	// IncludeSources 在响应中包含引用来源
	IncludeSources bool `json:"include_sources,omitempty"`
	// MaxChunks 最多检索的 chunk 数（1-50）
	MaxChunks int `json:"max_chunks,omitempty"`
	// TraversalDepth 图遍历深度（0-5）
	TraversalDepth int `json:"traversal_depth,omitempty"`
	// AgentMode 启用智能体编排外层循环
	AgentMode bool `json:"agent_mode,omitempty"`
	// AgentRole 智能体角色（影响系统提示词选择）
	AgentRole string `json:"agent_role,omitempty"`
	// Stream 以事件流方式返回响应
	Stream bool `json:"stream,omitempty"`
}

const (
	DefaultMaxChunks      = 10
	DefaultTraversalDepth = 2
	MaxChunksLimit        = 50
	MaxTraversalDepth     = 5
)

// Query 是单次请求的规范化查询对象。
// 通过 NewQuery 构造后不可变；所有组件以只读方式消费。
type Query struct {
	// Raw 原始查询文本
	Raw string `json:"raw"`
	// Normalized 归一化文本（小写、压缩空白），用于缓存键与启发式路由
	Normalized string `json:"normalized"`
	// TenantID 租户标识
	TenantID string `json:"tenant_id"`
	// ConversationID 多轮对话标识（可选）
	ConversationID string `json:"conversation_id,omitempty"`
	// Filters 范围过滤器
	Filters Filters `json:"filters"`
	// Options 行为选项
	Options Options `json:"options"`
}

// NewQuery 构造规范化查询对象并应用选项默认值与边界。
// 返回的 Query 在请求生命周期内不应再被修改。
func NewQuery(raw, tenantID string, filters Filters, opts Options) (*Query, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, NewError(ErrInvalidQuery, "query text is empty").WithHTTPStatus(422)
	}
	if tenantID == "" {
		return nil, NewError(ErrInvalidQuery, "tenant id is required").WithHTTPStatus(422)
	}
	if opts.SearchMode != "" && !ValidSearchMode(opts.SearchMode) {
		return nil, NewError(ErrInvalidMode, "unknown search mode: "+opts.SearchMode).WithHTTPStatus(422)
	}

	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	if opts.MaxChunks > MaxChunksLimit {
		opts.MaxChunks = MaxChunksLimit
	}
	if opts.TraversalDepth <= 0 {
		opts.TraversalDepth = DefaultTraversalDepth
	}
	if opts.TraversalDepth > MaxTraversalDepth {
		opts.TraversalDepth = MaxTraversalDepth
	}

	if filters.DateRange != nil && !filters.DateRange.IsZero() {
		if !filters.DateRange.Start.IsZero() && !filters.DateRange.End.IsZero() &&
			filters.DateRange.End.Before(filters.DateRange.Start) {
			return nil, NewError(ErrInvalidQuery, "date_range end precedes start").WithHTTPStatus(422)
		}
	}

	return &Query{
		Raw:        trimmed,
		Normalized: NormalizeText(trimmed),
		TenantID:   tenantID,
		Filters:    filters,
		Options:    opts,
	}, nil
}

// WithConversation 返回携带会话 ID 的副本。
func (q *Query) WithConversation(conversationID string) *Query {
	cp := *q
	cp.ConversationID = conversationID
	return &cp
}

// Mode 返回显式指定的检索模式，未指定时返回空。
func (q *Query) Mode() SearchMode {
	return SearchMode(q.Options.SearchMode)
}

// NormalizeText 归一化查询文本：小写化、去首尾空白、压缩内部空白。
// 归一化结果用于缓存键与启发式匹配，不用于生成提示词。
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
