package api

import (
	"github.com/tessellate-ai/graphrag/engine"
	"github.com/tessellate-ai/graphrag/types"
)

// =============================================================================
// 查询请求/响应 wire 类型
// =============================================================================

// QueryRequest 查询请求体。TenantID 通常由认证中间件从 JWT 解析，
// 请求体内的 tenant_id 仅在未启用认证时生效。
type QueryRequest struct {
	// Query 查询文本（必填）
	Query string `json:"query"`
	// TenantID 租户标识（认证启用时忽略，以 token 声明为准）
	TenantID string `json:"tenant_id,omitempty"`
	// ConversationID 多轮对话标识（启用改写时使用）
	ConversationID string `json:"conversation_id,omitempty"`
	// Filters 范围过滤器
	Filters types.Filters `json:"filters,omitempty"`
	// Options 行为选项
	Options types.Options `json:"options,omitempty"`
}

// QueryResponse 同步查询响应体，即引擎响应本身。
type QueryResponse = engine.Response

// StreamEvent 流式事件 wire 类型，即引擎事件本身。
// SSE 以 `event: <type>` + JSON data 行发送；WebSocket 以 JSON 文本帧发送。
type StreamEvent = engine.Event
