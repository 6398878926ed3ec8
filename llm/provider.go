// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package llm 定义统一的生成/嵌入提供者接口。
// 检索引擎的每一次外部模型调用（生成、嵌入、智能体工具推理）
// 都经由本包接口，便于路由、监控与测试替身注入。
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// ErrorCode 统一的 LLM 错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"      // 参数/格式错误
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"         // 未授权或密钥失效
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"         // 上游或本地限流
	ErrContentFiltered     ErrorCode = "LLM_CONTENT_FILTERED"     // 命中内容安全
	ErrUpstreamTimeout     ErrorCode = "LLM_UPSTREAM_TIMEOUT"     // 上游超时
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"       // 上游 5xx/网络错误
	ErrProviderUnavailable ErrorCode = "LLM_PROVIDER_UNAVAILABLE" // Provider 不可用
)

// Error LLM 结构化错误。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Role 消息角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 模型提出的工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message 对话消息。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // 工具返回时标识对应调用
}

// ToolSchema 工具定义（name + description + JSON Schema parameters）。
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChatRequest 聊天补全请求。
type ChatRequest struct {
	TraceID     string        `json:"trace_id,omitempty"`
	TenantID    string        `json:"tenant_id,omitempty"`
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"` // auto/none/<tool name>
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// ChatUsage token 用量。
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatChoice 单条补全选择。
type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

// ChatResponse 聊天补全响应。
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk 流式增量响应。
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"` // 最终 chunk 可带 usage
	Err          *Error     `json:"error,omitempty"`
}

// Provider 定义统一的 LLM 适配接口。
// 工具调用通过 ChatRequest.Tools 传递，模型在响应中返回 ToolCalls，
// 具体的工具执行由 agent 包的 ToolRegistry 负责。
type Provider interface {
	// Completion 发起同步聊天请求，返回完整响应
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式聊天请求，返回增量响应通道
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}

// Embedder 文本嵌入接口。稠密通道与 global 模式的社区查找依赖它。
type Embedder interface {
	// Embed 将文本转换为向量
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FirstChoice 返回响应的第一条选择；无选择时返回错误。
func FirstChoice(resp *ChatResponse) (ChatChoice, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return ChatChoice{}, &Error{Code: ErrUpstreamError, Message: "response has no choices"}
	}
	return resp.Choices[0], nil
}
