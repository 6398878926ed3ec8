package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OpenAIConfig configures the OpenAI-compatible REST provider.
//
// Any endpoint speaking the /chat/completions and /embeddings wire format
// works (OpenAI, Azure OpenAI, vLLM, Ollama's compat layer, etc.).
type OpenAIConfig struct {
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"api_key,omitempty"`
	Model          string        `json:"model"`
	EmbeddingModel string        `json:"embedding_model"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
}

// Metrics LLM 调用指标端口。
type Metrics interface {
	RecordLLMRequest(provider, model, status string, promptTokens, completionTokens int)
}

// OpenAIProvider implements Provider and Embedder over the OpenAI REST API.
type OpenAIProvider struct {
	cfg     OpenAIConfig
	client  *http.Client
	metrics Metrics
	logger  *zap.Logger
}

// SetMetrics 挂载指标收集器（可选能力）。
func (p *OpenAIProvider) SetMetrics(m Metrics) { p.metrics = m }

// NewOpenAIProvider 创建 OpenAI 兼容 Provider。
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "llm_openai")),
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// wire types for the /chat/completions request body

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	ToolChoice  string       `json:"tool_choice,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type oaiChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		FinishReason string     `json:"finish_reason"`
		Message      oaiMessage `json:"message"`
		Delta        oaiMessage `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) buildBody(req *ChatRequest, stream bool) oaiChatRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	body := oaiChatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		ToolChoice:  req.ToolChoice,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		om := oaiMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			otc := oaiToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		body.Messages = append(body.Messages, om)
	}
	for _, t := range req.Tools {
		var ot oaiTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, ot)
	}
	return body
}

func (p *OpenAIProvider) doRequest(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Code: ErrUpstreamTimeout, Message: "request cancelled or timed out", Cause: err, Retryable: true}
		}
		return nil, &Error{Code: ErrUpstreamError, Message: "request failed", Cause: err, Retryable: true}
	}
	return resp, nil
}

func mapStatusError(status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Code: ErrUnauthorized, Message: msg, HTTPStatus: status}
	case status == http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true}
	case status >= 500:
		return &Error{Code: ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true}
	default:
		return &Error{Code: ErrInvalidRequest, Message: msg, HTTPStatus: status}
	}
}

// Completion 发起同步聊天请求。
func (p *OpenAIProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var lastErr error
	attempts := p.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := p.completionOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		var le *Error
		retryable := false
		if e, ok := err.(*Error); ok {
			le = e
			retryable = le.Retryable
		}
		if !retryable || ctx.Err() != nil {
			break
		}
		// 指数退避
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (p *OpenAIProvider) completionOnce(ctx context.Context, req *ChatRequest) (out *ChatResponse, err error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	defer func() {
		if p.metrics == nil {
			return
		}
		if err != nil {
			p.metrics.RecordLLMRequest(p.Name(), model, "error", 0, 0)
			return
		}
		p.metrics.RecordLLMRequest(p.Name(), model, "ok",
			out.Usage.PromptTokens, out.Usage.CompletionTokens)
	}()

	resp, err := p.doRequest(ctx, "/chat/completions", p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: "read response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatusError(resp.StatusCode, body)
	}

	var wire oaiChatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: "decode response", Cause: err}
	}

	out = &ChatResponse{
		ID:        wire.ID,
		Provider:  p.Name(),
		Model:     wire.Model,
		CreatedAt: time.Now(),
		Usage: ChatUsage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	for _, c := range wire.Choices {
		msg := Message{Role: Role(c.Message.Role), Content: c.Message.Content}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		out.Choices = append(out.Choices, ChatChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			Message:      msg,
		})
	}
	return out, nil
}

// Stream 发起流式聊天请求，按 SSE 行解析增量。
// 通道在流结束、上游错误或 ctx 取消时关闭。
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	resp, err := p.doRequest(ctx, "/chat/completions", p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, mapStatusError(resp.StatusCode, body)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			var wire oaiChatResponse
			if err := json.Unmarshal([]byte(payload), &wire); err != nil {
				p.logger.Warn("skipping malformed stream chunk", zap.Error(err))
				continue
			}
			chunk := StreamChunk{ID: wire.ID, Model: wire.Model}
			if len(wire.Choices) > 0 {
				c := wire.Choices[0]
				chunk.Delta = Message{Role: Role(c.Delta.Role), Content: c.Delta.Content}
				chunk.FinishReason = c.FinishReason
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- StreamChunk{Err: &Error{Code: ErrUpstreamError, Message: "stream read", Cause: err}}:
			default:
			}
		}
	}()
	return out, nil
}

// embeddings wire types

type oaiEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type oaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed 将文本转换为向量。
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	resp, err := p.doRequest(ctx, "/embeddings", oaiEmbeddingRequest{Model: model, Input: []string{text}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: "read embedding response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatusError(resp.StatusCode, body)
	}

	var wire oaiEmbeddingResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &Error{Code: ErrUpstreamError, Message: "decode embedding response", Cause: err}
	}
	if len(wire.Data) == 0 {
		return nil, &Error{Code: ErrUpstreamError, Message: "embedding response has no data"}
	}
	return wire.Data[0].Embedding, nil
}
