package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, retries int) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIProvider(OpenAIConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "gpt-4o-mini",
		MaxRetries: retries,
	}, nil)
}

func TestOpenAIProvider_Completion(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body oaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "the payments team"},
			}},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25},
		})
	}, 0)

	resp, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "answer briefly"},
			{Role: RoleUser, Content: "who owns billing?"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "the payments team", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 25, resp.Usage.TotalTokens)
}

type recordingLLMMetrics struct {
	provider         string
	model            string
	status           string
	promptTokens     int
	completionTokens int
	calls            int
}

func (r *recordingLLMMetrics) RecordLLMRequest(provider, model, status string, promptTokens, completionTokens int) {
	r.provider, r.model, r.status = provider, model, status
	r.promptTokens, r.completionTokens = promptTokens, completionTokens
	r.calls++
}

func TestOpenAIProvider_Completion_RecordsMetrics(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-3",
			"choices": []map[string]any{{
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "ok"},
			}},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}, 0)
	rec := &recordingLLMMetrics{}
	provider.SetMetrics(rec)

	_, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "who owns billing?"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.calls)
	assert.Equal(t, "openai", rec.provider)
	assert.Equal(t, "gpt-4o-mini", rec.model)
	assert.Equal(t, "ok", rec.status)
	assert.Equal(t, 12, rec.promptTokens)
	assert.Equal(t, 3, rec.completionTokens)
}

func TestOpenAIProvider_Completion_RecordsErrorStatus(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}, 0)
	rec := &recordingLLMMetrics{}
	provider.SetMetrics(rec)

	_, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "who owns billing?"}},
	})
	require.Error(t, err)
	require.Equal(t, 1, rec.calls)
	assert.Equal(t, "error", rec.status)
}

func TestOpenAIProvider_Completion_ToolCalls(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-2",
			"choices": []map[string]any{{
				"finish_reason": "tool_calls",
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call-1",
						"type": "function",
						"function": map[string]string{
							"name":      "search_local",
							"arguments": `{"query":"billing owner"}`,
						},
					}},
				},
			}},
		})
	}, 0)

	resp, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "who owns billing?"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	tc := resp.Choices[0].Message.ToolCalls[0]
	assert.Equal(t, "search_local", tc.Name)
	assert.JSONEq(t, `{"query":"billing owner"}`, string(tc.Arguments))
}

func TestOpenAIProvider_Completion_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream overloaded", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "recovered"},
			}},
		})
	}, 2)

	resp, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "q"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Choices[0].Message.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIProvider_Completion_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}, 3)

	_, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "q"}},
	})
	require.Error(t, err)
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrInvalidRequest, le.Code)
	assert.False(t, le.Retryable)
	assert.Equal(t, int32(1), calls.Load(), "client errors must not be retried")
}

func TestOpenAIProvider_Completion_Unauthorized(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}, 0)

	_, err := provider.Completion(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "q"}},
	})
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrUnauthorized, le.Code)
}

func TestOpenAIProvider_Stream(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body oaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"the ", "payments ", "team"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}, 0)

	ch, err := provider.Stream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "who owns billing?"}},
	})
	require.NoError(t, err)

	var got string
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		got += chunk.Delta.Content
	}
	assert.Equal(t, "the payments team", got)
}

func TestOpenAIProvider_Embed(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var body oaiEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Input, 1)

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}, 0)

	vec, err := provider.Embed(context.Background(), "billing service ownership")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOpenAIProvider_Embed_EmptyData(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}, 0)

	_, err := provider.Embed(context.Background(), "text")
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrUpstreamError, le.Code)
}
