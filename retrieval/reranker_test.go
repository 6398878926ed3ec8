package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/graphrag/types"
)

func TestHTTPRerankerScoresByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Documents, 2)

		// 乱序返回，按 index 对位
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 1, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.2},
			},
		})
	}))
	defer server.Close()

	r := NewHTTPReranker(HTTPRerankerConfig{BaseURL: server.URL, APIKey: "test-key", Model: "rerank-v3"}, nil)
	scores, err := r.Rerank(context.Background(), "query", []types.FusedResult{
		{ChunkID: "a", Content: "first"},
		{ChunkID: "b", Content: "second"},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.9}, scores)
}

func TestHTTPRerankerIncompleteScoresIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 0, "relevance_score": 0.5}},
		})
	}))
	defer server.Close()

	r := NewHTTPReranker(HTTPRerankerConfig{BaseURL: server.URL}, nil)
	_, err := r.Rerank(context.Background(), "query", []types.FusedResult{
		{Content: "first"}, {Content: "second"},
	})
	assert.Error(t, err)
}

func TestHTTPRerankerUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := NewHTTPReranker(HTTPRerankerConfig{BaseURL: server.URL}, nil)
	_, err := r.Rerank(context.Background(), "query", []types.FusedResult{{Content: "doc"}})
	assert.Error(t, err)
}

func TestLexicalRerankerTermOverlap(t *testing.T) {
	r := NewLexicalReranker()
	scores, err := r.Rerank(context.Background(), "payment service auth", []types.FusedResult{
		{Content: "the payment service handles auth tokens"},
		{Content: "unrelated logging pipeline"},
	})
	require.NoError(t, err)
	assert.Greater(t, scores[0], scores[1])
	assert.Equal(t, 1.0, scores[0])
	assert.Equal(t, 0.0, scores[1])
}
