// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package stores 提供检索端口的具体存储适配器：qdrant / pgvector 向量检索、
// 进程内 BM25 稀疏索引、进程内知识图谱与社区索引。
package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

// QdrantConfig configures the Qdrant-backed dense searcher.
//
// Notes:
//   - Chunk content and provenance live in the point payload.
//   - Filters are pushed down as Qdrant filter clauses so pruning happens
//     server-side, not after transfer.
type QdrantConfig struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	BaseURL    string        `json:"base_url,omitempty"`
	APIKey     string        `json:"api_key,omitempty"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// QdrantSearcher implements dense vector search over Qdrant's REST API.
type QdrantSearcher struct {
	cfg     QdrantConfig
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewQdrantSearcher creates a Qdrant-backed dense searcher.
func NewQdrantSearcher(cfg QdrantConfig, logger *zap.Logger) *QdrantSearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	return &QdrantSearcher{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_searcher")),
	}
}

func (s *QdrantSearcher) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantSearcher) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return fmt.Errorf("qdrant status %d: %s", resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type qdrantSearchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// buildFilter translates query filters into a Qdrant filter object.
// Returns nil when no filter applies.
func buildFilter(filters types.Filters) map[string]any {
	var must []map[string]any
	if len(filters.DocumentIDs) > 0 {
		must = append(must, map[string]any{
			"key":   "document_id",
			"match": map[string]any{"any": filters.DocumentIDs},
		})
	}
	if len(filters.Tags) > 0 {
		must = append(must, map[string]any{
			"key":   "tags",
			"match": map[string]any{"any": filters.Tags},
		})
	}
	if filters.DateRange != nil && !filters.DateRange.IsZero() {
		rangeCond := map[string]any{}
		if !filters.DateRange.Start.IsZero() {
			rangeCond["gte"] = filters.DateRange.Start.Format(time.RFC3339)
		}
		if !filters.DateRange.End.IsZero() {
			rangeCond["lte"] = filters.DateRange.End.Format(time.RFC3339)
		}
		must = append(must, map[string]any{
			"key":   "created_at",
			"range": rangeCond,
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

// SearchByVector runs a similarity search and maps hits to retrieval
// candidates. Hits below threshold are pruned server-side via score_threshold.
func (s *QdrantSearcher) SearchByVector(
	ctx context.Context,
	vector []float32,
	topK int,
	threshold float64,
	filters types.Filters,
) ([]types.RetrievalCandidate, error) {
	if topK <= 0 {
		topK = 10
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if threshold > 0 {
		body["score_threshold"] = threshold
	}
	if filter := buildFilter(filters); filter != nil {
		body["filter"] = filter
	}

	var wire qdrantSearchResponse
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, body, &wire); err != nil {
		return nil, err
	}

	candidates := make([]types.RetrievalCandidate, 0, len(wire.Result))
	for i, hit := range wire.Result {
		candidates = append(candidates, types.RetrievalCandidate{
			ChunkID:      payloadString(hit.Payload, "chunk_id", fmt.Sprintf("%v", hit.ID)),
			DocumentID:   payloadString(hit.Payload, "document_id", ""),
			Score:        hit.Score,
			Channel:      types.ChannelDense,
			Rank:         i + 1,
			Content:      payloadString(hit.Payload, "content", ""),
			DocumentName: payloadString(hit.Payload, "document_name", ""),
			Page:         payloadInt(hit.Payload, "page"),
		})
	}
	return candidates, nil
}

func payloadString(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
