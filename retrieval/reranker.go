package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

// HTTPRerankerConfig 跨编码器重排序服务配置（Cohere/Jina 兼容 /rerank 协议）。
type HTTPRerankerConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key,omitempty"`
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// HTTPReranker 通过外部 rerank 服务为候选打相关性分。
type HTTPReranker struct {
	cfg    HTTPRerankerConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPReranker 创建 REST 重排序器。
func NewHTTPReranker(cfg HTTPRerankerConfig, logger *zap.Logger) *HTTPReranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReranker{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "http_reranker")),
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank 调用 /rerank 端点，返回与候选等长的分数切片。
func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []types.FusedResult) ([]float64, error) {
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}
	payload, err := json.Marshal(rerankRequest{Model: r.cfg.Model, Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.cfg.BaseURL, "/")+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var wire rerankResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	scores := make([]float64, len(candidates))
	seen := 0
	for _, res := range wire.Results {
		if res.Index < 0 || res.Index >= len(scores) {
			continue
		}
		scores[res.Index] = res.RelevanceScore
		seen++
	}
	if seen != len(candidates) {
		return nil, fmt.Errorf("rerank returned %d scores for %d candidates", seen, len(candidates))
	}
	return scores, nil
}

// LexicalReranker 词重叠启发式重排序器。外部 rerank 服务不可用的
// 部署形态下用作进程内替代，不追求跨编码器精度。
type LexicalReranker struct{}

// NewLexicalReranker 创建词重叠重排序器。
func NewLexicalReranker() *LexicalReranker { return &LexicalReranker{} }

// Rerank 按查询词覆盖率计分。
func (l *LexicalReranker) Rerank(_ context.Context, query string, candidates []types.FusedResult) ([]float64, error) {
	queryTerms := Tokenize(types.NormalizeText(query))
	scores := make([]float64, len(candidates))
	if len(queryTerms) == 0 {
		return scores, nil
	}
	for i, c := range candidates {
		contentTerms := make(map[string]bool)
		for _, t := range Tokenize(types.NormalizeText(c.Content)) {
			contentTerms[t] = true
		}
		match := 0
		for _, qt := range queryTerms {
			if contentTerms[qt] {
				match++
			}
		}
		scores[i] = float64(match) / float64(len(queryTerms))
	}
	return scores, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
