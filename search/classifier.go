package search

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

const classifierSystemPrompt = `You classify retrieval queries for a GraphRAG engine.
Pick exactly one mode:
- basic: simple factual lookup over documents
- local: question about specific named entities and their surroundings
- global: thematic question about the corpus as a whole
- drift: multi-part question needing iterative follow-up retrieval
- structured: aggregation or counting over the knowledge graph

Respond with JSON only: {"mode": "<mode>", "confidence": <0-1>}`

// LLMClassifier 基于 Generator 的模式分类器。
// 输出不可解析或模式未知时返回零置信度，让路由器回落 basic。
type LLMClassifier struct {
	generator Generator
	logger    *zap.Logger
}

// NewLLMClassifier 创建 LLM 分类器。
func NewLLMClassifier(generator Generator, logger *zap.Logger) *LLMClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMClassifier{
		generator: generator,
		logger:    logger.With(zap.String("component", "llm_classifier")),
	}
}

// Classify 请求 LLM 给出模式建议。
func (c *LLMClassifier) Classify(ctx context.Context, q *types.Query) (types.SearchMode, float64, error) {
	raw, err := c.generator.Generate(ctx, classifierSystemPrompt, "Query: "+q.Raw)
	if err != nil {
		return "", 0, err
	}

	var parsed struct {
		Mode       string  `json:"mode"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		c.logger.Warn("unparseable classifier output", zap.String("raw", truncateForLog(raw)))
		return "", 0, nil
	}
	if !types.ValidSearchMode(parsed.Mode) {
		return "", 0, nil
	}
	return types.SearchMode(parsed.Mode), parsed.Confidence, nil
}

// extractJSON 剥离模型偶尔包裹的 markdown 代码块。
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
