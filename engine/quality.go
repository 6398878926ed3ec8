package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tessellate-ai/graphrag/search"
	"github.com/tessellate-ai/graphrag/types"
)

// QualityReport 回答质量评估结果。
type QualityReport struct {
	// Faithfulness 回答对证据的忠实度（0-1）
	Faithfulness float64 `json:"faithfulness"`
	// Relevance 回答对问题的相关度（0-1）
	Relevance float64 `json:"relevance"`
	// Notes 评估说明
	Notes string `json:"notes,omitempty"`
}

// QualityEvaluator 质量评估钩子。评估失败只丢弃 quality 事件，
// 不影响响应本身。
type QualityEvaluator interface {
	Evaluate(ctx context.Context, q *types.Query, answer string, citations []types.Citation) (*QualityReport, error)
}

const qualitySystemPrompt = `You grade an answer against its evidence. Respond with JSON only: {"faithfulness": <0-1>, "relevance": <0-1>, "notes": "<one sentence>"}. Faithfulness measures whether every claim is supported by the evidence; relevance measures whether the answer addresses the question.`

// LLMQualityEvaluator 用生成器为回答打分。
type LLMQualityEvaluator struct {
	gen search.Generator
}

// NewLLMQualityEvaluator 创建 LLM 质量评估器。
func NewLLMQualityEvaluator(gen search.Generator) *LLMQualityEvaluator {
	return &LLMQualityEvaluator{gen: gen}
}

func (e *LLMQualityEvaluator) Evaluate(ctx context.Context, q *types.Query, answer string, citations []types.Citation) (*QualityReport, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nAnswer: %s\n\nEvidence:\n", q.Raw, answer)
	for _, c := range citations {
		fmt.Fprintf(&b, "[%d] %s\n", c.Index, c.Text)
	}

	raw, err := e.gen.Generate(ctx, qualitySystemPrompt, b.String())
	if err != nil {
		return nil, err
	}

	// 容忍模型把 JSON 包进 markdown 代码块
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var report QualityReport
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &report); err != nil {
		return nil, fmt.Errorf("unparseable quality report: %w", err)
	}
	report.Faithfulness = clamp01(report.Faithfulness)
	report.Relevance = clamp01(report.Relevance)
	return &report, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
