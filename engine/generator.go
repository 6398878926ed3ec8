package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/tessellate-ai/graphrag/llm"
	"github.com/tessellate-ai/graphrag/search"
)

// StreamGenerator 流式生成端口。ProviderGenerator 实现它；
// 不支持流式的生成器由引擎退化为整段 token 事件。
type StreamGenerator interface {
	GenerateStream(ctx context.Context, system, prompt string) (<-chan string, error)
}

// ProviderGenerator 将 llm.Provider 适配为 search.Generator。
// global map 步骤、drift 跟进生成、分类器与最终回答共用这一适配。
type ProviderGenerator struct {
	provider    llm.Provider
	model       string
	temperature float32
}

// NewProviderGenerator 创建生成适配器。
func NewProviderGenerator(provider llm.Provider, model string, temperature float32) *ProviderGenerator {
	return &ProviderGenerator{provider: provider, model: model, temperature: temperature}
}

// Generate 同步生成。
func (g *ProviderGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := g.provider.Completion(ctx, &llm.ChatRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(choice.Message.Content), nil
}

// GenerateStream 流式生成，返回增量文本通道。
// 上游错误 chunk 终止通道；已产出的增量不回收。
func (g *ProviderGenerator) GenerateStream(ctx context.Context, system, prompt string) (<-chan string, error) {
	chunks, err := g.provider.Stream(ctx, &llm.ChatRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stream generation failed: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for chunk := range chunks {
			if chunk.Err != nil {
				return
			}
			if chunk.Delta.Content == "" {
				continue
			}
			select {
			case out <- chunk.Delta.Content:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

const hydeSystemPrompt = `Write a short passage (3-5 sentences) that would plausibly appear in a document answering the user's question. Write it as factual prose, not as a direct reply. Do not mention that it is hypothetical.`

// HydeGenerator 假设文档生成器：为稠密检索产出可嵌入的假设回答。
// 实现 retrieval.HydeGenerator。
type HydeGenerator struct {
	gen search.Generator
}

// NewHydeGenerator 创建 HyDE 生成器。
func NewHydeGenerator(gen search.Generator) *HydeGenerator {
	return &HydeGenerator{gen: gen}
}

// HypotheticalAnswer 生成假设文档文本。失败由调用方回退原始查询。
func (h *HydeGenerator) HypotheticalAnswer(ctx context.Context, query string) (string, error) {
	text, err := h.gen.Generate(ctx, hydeSystemPrompt, query)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty hypothetical answer")
	}
	return text, nil
}
