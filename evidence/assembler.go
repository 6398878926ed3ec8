package evidence

import (
	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

// AssemblerConfig 证据组装配置。
type AssemblerConfig struct {
	// TokenBudget 证据集 token 预算
	TokenBudget int `json:"token_budget"`
}

// DefaultAssemblerConfig 返回默认组装配置。
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{TokenBudget: 8192}
}

// Assembled 组装完成的证据集。
type Assembled struct {
	Citations []types.Citation `json:"citations"`
	// TokensUsed 实际占用的 token 数
	TokensUsed int `json:"tokens_used"`
	// Truncated 是否因预算裁剪
	Truncated bool `json:"truncated"`
}

// Assembler 证据组装器。
type Assembler struct {
	cfg     AssemblerConfig
	counter TokenCounter
	logger  *zap.Logger
}

// NewAssembler 创建证据组装器。counter 为 nil 时使用估算器。
func NewAssembler(cfg AssemblerConfig, counter TokenCounter, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = EstimatorCounter{}
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 8192
	}
	return &Assembler{
		cfg:     cfg,
		counter: counter,
		logger:  logger.With(zap.String("component", "evidence_assembler")),
	}
}

// Assemble 把融合结果组装为引用集：
//   - 按 ChunkID 去重，保留生效分数最高的一条；
//   - 按输入顺序纳入，直到 token 预算耗尽；
//   - 引用索引 1-based 且连续，一个 chunk 恰好对应一个索引。
//
// 输入顺序即最终相关性顺序，组装不重排。
func (a *Assembler) Assemble(results []types.FusedResult) *Assembled {
	seen := make(map[string]int) // chunkID -> citations 下标
	out := &Assembled{}

	for _, result := range results {
		if idx, dup := seen[result.ChunkID]; dup {
			// 重复 chunk：保留更高分
			if result.FinalScore() > out.Citations[idx].Score {
				out.Citations[idx].Score = result.FinalScore()
			}
			continue
		}

		cost := a.counter.Count(result.Content)
		if out.TokensUsed+cost > a.cfg.TokenBudget {
			out.Truncated = true
			if len(out.Citations) == 0 {
				// 预算容不下任何一条时保底收录首条（裁剪文本在生成侧处理）
				out.Citations = append(out.Citations, citationFrom(result, 1))
				out.TokensUsed = cost
				seen[result.ChunkID] = 0
			}
			break
		}

		seen[result.ChunkID] = len(out.Citations)
		out.Citations = append(out.Citations, citationFrom(result, len(out.Citations)+1))
		out.TokensUsed += cost
	}

	if out.Truncated {
		a.logger.Debug("evidence truncated to budget",
			zap.Int("citations", len(out.Citations)),
			zap.Int("tokens", out.TokensUsed),
			zap.Int("budget", a.cfg.TokenBudget))
	}
	return out
}

func citationFrom(result types.FusedResult, index int) types.Citation {
	return types.Citation{
		Index:        index,
		ChunkID:      result.ChunkID,
		DocumentID:   result.DocumentID,
		DocumentName: result.DocumentName,
		Text:         result.Content,
		Score:        result.FinalScore(),
		Page:         result.Page,
	}
}
