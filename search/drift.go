package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

// drift 状态机状态。
type driftState string

const (
	stateSeedRetrieval      driftState = "seed_retrieval"
	stateFollowUpGeneration driftState = "follow_up_generation"
	stateSubRetrieval       driftState = "sub_retrieval"
	stateTerminal           driftState = "terminal"
)

const driftFollowUpSystemPrompt = `You generate follow-up retrieval questions for an iterative search engine.
Given the original question and evidence found so far, list the missing sub-questions
that would complete the answer, one per line, no numbering. If the evidence already
covers the question, reply exactly: DONE.`

// DriftConfig drift 模式配置。
type DriftConfig struct {
	// HopBudget 最大检索迭代数。独立于智能体步数上限，约束纯检索成本
	HopBudget int `json:"hop_budget"`
	// MaxFollowUps 每跳最多追问数
	MaxFollowUps int `json:"max_follow_ups"`
}

// DefaultDriftConfig 返回默认 drift 配置。
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{HopBudget: 3, MaxFollowUps: 3}
}

// DriftStrategy 迭代多跳检索：local 播种 → 生成追问 → 子检索，
// 直到证据覆盖或跳数预算耗尽。取消时返回已积累的证据。
type DriftStrategy struct {
	cfg       DriftConfig
	seed      ModeStrategy // 首跳（local）
	sub       ModeStrategy // 子查询（basic）
	generator Generator
	logger    *zap.Logger
}

// NewDriftStrategy 创建 drift 策略。
func NewDriftStrategy(cfg DriftConfig, seed, sub ModeStrategy, generator Generator, logger *zap.Logger) *DriftStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HopBudget <= 0 {
		cfg.HopBudget = 3
	}
	if cfg.MaxFollowUps <= 0 {
		cfg.MaxFollowUps = 3
	}
	return &DriftStrategy{
		cfg:       cfg,
		seed:      seed,
		sub:       sub,
		generator: generator,
		logger:    logger.With(zap.String("component", "drift_strategy")),
	}
}

// Mode 返回 drift。
func (s *DriftStrategy) Mode() types.SearchMode { return types.ModeDrift }

// Run 执行 drift 状态机。
func (s *DriftStrategy) Run(ctx context.Context, q *types.Query) (*Result, error) {
	acc := newEvidenceAccumulator()
	var (
		allFollowUps []string
		degraded     []types.RetrievalChannel
		state        = stateSeedRetrieval
		pending      []string
		hop          = 0
	)

	for state != stateTerminal {
		// 取消即收口：带已积累证据返回，不作错误
		if ctx.Err() != nil {
			s.logger.Info("drift cancelled, returning accumulated evidence",
				zap.Int("hops", hop), zap.Int("evidence", acc.len()))
			break
		}

		switch state {
		case stateSeedRetrieval:
			seedResult, err := s.seed.Run(ctx, q)
			if err != nil {
				return nil, err
			}
			acc.add(seedResult.Evidence)
			degraded = mergeDegraded(degraded, seedResult.Degraded)
			hop++
			state = stateFollowUpGeneration

		case stateFollowUpGeneration:
			if hop >= s.cfg.HopBudget {
				state = stateTerminal
				continue
			}
			followUps := s.generateFollowUps(ctx, q, acc)
			if len(followUps) == 0 {
				state = stateTerminal
				continue
			}
			pending = followUps
			allFollowUps = append(allFollowUps, followUps...)
			state = stateSubRetrieval

		case stateSubRetrieval:
			for _, question := range pending {
				if ctx.Err() != nil {
					break
				}
				subResult, err := s.sub.Run(ctx, subQuery(q, question))
				if err != nil {
					// 子检索失败跳过该追问，不中断迭代
					s.logger.Warn("sub-retrieval failed",
						zap.String("question", question), zap.Error(err))
					continue
				}
				acc.add(subResult.Evidence)
				degraded = mergeDegraded(degraded, subResult.Degraded)
			}
			pending = nil
			hop++
			state = stateFollowUpGeneration
		}
	}

	if len(allFollowUps) > 3 {
		allFollowUps = allFollowUps[:3]
	}
	return &Result{
		Mode:      types.ModeDrift,
		Evidence:  acc.sorted(),
		FollowUps: allFollowUps,
		Degraded:  degraded,
	}, nil
}

// generateFollowUps 基于已积累证据生成追问。生成失败按零追问处理
// （终止迭代而非报错）。
func (s *DriftStrategy) generateFollowUps(ctx context.Context, q *types.Query, acc *evidenceAccumulator) []string {
	var snippets strings.Builder
	for i, ev := range acc.sorted() {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&snippets, "- %s\n", firstN(ev.Content, 200))
	}
	prompt := fmt.Sprintf("Original question: %s\n\nEvidence so far:\n%s", q.Raw, snippets.String())

	raw, err := s.generator.Generate(ctx, driftFollowUpSystemPrompt, prompt)
	if err != nil {
		s.logger.Warn("follow-up generation failed, terminating drift", zap.Error(err))
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "DONE") {
		return nil
	}

	var followUps []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" || strings.EqualFold(line, "DONE") {
			continue
		}
		followUps = append(followUps, line)
		if len(followUps) >= s.cfg.MaxFollowUps {
			break
		}
	}
	return followUps
}

// evidenceAccumulator 按 chunkID 去重的证据累积器，保留最高分。
type evidenceAccumulator struct {
	byChunk map[string]types.FusedResult
}

func newEvidenceAccumulator() *evidenceAccumulator {
	return &evidenceAccumulator{byChunk: make(map[string]types.FusedResult)}
}

func (a *evidenceAccumulator) add(evidence []types.FusedResult) {
	for _, ev := range evidence {
		existing, ok := a.byChunk[ev.ChunkID]
		if !ok || ev.FinalScore() > existing.FinalScore() {
			a.byChunk[ev.ChunkID] = ev
		}
	}
}

func (a *evidenceAccumulator) len() int { return len(a.byChunk) }

func (a *evidenceAccumulator) sorted() []types.FusedResult {
	results := make([]types.FusedResult, 0, len(a.byChunk))
	for _, ev := range a.byChunk {
		results = append(results, ev)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore() != results[j].FinalScore() {
			return results[i].FinalScore() > results[j].FinalScore()
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

func mergeDegraded(existing, incoming []types.RetrievalChannel) []types.RetrievalChannel {
	for _, ch := range incoming {
		found := false
		for _, have := range existing {
			if have == ch {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, ch)
		}
	}
	return existing
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
