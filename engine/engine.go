// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package engine 是查询处理入口：归一化 → 路由 → 模式策略 →
// 证据组装 → 可选生成，同步与事件流两种出口。
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/agent"
	"github.com/tessellate-ai/graphrag/config"
	"github.com/tessellate-ai/graphrag/evidence"
	"github.com/tessellate-ai/graphrag/internal/telemetry"
	"github.com/tessellate-ai/graphrag/search"
	"github.com/tessellate-ai/graphrag/types"
)

// Response 单次查询的完整响应。
type Response struct {
	// Answer 生成的回答（未接生成器时为空，只返回证据）
	Answer string `json:"answer,omitempty"`
	// Mode 实际执行的检索模式
	Mode types.SearchMode `json:"mode,omitempty"`
	// Evidence 融合后的证据（按生效分数排序）
	Evidence []types.FusedResult `json:"evidence,omitempty"`
	// Citations 组装后的引用（连续 1-based 序号）
	Citations []types.Citation `json:"citations,omitempty"`
	// FollowUps 建议的跟进问题（最多 3 条）
	FollowUps []string `json:"follow_up_questions,omitempty"`
	// Degraded 本次降级的检索通道
	Degraded []types.RetrievalChannel `json:"degraded,omitempty"`
	// Trajectory 智能体轨迹（agent_mode 时返回）
	Trajectory *types.AgentTrajectory `json:"trajectory,omitempty"`
	// Trace 执行轨迹（include_trace 时返回）
	Trace []types.TraceStep `json:"trace,omitempty"`
	// Timing 耗时拆分
	Timing types.TimingInfo `json:"timing"`
	// Truncated 证据是否因 token 预算裁剪
	Truncated bool `json:"truncated,omitempty"`
	// FromCache 响应是否来自缓存
	FromCache bool `json:"from_cache,omitempty"`
}

// ResponseCache 响应缓存端口。
type ResponseCache interface {
	Get(ctx context.Context, key string) (*Response, bool, error)
	Set(ctx context.Context, key string, resp *Response) error
}

// Metrics 查询级指标端口。
type Metrics interface {
	RecordQuery(mode, status string, duration time.Duration, evidenceCount int)
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
}

// Engine 查询引擎。必选依赖经构造器注入，
// 可选能力（生成、智能体、改写、质量评估、缓存）经 Set* 挂载。
type Engine struct {
	cfg        config.RetrievalConfig
	router     *search.Router
	strategies *search.Registry
	assembler  *evidence.Assembler
	logger     *zap.Logger

	generator    search.Generator
	orchestrator *agent.Orchestrator
	rewriter     *Rewriter
	quality      QualityEvaluator
	respCache    ResponseCache
	history      HistoryStore
	metrics      Metrics
}

// NewEngine 创建查询引擎。
func NewEngine(cfg config.RetrievalConfig, router *search.Router, strategies *search.Registry, assembler *evidence.Assembler, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		router:     router,
		strategies: strategies,
		assembler:  assembler,
		logger:     logger.With(zap.String("component", "engine")),
	}
}

// SetGenerator 挂载回答生成器。
func (e *Engine) SetGenerator(g search.Generator) { e.generator = g }

// SetOrchestrator 挂载智能体编排器（agent_mode 请求用）。
func (e *Engine) SetOrchestrator(o *agent.Orchestrator) { e.orchestrator = o }

// SetRewriter 挂载会话改写器。
func (e *Engine) SetRewriter(r *Rewriter) { e.rewriter = r }

// SetQualityEvaluator 挂载回答质量评估钩子。
func (e *Engine) SetQualityEvaluator(q QualityEvaluator) { e.quality = q }

// SetResponseCache 挂载响应缓存。
func (e *Engine) SetResponseCache(c ResponseCache) { e.respCache = c }

// SetHistory 挂载会话历史存储（查询改写读、问答落盘写）。
func (e *Engine) SetHistory(h HistoryStore) { e.history = h }

// SetMetrics 挂载指标收集器（可选能力）。
func (e *Engine) SetMetrics(m Metrics) { e.metrics = m }

// RunQuery 执行一次同步查询。
//
// 客户端错误（非法模式、无法编译的结构化查询）原样上抛（422）；
// 全通道失败或零证据返回 NO_EVIDENCE（502，可重试）。
func (e *Engine) RunQuery(ctx context.Context, q *types.Query) (resp *Response, err error) {
	ctx, span := telemetry.StartQuerySpan(ctx, "engine.query", q.TenantID)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	mode := string(q.Mode())
	defer func() { e.recordQuery(mode, start, resp, err) }()
	tc := newTraceCollector(q.Options.IncludeTrace)

	if q.Options.UseRewrite && e.rewriter != nil {
		stepStart := time.Now()
		q = e.rewriter.Rewrite(ctx, q)
		tc.add("rewrite", stepStart, map[string]any{"query": q.Raw})
	}

	if q.Options.AgentMode && e.orchestrator != nil {
		mode = "agent"
		return e.runAgent(ctx, q, tc, start)
	}

	routeStart := time.Now()
	decision, err := e.router.Route(ctx, q)
	if err != nil {
		return nil, err
	}
	analysisMS := msSince(routeStart)
	mode = string(decision.Mode)
	telemetry.SpanSetMode(span, mode)
	tc.add("router", routeStart, map[string]any{
		"mode":       string(decision.Mode),
		"source":     decision.Source,
		"confidence": decision.Confidence,
	})

	cacheKey := responseCacheKey(q, decision.Mode)
	if e.cacheUsable(q) {
		if cached, ok, cerr := e.respCache.Get(ctx, cacheKey); cerr == nil && ok {
			cached.FromCache = true
			cached.Timing.TotalMS = msSince(start)
			if e.metrics != nil {
				e.metrics.RecordCacheHit("response")
			}
			e.logger.Debug("response cache hit", zap.String("mode", string(decision.Mode)))
			return cached, nil
		}
		if e.metrics != nil {
			e.metrics.RecordCacheMiss("response")
		}
	}

	strat, ok := e.strategies.Get(decision.Mode)
	if !ok {
		return nil, types.NewError(types.ErrInternal,
			fmt.Sprintf("no strategy registered for mode %s", decision.Mode)).WithHTTPStatus(500)
	}

	retrievalStart := time.Now()
	res, err := strat.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	retrievalMS := msSince(retrievalStart)
	tc.add("retrieval", retrievalStart, map[string]any{
		"mode":     string(decision.Mode),
		"evidence": len(res.Evidence),
		"degraded": len(res.Degraded),
	})

	if len(res.Evidence) == 0 {
		return nil, types.NewNoEvidenceError(nil)
	}

	evid := res.Evidence
	if max := q.Options.MaxChunks; max > 0 && len(evid) > max {
		evid = evid[:max]
	}

	assembleStart := time.Now()
	assembled := e.assembler.Assemble(evid)
	tc.add("assemble", assembleStart, map[string]any{
		"citations": len(assembled.Citations),
		"tokens":    assembled.TokensUsed,
		"truncated": assembled.Truncated,
	})

	resp = &Response{
		Mode:      decision.Mode,
		Evidence:  evid,
		Citations: assembled.Citations,
		FollowUps: res.FollowUps,
		Degraded:  res.Degraded,
		Truncated: assembled.Truncated,
	}

	var generationMS float64
	if e.generator != nil {
		genStart := time.Now()
		answer, gerr := e.generateAnswer(ctx, q, res, assembled.Citations)
		if gerr != nil {
			return nil, types.NewError(types.ErrGenerationError, "answer generation failed").
				WithHTTPStatus(502).WithRetryable().WithCause(gerr)
		}
		generationMS = msSince(genStart)
		tc.add("generation", genStart, nil)
		resp.Answer = answer
	}

	resp.Timing = types.TimingInfo{
		TotalMS:      msSince(start),
		AnalysisMS:   analysisMS,
		RetrievalMS:  retrievalMS,
		GenerationMS: generationMS,
	}
	resp.Trace = tc.steps()

	if e.cacheUsable(q) {
		if cerr := e.respCache.Set(ctx, cacheKey, resp); cerr != nil {
			e.logger.Warn("response cache set failed", zap.Error(cerr))
		}
	}

	e.recordExchange(ctx, q, resp.Answer)

	e.logger.Info("query completed",
		zap.String("tenant_id", q.TenantID),
		zap.String("mode", string(decision.Mode)),
		zap.Int("citations", len(resp.Citations)),
		zap.Float64("total_ms", resp.Timing.TotalMS),
	)
	return resp, nil
}

// runAgent 智能体编排路径：绕过路由器，证据由工具沿途收集。
func (e *Engine) runAgent(ctx context.Context, q *types.Query, tc *traceCollector, start time.Time) (*Response, error) {
	agentStart := time.Now()
	runRes, err := e.orchestrator.Run(ctx, q)
	if err != nil {
		return nil, err
	}
	tc.add("agent", agentStart, map[string]any{
		"steps":       len(runRes.Trajectory.Steps),
		"termination": string(runRes.Trajectory.Termination),
	})

	evid := runRes.Evidence
	if max := q.Options.MaxChunks; max > 0 && len(evid) > max {
		evid = evid[:max]
	}
	assembled := e.assembler.Assemble(evid)

	resp := &Response{
		Answer:     runRes.Answer,
		Mode:       q.Mode(),
		Evidence:   evid,
		Citations:  assembled.Citations,
		Trajectory: runRes.Trajectory,
		Truncated:  assembled.Truncated,
		Timing:     types.TimingInfo{TotalMS: msSince(start)},
	}
	resp.Trace = tc.steps()
	e.recordExchange(ctx, q, resp.Answer)
	return resp, nil
}

const answerSystemPrompt = `You answer questions using only the numbered evidence passages provided. Cite the passages you rely on with bracketed indices like [1] or [2][3]. If the evidence does not contain the answer, say that the available documents do not answer the question. Be concise.`

// generateAnswer 基于组装后的引用生成最终回答。
func (e *Engine) generateAnswer(ctx context.Context, q *types.Query, res *search.Result, citations []types.Citation) (string, error) {
	return e.generator.Generate(ctx, answerSystemPrompt, e.answerPrompt(q, res, citations))
}

// answerPrompt 构造生成提示词。global 模式额外注入社区部分回答，
// structured 模式提示查询行已包装为证据。
func (e *Engine) answerPrompt(q *types.Query, res *search.Result, citations []types.Citation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", q.Raw)

	if len(res.Partials) > 0 {
		b.WriteString("Community analyses:\n")
		for _, p := range res.Partials {
			fmt.Fprintf(&b, "- %s\n", p.Answer)
		}
		b.WriteString("\n")
	}
	if len(res.Rows) > 0 {
		fmt.Fprintf(&b, "Graph query returned %d rows (shown as evidence passages below).\n\n", len(res.Rows))
	}

	b.WriteString("Evidence passages:\n")
	for _, c := range citations {
		name := c.DocumentName
		if name == "" {
			name = c.DocumentID
		}
		fmt.Fprintf(&b, "[%d] (%s) %s\n", c.Index, name, c.Text)
	}

	return b.String()
}

// recordQuery 把一次查询写入指标：模式、结果状态、耗时与证据数。
func (e *Engine) recordQuery(mode string, start time.Time, resp *Response, err error) {
	if e.metrics == nil {
		return
	}
	if mode == "" {
		mode = "unrouted"
	}
	status := "ok"
	evidence := 0
	if err != nil {
		status = "error"
	} else if resp != nil {
		evidence = len(resp.Evidence)
	}
	e.metrics.RecordQuery(mode, status, time.Since(start), evidence)
}

// cacheUsable 判断本次请求是否走响应缓存。
// trace 请求与智能体请求不缓存（响应含请求特有的诊断信息）。
func (e *Engine) cacheUsable(q *types.Query) bool {
	return e.respCache != nil && e.cfg.CacheEnabled &&
		!q.Options.IncludeTrace && !q.Options.AgentMode
}

// responseCacheKey 生成响应缓存键：租户 | 归一化文本 | 过滤器 | 模式。
func responseCacheKey(q *types.Query, mode types.SearchMode) string {
	h := sha256.New()
	h.Write([]byte(q.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(q.Normalized))
	h.Write([]byte{0})
	if !q.Filters.IsEmpty() {
		if data, err := json.Marshal(q.Filters); err == nil {
			h.Write(data)
		}
	}
	h.Write([]byte{0})
	h.Write([]byte(mode))
	sum := h.Sum(nil)
	return "graphrag:response:" + hex.EncodeToString(sum[:16])
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}

// traceCollector include_trace 开启时收集执行轨迹；关闭时为空操作。
type traceCollector struct {
	enabled bool
	items   []types.TraceStep
}

func newTraceCollector(enabled bool) *traceCollector {
	return &traceCollector{enabled: enabled}
}

func (t *traceCollector) add(step string, start time.Time, details map[string]any) {
	if !t.enabled {
		return
	}
	t.items = append(t.items, types.TraceStep{
		Step:       step,
		DurationMS: msSince(start),
		Details:    details,
	})
}

func (t *traceCollector) steps() []types.TraceStep {
	if !t.enabled {
		return nil
	}
	return t.items
}
