package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/search"
	"github.com/tessellate-ai/graphrag/types"
)

// EventType 流式事件类型。
type EventType string

const (
	EventRouting  EventType = "routing"  // 路由决策（首个事件）
	EventThinking EventType = "thinking" // 执行进展说明（零或多个）
	EventToken    EventType = "token"    // 回答增量
	EventSources  EventType = "sources"  // 引用来源
	EventQuality  EventType = "quality"  // 可选的质量评估
	EventDone     EventType = "done"     // 终止：完整响应
	EventError    EventType = "error"    // 终止：错误
)

// Event 类型化流式事件。终止事件（done/error）之后通道关闭，
// 永不无声中断。
type Event struct {
	Type EventType `json:"type"`
	// Mode / Source routing 事件负载
	Mode   types.SearchMode `json:"mode,omitempty"`
	Source string           `json:"source,omitempty"`
	// Message thinking 事件负载
	Message string `json:"message,omitempty"`
	// Token token 事件负载
	Token string `json:"token,omitempty"`
	// Sources sources 事件负载
	Sources []types.Citation `json:"sources,omitempty"`
	// Quality quality 事件负载
	Quality *QualityReport `json:"quality,omitempty"`
	// Response done 事件负载（完整响应）
	Response *Response `json:"response,omitempty"`
	// Err error 事件负载
	Err *types.Error `json:"error,omitempty"`
}

// RunQueryStream 以事件流执行查询。事件顺序：routing →
// thinking* → token* → sources → quality? → done；任何阶段失败
// 以 error 事件终止。请求取消时返回已累计的部分结果。
func (e *Engine) RunQueryStream(ctx context.Context, q *types.Query) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		e.streamQuery(ctx, q, out)
	}()
	return out
}

func (e *Engine) streamQuery(ctx context.Context, q *types.Query, out chan<- Event) {
	start := time.Now()
	mode := string(q.Mode())

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		e.recordQuery(mode, start, nil, err)
		// 终止事件尽力送达：接收方已放弃时丢弃
		select {
		case out <- Event{Type: EventError, Err: types.AsError(err)}:
		default:
		}
	}

	if q.Options.UseRewrite && e.rewriter != nil {
		q = e.rewriter.Rewrite(ctx, q)
	}

	decision, err := e.router.Route(ctx, q)
	if err != nil {
		fail(err)
		return
	}
	mode = string(decision.Mode)
	if !emit(Event{Type: EventRouting, Mode: decision.Mode, Source: decision.Source}) {
		return
	}

	cacheKey := responseCacheKey(q, decision.Mode)
	if e.cacheUsable(q) {
		if cached, ok, cerr := e.respCache.Get(ctx, cacheKey); cerr == nil && ok {
			cached.FromCache = true
			cached.Timing.TotalMS = msSince(start)
			if e.metrics != nil {
				e.metrics.RecordCacheHit("response")
			}
			if cached.Answer != "" {
				emit(Event{Type: EventToken, Token: cached.Answer})
			}
			emit(Event{Type: EventSources, Sources: cached.Citations})
			e.recordQuery(mode, start, cached, nil)
			emit(Event{Type: EventDone, Response: cached})
			return
		}
		if e.metrics != nil {
			e.metrics.RecordCacheMiss("response")
		}
	}

	strat, ok := e.strategies.Get(decision.Mode)
	if !ok {
		fail(types.NewError(types.ErrInternal,
			fmt.Sprintf("no strategy registered for mode %s", decision.Mode)).WithHTTPStatus(500))
		return
	}

	retrievalStart := time.Now()
	res, err := strat.Run(ctx, q)
	if err != nil {
		fail(err)
		return
	}
	if len(res.Evidence) == 0 {
		fail(types.NewNoEvidenceError(nil))
		return
	}

	evid := res.Evidence
	if max := q.Options.MaxChunks; max > 0 && len(evid) > max {
		evid = evid[:max]
	}
	assembled := e.assembler.Assemble(evid)

	if !emit(Event{Type: EventThinking, Message: fmt.Sprintf(
		"retrieved %d passages via %s search", len(assembled.Citations), decision.Mode)}) {
		return
	}

	resp := &Response{
		Mode:      decision.Mode,
		Evidence:  evid,
		Citations: assembled.Citations,
		FollowUps: res.FollowUps,
		Degraded:  res.Degraded,
		Truncated: assembled.Truncated,
		Timing:    types.TimingInfo{RetrievalMS: msSince(retrievalStart)},
	}

	if e.generator != nil {
		answer, partial, gerr := e.streamAnswer(ctx, q, res, assembled.Citations, out)
		if gerr != nil {
			fail(types.NewError(types.ErrGenerationError, "answer generation failed").
				WithHTTPStatus(502).WithRetryable().WithCause(gerr))
			return
		}
		resp.Answer = answer
		if partial {
			e.logger.Warn("generation interrupted, returning partial answer",
				zap.String("tenant_id", q.TenantID))
		}
	}

	emit(Event{Type: EventSources, Sources: assembled.Citations})

	if e.quality != nil && resp.Answer != "" {
		if report, qerr := e.quality.Evaluate(ctx, q, resp.Answer, assembled.Citations); qerr == nil {
			resp.Timing.TotalMS = msSince(start)
			emit(Event{Type: EventQuality, Quality: report})
		} else {
			e.logger.Warn("quality evaluation failed", zap.Error(qerr))
		}
	}

	e.recordExchange(ctx, q, resp.Answer)

	resp.Timing.TotalMS = msSince(start)
	e.recordQuery(mode, start, resp, nil)
	emit(Event{Type: EventDone, Response: resp})
}

// streamAnswer 生成回答并逐增量发出 token 事件。
// 生成器支持流式时透传增量；否则整段发出。取消只截断生成，
// 已累计的文本作为部分结果返回（partial=true）。
func (e *Engine) streamAnswer(ctx context.Context, q *types.Query, res *search.Result, citations []types.Citation, out chan<- Event) (answer string, partial bool, err error) {
	sg, streaming := e.generator.(StreamGenerator)
	if !streaming {
		text, gerr := e.generateAnswer(ctx, q, res, citations)
		if gerr != nil {
			return "", false, gerr
		}
		select {
		case out <- Event{Type: EventToken, Token: text}:
		case <-ctx.Done():
			return text, true, nil
		}
		return text, false, nil
	}

	prompt := e.answerPrompt(q, res, citations)
	tokens, gerr := sg.GenerateStream(ctx, answerSystemPrompt, prompt)
	if gerr != nil {
		return "", false, gerr
	}

	var buf []byte
	for {
		select {
		case <-ctx.Done():
			return string(buf), true, nil
		case tok, open := <-tokens:
			if !open {
				return string(buf), false, nil
			}
			buf = append(buf, tok...)
			select {
			case out <- Event{Type: EventToken, Token: tok}:
			case <-ctx.Done():
				return string(buf), true, nil
			}
		}
	}
}
