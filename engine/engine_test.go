package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tessellate-ai/graphrag/agent"
	"github.com/tessellate-ai/graphrag/config"
	"github.com/tessellate-ai/graphrag/evidence"
	"github.com/tessellate-ai/graphrag/llm"
	"github.com/tessellate-ai/graphrag/search"
	"github.com/tessellate-ai/graphrag/types"
)

type fakeStrategy struct {
	mode   types.SearchMode
	result *search.Result
	err    error
	calls  int
}

func (s *fakeStrategy) Mode() types.SearchMode { return s.mode }

func (s *fakeStrategy) Run(ctx context.Context, q *types.Query) (*search.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type fakeGenerator struct {
	answer  string
	err     error
	prompts []string
}

func (g *fakeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

type memResponseCache struct {
	entries map[string]*Response
	sets    int
}

func newMemResponseCache() *memResponseCache {
	return &memResponseCache{entries: make(map[string]*Response)}
}

func (c *memResponseCache) Get(ctx context.Context, key string) (*Response, bool, error) {
	resp, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	cp := *resp
	return &cp, true, nil
}

func (c *memResponseCache) Set(ctx context.Context, key string, resp *Response) error {
	c.sets++
	cp := *resp
	c.entries[key] = &cp
	return nil
}

func evidenceList(n int) []types.FusedResult {
	out := make([]types.FusedResult, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.FusedResult{
			ChunkID:    string(rune('a'+i)) + "1",
			DocumentID: "d1",
			Score:      1.0 - float64(i)*0.01,
			Channels:   []types.RetrievalChannel{types.ChannelDense},
			Content:    "passage about payments",
		})
	}
	return out
}

func newTestEngine(strategies ...search.ModeStrategy) *Engine {
	cfg := config.DefaultRetrievalConfig()
	router := search.NewRouter(search.DefaultRouterConfig(), nil, nil, nil)
	assembler := evidence.NewAssembler(evidence.AssemblerConfig{TokenBudget: 8192}, evidence.EstimatorCounter{}, nil)
	return NewEngine(cfg, router, search.NewRegistry(strategies...), assembler, nil)
}

func explicitQuery(t *testing.T, mode string) *types.Query {
	t.Helper()
	q, err := types.NewQuery("how does checkout authenticate", "tenant-1", types.Filters{},
		types.Options{SearchMode: mode})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	return q
}

func TestRunQueryReturnsEvidenceAndCitations(t *testing.T) {
	strat := &fakeStrategy{
		mode:   types.ModeBasic,
		result: &search.Result{Mode: types.ModeBasic, Evidence: evidenceList(3)},
	}
	e := newTestEngine(strat)

	resp, err := e.RunQuery(context.Background(), explicitQuery(t, "basic"))
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if resp.Mode != types.ModeBasic {
		t.Errorf("mode = %s", resp.Mode)
	}
	if len(resp.Evidence) != 3 || len(resp.Citations) != 3 {
		t.Fatalf("evidence = %d citations = %d", len(resp.Evidence), len(resp.Citations))
	}
	for i, c := range resp.Citations {
		if c.Index != i+1 {
			t.Errorf("citation %d index = %d", i, c.Index)
		}
	}
	if resp.Answer != "" {
		t.Errorf("answer should be empty without generator, got %q", resp.Answer)
	}
	if resp.Timing.TotalMS < 0 {
		t.Errorf("timing = %+v", resp.Timing)
	}
}

func TestRunQueryNoEvidence(t *testing.T) {
	strat := &fakeStrategy{mode: types.ModeBasic, result: &search.Result{Mode: types.ModeBasic}}
	e := newTestEngine(strat)

	_, err := e.RunQuery(context.Background(), explicitQuery(t, "basic"))
	if !types.IsErrorCode(err, types.ErrNoEvidence) {
		t.Fatalf("err = %v, want NO_EVIDENCE", err)
	}
}

func TestRunQueryUnknownExplicitMode(t *testing.T) {
	e := newTestEngine(&fakeStrategy{mode: types.ModeBasic, result: &search.Result{}})

	// 绕过 NewQuery 校验，模拟损坏的显式模式
	q := &types.Query{
		Raw:        "anything",
		Normalized: "anything",
		TenantID:   "tenant-1",
		Options:    types.Options{SearchMode: "mystery", MaxChunks: 10},
	}
	_, err := e.RunQuery(context.Background(), q)
	if !types.IsErrorCode(err, types.ErrInvalidMode) {
		t.Fatalf("err = %v, want INVALID_MODE", err)
	}
}

func TestRunQueryGeneratesAnswerFromCitations(t *testing.T) {
	strat := &fakeStrategy{
		mode:   types.ModeBasic,
		result: &search.Result{Mode: types.ModeBasic, Evidence: evidenceList(2)},
	}
	e := newTestEngine(strat)
	gen := &fakeGenerator{answer: "checkout uses mutual TLS [1]"}
	e.SetGenerator(gen)

	resp, err := e.RunQuery(context.Background(), explicitQuery(t, "basic"))
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if resp.Answer != "checkout uses mutual TLS [1]" {
		t.Errorf("answer = %q", resp.Answer)
	}
	if len(gen.prompts) != 1 {
		t.Fatalf("generator calls = %d", len(gen.prompts))
	}
	if !strings.Contains(gen.prompts[0], "[1]") || !strings.Contains(gen.prompts[0], "passage about payments") {
		t.Errorf("prompt missing evidence: %s", gen.prompts[0])
	}
	if resp.Timing.GenerationMS < 0 {
		t.Errorf("timing = %+v", resp.Timing)
	}
}

func TestRunQueryGenerationFailure(t *testing.T) {
	strat := &fakeStrategy{
		mode:   types.ModeBasic,
		result: &search.Result{Mode: types.ModeBasic, Evidence: evidenceList(1)},
	}
	e := newTestEngine(strat)
	e.SetGenerator(&fakeGenerator{err: errors.New("llm down")})

	_, err := e.RunQuery(context.Background(), explicitQuery(t, "basic"))
	if !types.IsErrorCode(err, types.ErrGenerationError) {
		t.Fatalf("err = %v, want GENERATION_ERROR", err)
	}
}

func TestRunQueryCapsEvidenceAtMaxChunks(t *testing.T) {
	strat := &fakeStrategy{
		mode:   types.ModeBasic,
		result: &search.Result{Mode: types.ModeBasic, Evidence: evidenceList(15)},
	}
	e := newTestEngine(strat)

	resp, err := e.RunQuery(context.Background(), explicitQuery(t, "basic"))
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if len(resp.Evidence) != types.DefaultMaxChunks {
		t.Errorf("evidence = %d, want %d", len(resp.Evidence), types.DefaultMaxChunks)
	}
}

func TestRunQueryResponseCache(t *testing.T) {
	strat := &fakeStrategy{
		mode:   types.ModeBasic,
		result: &search.Result{Mode: types.ModeBasic, Evidence: evidenceList(2)},
	}
	e := newTestEngine(strat)
	cache := newMemResponseCache()
	e.SetResponseCache(cache)

	q := explicitQuery(t, "basic")
	first, err := e.RunQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("first RunQuery: %v", err)
	}
	if first.FromCache {
		t.Error("first response should not come from cache")
	}
	if cache.sets != 1 {
		t.Fatalf("cache sets = %d", cache.sets)
	}

	second, err := e.RunQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("second RunQuery: %v", err)
	}
	if !second.FromCache {
		t.Error("second response should come from cache")
	}
	if strat.calls != 1 {
		t.Errorf("strategy calls = %d, want 1", strat.calls)
	}
}

type queryRecord struct {
	mode     string
	status   string
	evidence int
}

type recordingEngineMetrics struct {
	queries []queryRecord
	hits    []string
	misses  []string
}

func (r *recordingEngineMetrics) RecordQuery(mode, status string, _ time.Duration, evidenceCount int) {
	r.queries = append(r.queries, queryRecord{mode: mode, status: status, evidence: evidenceCount})
}

func (r *recordingEngineMetrics) RecordCacheHit(cache string)  { r.hits = append(r.hits, cache) }
func (r *recordingEngineMetrics) RecordCacheMiss(cache string) { r.misses = append(r.misses, cache) }

func TestRunQueryRecordsMetrics(t *testing.T) {
	strat := &fakeStrategy{
		mode:   types.ModeBasic,
		result: &search.Result{Mode: types.ModeBasic, Evidence: evidenceList(2)},
	}
	e := newTestEngine(strat)
	e.SetResponseCache(newMemResponseCache())
	rec := &recordingEngineMetrics{}
	e.SetMetrics(rec)

	q := explicitQuery(t, "basic")
	if _, err := e.RunQuery(context.Background(), q); err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if len(rec.queries) != 1 {
		t.Fatalf("query records = %d, want 1", len(rec.queries))
	}
	if got := rec.queries[0]; got.mode != "basic" || got.status != "ok" || got.evidence != 2 {
		t.Errorf("query record = %+v", got)
	}
	if len(rec.misses) != 1 || rec.misses[0] != "response" {
		t.Errorf("cache misses = %v, want [response]", rec.misses)
	}

	// 缓存命中也计一次查询
	if _, err := e.RunQuery(context.Background(), q); err != nil {
		t.Fatalf("cached RunQuery: %v", err)
	}
	if len(rec.hits) != 1 || rec.hits[0] != "response" {
		t.Errorf("cache hits = %v, want [response]", rec.hits)
	}
	if len(rec.queries) != 2 {
		t.Errorf("query records = %d, want 2", len(rec.queries))
	}
}

func TestRunQueryFailureRecordsErrorStatus(t *testing.T) {
	strat := &fakeStrategy{mode: types.ModeBasic, result: &search.Result{Mode: types.ModeBasic}}
	e := newTestEngine(strat)
	rec := &recordingEngineMetrics{}
	e.SetMetrics(rec)

	if _, err := e.RunQuery(context.Background(), explicitQuery(t, "basic")); err == nil {
		t.Fatal("expected NO_EVIDENCE error")
	}
	if len(rec.queries) != 1 || rec.queries[0].status != "error" {
		t.Fatalf("query records = %+v, want one error record", rec.queries)
	}
}

func TestRunQueryTraceCollection(t *testing.T) {
	strat := &fakeStrategy{
		mode:   types.ModeBasic,
		result: &search.Result{Mode: types.ModeBasic, Evidence: evidenceList(2)},
	}
	e := newTestEngine(strat)
	cache := newMemResponseCache()
	e.SetResponseCache(cache)

	q, err := types.NewQuery("how does checkout authenticate", "tenant-1", types.Filters{},
		types.Options{SearchMode: "basic", IncludeTrace: true})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	resp, err := e.RunQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}

	var steps []string
	for _, s := range resp.Trace {
		steps = append(steps, s.Step)
	}
	for _, want := range []string{"router", "retrieval", "assemble"} {
		found := false
		for _, s := range steps {
			if s == want {
				found = true
			}
		}
		if !found {
			t.Errorf("trace missing step %q, got %v", want, steps)
		}
	}
	if cache.sets != 0 {
		t.Errorf("trace responses must not be cached, sets = %d", cache.sets)
	}
}

func TestResponseCacheKeyVariesByModeAndTenant(t *testing.T) {
	q1 := explicitQuery(t, "basic")
	k1 := responseCacheKey(q1, types.ModeBasic)
	k2 := responseCacheKey(q1, types.ModeLocal)
	if k1 == k2 {
		t.Error("key should vary by mode")
	}

	q2, _ := types.NewQuery("how does checkout authenticate", "tenant-2", types.Filters{}, types.Options{})
	if responseCacheKey(q2, types.ModeBasic) == k1 {
		t.Error("key should vary by tenant")
	}

	// 大小写与空白不影响键
	q3, _ := types.NewQuery("  How DOES checkout   authenticate ", "tenant-1", types.Filters{}, types.Options{})
	if responseCacheKey(q3, types.ModeBasic) != k1 {
		t.Error("key should be normalization-insensitive")
	}
}

type fakeHistory struct {
	messages []string
	err      error
}

func (h *fakeHistory) Recent(ctx context.Context, tenantID, conversationID string, n int) ([]string, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.messages, nil
}

func TestRewriterResolvesReferences(t *testing.T) {
	gen := &fakeGenerator{answer: "how does the billing service retry failed charges"}
	r := NewRewriter(gen, &fakeHistory{messages: []string{"user: tell me about the billing service"}}, nil)

	q, _ := types.NewQuery("how does it retry failed charges", "tenant-1", types.Filters{}, types.Options{})
	q = q.WithConversation("conv-1")

	got := r.Rewrite(context.Background(), q)
	if got.Raw != "how does the billing service retry failed charges" {
		t.Errorf("rewritten = %q", got.Raw)
	}
	if got.Normalized != types.NormalizeText(got.Raw) {
		t.Errorf("normalized not refreshed: %q", got.Normalized)
	}
}

func TestRewriterFallsBackOnFailure(t *testing.T) {
	r := NewRewriter(&fakeGenerator{err: errors.New("llm down")},
		&fakeHistory{messages: []string{"user: hi"}}, nil)

	q, _ := types.NewQuery("how does it work", "tenant-1", types.Filters{}, types.Options{})
	q = q.WithConversation("conv-1")

	if got := r.Rewrite(context.Background(), q); got.Raw != q.Raw {
		t.Errorf("expected original query, got %q", got.Raw)
	}
}

func TestRewriterSkipsWithoutConversation(t *testing.T) {
	gen := &fakeGenerator{answer: "should never be used"}
	r := NewRewriter(gen, &fakeHistory{messages: []string{"user: hi"}}, nil)

	q, _ := types.NewQuery("standalone question", "tenant-1", types.Filters{}, types.Options{})
	if got := r.Rewrite(context.Background(), q); got.Raw != "standalone question" {
		t.Errorf("got %q", got.Raw)
	}
	if len(gen.prompts) != 0 {
		t.Errorf("generator should not be called, calls = %d", len(gen.prompts))
	}
}

func TestLLMQualityEvaluatorParsesFencedJSON(t *testing.T) {
	gen := &fakeGenerator{answer: "```json\n{\"faithfulness\": 0.9, \"relevance\": 1.4, \"notes\": \"solid\"}\n```"}
	ev := NewLLMQualityEvaluator(gen)

	q, _ := types.NewQuery("question", "tenant-1", types.Filters{}, types.Options{})
	report, err := ev.Evaluate(context.Background(), q, "answer [1]", []types.Citation{{Index: 1, Text: "evidence"}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.Faithfulness != 0.9 {
		t.Errorf("faithfulness = %v", report.Faithfulness)
	}
	if report.Relevance != 1.0 {
		t.Errorf("relevance should be clamped to 1, got %v", report.Relevance)
	}
	if report.Notes != "solid" {
		t.Errorf("notes = %q", report.Notes)
	}
}

func TestHydeGeneratorRejectsEmpty(t *testing.T) {
	h := NewHydeGenerator(&fakeGenerator{answer: "   "})
	if _, err := h.HypotheticalAnswer(context.Background(), "question"); err == nil {
		t.Error("empty hypothetical answer should fail")
	}

	h = NewHydeGenerator(&fakeGenerator{answer: "a plausible passage"})
	text, err := h.HypotheticalAnswer(context.Background(), "question")
	if err != nil || text != "a plausible passage" {
		t.Errorf("text = %q err = %v", text, err)
	}
}

type answeringProvider struct{ answer string }

func (p *answeringProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Model: "test",
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: p.answer},
		}},
	}, nil
}

func (p *answeringProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not implemented")
}

func (p *answeringProvider) Name() string { return "answering" }

func TestRunQueryAgentMode(t *testing.T) {
	e := newTestEngine(&fakeStrategy{mode: types.ModeBasic, result: &search.Result{}})
	orch := agent.NewOrchestrator(agent.OrchestratorConfig{},
		&answeringProvider{answer: "agent answer"}, search.NewRegistry(), nil, nil, nil)
	e.SetOrchestrator(orch)

	q, err := types.NewQuery("who owns checkout", "tenant-1", types.Filters{},
		types.Options{AgentMode: true})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	resp, err := e.RunQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("RunQuery: %v", err)
	}
	if resp.Answer != "agent answer" {
		t.Errorf("answer = %q", resp.Answer)
	}
	if resp.Trajectory == nil || resp.Trajectory.Termination != types.TerminationAnswerProduced {
		t.Errorf("trajectory = %+v", resp.Trajectory)
	}
}
