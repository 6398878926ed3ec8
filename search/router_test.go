package search

import (
	"context"
	"errors"
	"testing"

	"github.com/tessellate-ai/graphrag/types"
)

type stubResolver struct {
	entities []string
	err      error
}

func (s *stubResolver) FindEntities(_ context.Context, _ string) ([]string, error) {
	return s.entities, s.err
}

type stubClassifier struct {
	mode       types.SearchMode
	confidence float64
	err        error
	calls      int
}

func (s *stubClassifier) Classify(_ context.Context, _ *types.Query) (types.SearchMode, float64, error) {
	s.calls++
	return s.mode, s.confidence, s.err
}

func mustQuery(t *testing.T, raw string, opts types.Options) *types.Query {
	t.Helper()
	q, err := types.NewQuery(raw, "tenant-1", types.Filters{}, opts)
	if err != nil {
		t.Fatalf("NewQuery(%q): %v", raw, err)
	}
	return q
}

func routeMode(t *testing.T, r *Router, q *types.Query) types.SearchMode {
	t.Helper()
	decision, err := r.Route(context.Background(), q)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	return decision.Mode
}

func TestRouteExplicitModeWins(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), &stubResolver{entities: []string{"e1"}}, nil, nil)
	// 实体启发式会给 local，显式 drift 必须生效
	q := mustQuery(t, "tell me about the billing service", types.Options{SearchMode: "drift"})
	if mode := routeMode(t, r, q); mode != types.ModeDrift {
		t.Errorf("mode = %s, want drift", mode)
	}
}

func TestRouteUnknownExplicitModeIsClientError(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), nil, nil, nil)
	// NewQuery 已拒绝未知模式；路由器对绕过构造的查询再验一次
	q := &types.Query{Raw: "q", Normalized: "q", TenantID: "t", Options: types.Options{SearchMode: "vector"}}
	_, err := r.Route(context.Background(), q)
	if !types.IsErrorCode(err, types.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
	if !types.IsClientError(err) {
		t.Error("unknown mode must be a client error")
	}
}

func TestRouteAggregationKeywordsToStructured(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), nil, nil, nil)
	for _, raw := range []string{
		"How many vendors were mentioned in the contracts",
		"count the services in the platform",
		"list all teams",
	} {
		q := mustQuery(t, raw, types.Options{})
		if mode := routeMode(t, r, q); mode != types.ModeStructured {
			t.Errorf("%q routed to %s, want structured", raw, mode)
		}
	}
}

func TestRouteEntitiesToLocal(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), &stubResolver{entities: []string{"e1"}}, nil, nil)
	q := mustQuery(t, "who maintains the billing service", types.Options{})
	if mode := routeMode(t, r, q); mode != types.ModeLocal {
		t.Errorf("mode = %s, want local", mode)
	}
}

func TestRouteThematicToGlobal(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), &stubResolver{}, nil, nil)
	q := mustQuery(t, "summarize the main themes across the corpus", types.Options{})
	if mode := routeMode(t, r, q); mode != types.ModeGlobal {
		t.Errorf("mode = %s, want global", mode)
	}
}

func TestRouteDecompositionToDrift(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), nil, nil, nil)

	q := mustQuery(t, "something simple", types.Options{UseDecomposition: true})
	if mode := routeMode(t, r, q); mode != types.ModeDrift {
		t.Errorf("decomposition flag: mode = %s, want drift", mode)
	}

	q = mustQuery(t, "what failed? and why did the retry not fire?", types.Options{})
	if mode := routeMode(t, r, q); mode != types.ModeDrift {
		t.Errorf("compound question: mode = %s, want drift", mode)
	}
}

func TestRouteDefaultBasic(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), &stubResolver{}, nil, nil)
	q := mustQuery(t, "where is the deployment runbook", types.Options{})
	if mode := routeMode(t, r, q); mode != types.ModeBasic {
		t.Errorf("mode = %s, want basic", mode)
	}
}

func TestRouteEntityResolverFailureFallsThrough(t *testing.T) {
	r := NewRouter(DefaultRouterConfig(), &stubResolver{err: errors.New("graph down")}, nil, nil)
	q := mustQuery(t, "where is the deployment runbook", types.Options{})
	if mode := routeMode(t, r, q); mode != types.ModeBasic {
		t.Errorf("mode = %s, want basic on resolver failure", mode)
	}
}

func TestRouteClassifierConsultedOnNoSignal(t *testing.T) {
	classifier := &stubClassifier{mode: types.ModeGlobal, confidence: 0.9}
	r := NewRouter(DefaultRouterConfig(), &stubResolver{}, classifier, nil)
	q := mustQuery(t, "where is the deployment runbook", types.Options{})
	if mode := routeMode(t, r, q); mode != types.ModeGlobal {
		t.Errorf("mode = %s, want classifier's global", mode)
	}
}

func TestRouteClassifierLowConfidenceIgnored(t *testing.T) {
	classifier := &stubClassifier{mode: types.ModeGlobal, confidence: 0.3}
	r := NewRouter(DefaultRouterConfig(), &stubResolver{}, classifier, nil)
	q := mustQuery(t, "where is the deployment runbook", types.Options{})
	if mode := routeMode(t, r, q); mode != types.ModeBasic {
		t.Errorf("mode = %s, want basic when confidence below threshold", mode)
	}
}

func TestRouteClassifierFailureDefaultsBasic(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("llm down")}
	r := NewRouter(DefaultRouterConfig(), &stubResolver{}, classifier, nil)
	q := mustQuery(t, "where is the deployment runbook", types.Options{})
	if mode := routeMode(t, r, q); mode != types.ModeBasic {
		t.Errorf("mode = %s, want basic on classifier failure", mode)
	}
}

func TestRouteDecisionCached(t *testing.T) {
	classifier := &stubClassifier{mode: types.ModeGlobal, confidence: 0.9}
	r := NewRouter(DefaultRouterConfig(), &stubResolver{}, classifier, nil)
	q := mustQuery(t, "where is the deployment runbook", types.Options{})

	routeMode(t, r, q)
	routeMode(t, r, q)
	if classifier.calls != 1 {
		t.Errorf("classifier called %d times, want 1 (cached)", classifier.calls)
	}
}
