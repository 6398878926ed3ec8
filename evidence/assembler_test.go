package evidence

import (
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/tessellate-ai/graphrag/types"
)

func TestAssembleIndicesContiguous(t *testing.T) {
	a := NewAssembler(AssemblerConfig{TokenBudget: 1000}, EstimatorCounter{}, nil)
	out := a.Assemble([]types.FusedResult{
		{ChunkID: "c1", Content: "first chunk", Score: 0.9},
		{ChunkID: "c2", Content: "second chunk", Score: 0.8},
		{ChunkID: "c3", Content: "third chunk", Score: 0.7},
	})

	if len(out.Citations) != 3 {
		t.Fatalf("citations = %d", len(out.Citations))
	}
	for i, c := range out.Citations {
		if c.Index != i+1 {
			t.Errorf("citation %d has index %d", i, c.Index)
		}
	}
	if out.Truncated {
		t.Error("unexpected truncation")
	}
}

func TestAssembleDedupsByChunkID(t *testing.T) {
	a := NewAssembler(AssemblerConfig{TokenBudget: 1000}, EstimatorCounter{}, nil)
	rerank := 0.95
	out := a.Assemble([]types.FusedResult{
		{ChunkID: "c1", Content: "same chunk", Score: 0.5},
		{ChunkID: "c1", Content: "same chunk", Score: 0.4, RerankScore: &rerank},
		{ChunkID: "c2", Content: "other chunk", Score: 0.3},
	})

	if len(out.Citations) != 2 {
		t.Fatalf("citations = %d, want 2 after dedup", len(out.Citations))
	}
	// 重复 chunk 保留最高生效分
	if out.Citations[0].Score != 0.95 {
		t.Errorf("deduped score = %v, want 0.95", out.Citations[0].Score)
	}
	if out.Citations[1].Index != 2 {
		t.Errorf("second citation index = %d", out.Citations[1].Index)
	}
}

func TestAssembleRespectsTokenBudget(t *testing.T) {
	// 估算器：100 字符 ≈ 26 token；预算 60 只容得下两条
	content := strings.Repeat("x", 100)
	a := NewAssembler(AssemblerConfig{TokenBudget: 60}, EstimatorCounter{}, nil)
	out := a.Assemble([]types.FusedResult{
		{ChunkID: "c1", Content: content},
		{ChunkID: "c2", Content: content},
		{ChunkID: "c3", Content: content},
	})

	if len(out.Citations) != 2 {
		t.Errorf("citations = %d, want 2", len(out.Citations))
	}
	if !out.Truncated {
		t.Error("expected truncation flag")
	}
	if out.TokensUsed > 60 {
		t.Errorf("tokens used %d exceeds budget", out.TokensUsed)
	}
}

func TestAssembleOversizedFirstChunkStillCited(t *testing.T) {
	a := NewAssembler(AssemblerConfig{TokenBudget: 10}, EstimatorCounter{}, nil)
	out := a.Assemble([]types.FusedResult{
		{ChunkID: "big", Content: strings.Repeat("y", 500)},
	})
	if len(out.Citations) != 1 {
		t.Fatalf("citations = %d, want 1", len(out.Citations))
	}
	if !out.Truncated {
		t.Error("expected truncation flag")
	}
}

func TestAssembleEmptyInput(t *testing.T) {
	a := NewAssembler(DefaultAssemblerConfig(), nil, nil)
	out := a.Assemble(nil)
	if len(out.Citations) != 0 || out.TokensUsed != 0 || out.Truncated {
		t.Errorf("empty input: %+v", out)
	}
}

// 属性：索引从 1 连续递增、chunk 不重复、预算不超。
func TestAssembleProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.IntRange(10, 500).Draw(t, "budget")
		n := rapid.IntRange(0, 40).Draw(t, "n")

		var results []types.FusedResult
		for i := 0; i < n; i++ {
			results = append(results, types.FusedResult{
				ChunkID: fmt.Sprintf("chunk-%d", rapid.IntRange(0, 20).Draw(t, "id")),
				Content: strings.Repeat("z", rapid.IntRange(0, 120).Draw(t, "len")),
				Score:   rapid.Float64Range(0, 1).Draw(t, "score"),
			})
		}

		a := NewAssembler(AssemblerConfig{TokenBudget: budget}, EstimatorCounter{}, nil)
		out := a.Assemble(results)

		seen := make(map[string]bool)
		for i, c := range out.Citations {
			if c.Index != i+1 {
				t.Fatalf("index %d at position %d", c.Index, i)
			}
			if seen[c.ChunkID] {
				t.Fatalf("duplicate chunk %s", c.ChunkID)
			}
			seen[c.ChunkID] = true
		}
		if len(out.Citations) > 1 && out.TokensUsed > budget {
			t.Fatalf("tokens %d exceed budget %d", out.TokensUsed, budget)
		}
	})
}

func TestTiktokenCounterFallsBackWhenUnavailable(t *testing.T) {
	// 未知模型回落 cl100k_base；离线时 Count 内部回落估算器，
	// 两种情况都必须返回正数
	c := NewTiktokenCounter("some-unknown-model", nil)
	if got := c.Count("hello world"); got <= 0 {
		t.Errorf("Count = %d, want > 0", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Error("empty text must cost 0")
	}
	if EstimateTokens("abcd") < 1 {
		t.Error("non-empty text must cost at least 1")
	}
}
