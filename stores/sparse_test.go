package stores

import (
	"context"
	"testing"
	"time"

	"github.com/tessellate-ai/graphrag/types"
)

func testCorpus() []Chunk {
	return []Chunk{
		{ChunkID: "c1", DocumentID: "d1", Content: "the billing service retries failed payments with exponential backoff", Tags: []string{"billing"}},
		{ChunkID: "c2", DocumentID: "d1", Content: "payments are settled nightly by the settlement worker"},
		{ChunkID: "c3", DocumentID: "d2", Content: "the auth service issues short lived tokens", Tags: []string{"auth"}},
		{ChunkID: "c4", DocumentID: "d3", Content: "logging pipeline ships events to the aggregator", CreatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestBM25RanksTermMatchesFirst(t *testing.T) {
	idx := NewBM25Index(DefaultBM25Config(), nil)
	idx.Index(testCorpus())

	hits, err := idx.SearchByKeywords(context.Background(), "failed payments backoff", 10, types.Filters{})
	if err != nil {
		t.Fatalf("SearchByKeywords: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected hits")
	}
	if hits[0].ChunkID != "c1" {
		t.Errorf("expected c1 first, got %s", hits[0].ChunkID)
	}
	for i, hit := range hits {
		if hit.Rank != i+1 {
			t.Errorf("hit %d has rank %d", i, hit.Rank)
		}
		if hit.Channel != types.ChannelSparse {
			t.Errorf("hit %d channel = %s", i, hit.Channel)
		}
	}
}

func TestBM25NoMatchReturnsEmpty(t *testing.T) {
	idx := NewBM25Index(DefaultBM25Config(), nil)
	idx.Index(testCorpus())

	hits, err := idx.SearchByKeywords(context.Background(), "kubernetes ingress", 10, types.Filters{})
	if err != nil {
		t.Fatalf("SearchByKeywords: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}
}

func TestBM25DocumentFilter(t *testing.T) {
	idx := NewBM25Index(DefaultBM25Config(), nil)
	idx.Index(testCorpus())

	hits, err := idx.SearchByKeywords(context.Background(), "payments", 10, types.Filters{DocumentIDs: []string{"d1"}})
	if err != nil {
		t.Fatalf("SearchByKeywords: %v", err)
	}
	for _, hit := range hits {
		if hit.DocumentID != "d1" {
			t.Errorf("filter leaked document %s", hit.DocumentID)
		}
	}
	if len(hits) != 2 {
		t.Errorf("expected both d1 chunks, got %d", len(hits))
	}
}

func TestBM25TagAndDateFilters(t *testing.T) {
	idx := NewBM25Index(DefaultBM25Config(), nil)
	idx.Index(testCorpus())

	hits, _ := idx.SearchByKeywords(context.Background(), "service", 10, types.Filters{Tags: []string{"auth"}})
	if len(hits) != 1 || hits[0].ChunkID != "c3" {
		t.Errorf("tag filter: got %+v", hits)
	}

	cutoff := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	hits, _ = idx.SearchByKeywords(context.Background(), "logging pipeline", 10, types.Filters{
		DateRange: &types.DateRange{End: cutoff},
	})
	if len(hits) != 1 || hits[0].ChunkID != "c4" {
		t.Errorf("date filter: got %+v", hits)
	}
}

func TestBM25TopKBound(t *testing.T) {
	idx := NewBM25Index(DefaultBM25Config(), nil)
	idx.Index(testCorpus())

	hits, _ := idx.SearchByKeywords(context.Background(), "the service payments", 1, types.Filters{})
	if len(hits) != 1 {
		t.Errorf("expected top-1, got %d", len(hits))
	}
}
