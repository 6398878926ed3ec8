package types

import (
	"errors"
	"testing"
	"time"
)

func TestNewQuery_Defaults(t *testing.T) {
	q, err := NewQuery("  Who owns the Billing   Service? ", "tenant-1", Filters{}, Options{})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	if q.Raw != "Who owns the Billing   Service?" {
		t.Errorf("raw not trimmed: %q", q.Raw)
	}
	if q.Normalized != "who owns the billing service?" {
		t.Errorf("normalization wrong: %q", q.Normalized)
	}
	if q.Options.MaxChunks != DefaultMaxChunks {
		t.Errorf("expected default max_chunks %d, got %d", DefaultMaxChunks, q.Options.MaxChunks)
	}
	if q.Options.TraversalDepth != DefaultTraversalDepth {
		t.Errorf("expected default traversal_depth %d, got %d", DefaultTraversalDepth, q.Options.TraversalDepth)
	}
}

func TestNewQuery_Bounds(t *testing.T) {
	q, err := NewQuery("q", "tenant-1", Filters{}, Options{MaxChunks: 500, TraversalDepth: 9})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	if q.Options.MaxChunks != MaxChunksLimit {
		t.Errorf("max_chunks not clamped: %d", q.Options.MaxChunks)
	}
	if q.Options.TraversalDepth != MaxTraversalDepth {
		t.Errorf("traversal_depth not clamped: %d", q.Options.TraversalDepth)
	}
}

func TestNewQuery_Validation(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		tenant   string
		opts     Options
		filters  Filters
		wantCode ErrorCode
	}{
		{"empty text", "   ", "tenant-1", Options{}, Filters{}, ErrInvalidQuery},
		{"missing tenant", "question", "", Options{}, Filters{}, ErrInvalidQuery},
		{"unknown mode", "question", "tenant-1", Options{SearchMode: "mystery"}, Filters{}, ErrInvalidMode},
		{"inverted date range", "question", "tenant-1", Options{}, Filters{DateRange: &DateRange{
			Start: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}}, ErrInvalidQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewQuery(tt.raw, tt.tenant, tt.filters, tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			var coded *Error
			if !errors.As(err, &coded) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if coded.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, coded.Code)
			}
			if coded.HTTPStatus != 422 {
				t.Errorf("expected status 422, got %d", coded.HTTPStatus)
			}
		})
	}
}

func TestValidSearchMode(t *testing.T) {
	for _, m := range []string{"basic", "local", "global", "drift", "structured"} {
		if !ValidSearchMode(m) {
			t.Errorf("mode %s should be valid", m)
		}
	}
	for _, m := range []string{"", "hybrid", "BASIC"} {
		if ValidSearchMode(m) {
			t.Errorf("mode %q should be invalid", m)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello  World", "hello world"},
		{"  leading and trailing  ", "leading and trailing"},
		{"Tabs\tand\nnewlines", "tabs and newlines"},
		{"已经归一化", "已经归一化"},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWithConversation_CopiesQuery(t *testing.T) {
	q, err := NewQuery("question", "tenant-1", Filters{}, Options{})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	q2 := q.WithConversation("conv-1")
	if q.ConversationID != "" {
		t.Error("original query mutated")
	}
	if q2.ConversationID != "conv-1" {
		t.Errorf("conversation id not set: %q", q2.ConversationID)
	}
}
