package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/agentwatch/internal/repository"
	"github.com/splax/agentwatch/internal/repository/memory"
)

func strPtr(s string) *string { return &s }

func resolveSpans(t *testing.T, store *memory.Store, reg *Registrar, reqs ...SpanRequest) error {
	t.Helper()
	ctx := context.Background()
	return store.WithinTx(ctx, func(tx repository.Tx) error {
		if _, err := reg.ResolveAgent(ctx, tx, "agent-1"); err != nil {
			return err
		}
		if _, err := reg.ResolveTrace(ctx, tx, "trace-1", "agent-1", projectedAt); err != nil {
			return err
		}
		if _, err := reg.ResolveTrace(ctx, tx, "trace-2", "agent-1", projectedAt); err != nil {
			return err
		}
		for _, req := range reqs {
			if req.Timestamp.IsZero() {
				req.Timestamp = projectedAt
			}
			if _, err := reg.ResolveSpan(ctx, tx, req); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestResolveSpanComputesRoot(t *testing.T) {
	store := memory.New()
	err := resolveSpans(t, store, NewRegistrar(),
		SpanRequest{SpanID: "root", TraceID: "trace-1", Name: "llm_interaction"},
		SpanRequest{SpanID: "child", TraceID: "trace-1", ParentSpanID: strPtr("root"), Name: "tool_interaction"},
		SpanRequest{SpanID: "grandchild", TraceID: "trace-1", ParentSpanID: strPtr("child"), Name: "tool_interaction"},
	)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for id, wantRoot := range map[string]string{"root": "root", "child": "root", "grandchild": "root"} {
		span, err := store.Span(id)
		if err != nil {
			t.Fatalf("span %s: %v", id, err)
		}
		if span.RootSpanID != wantRoot {
			t.Fatalf("span %s: expected root %s, got %s", id, wantRoot, span.RootSpanID)
		}
	}
}

func TestResolveSpanUnknownParentBecomesRoot(t *testing.T) {
	store := memory.New()
	if err := resolveSpans(t, store, NewRegistrar(), SpanRequest{SpanID: "child", TraceID: "trace-1", ParentSpanID: strPtr("not-yet")}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	span, _ := store.Span("child")
	if span.RootSpanID != "not-yet" {
		t.Fatalf("expected unknown parent as root, got %s", span.RootSpanID)
	}
}

func TestResolveSpanIsGetOrCreate(t *testing.T) {
	store := memory.New()
	later := projectedAt.Add(time.Minute)
	err := resolveSpans(t, store, NewRegistrar(),
		SpanRequest{SpanID: "s1", TraceID: "trace-1", Name: "llm_interaction"},
		SpanRequest{SpanID: "s1", TraceID: "trace-1", ParentSpanID: strPtr("other"), Name: "tool_interaction", Timestamp: later},
	)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	span, _ := store.Span("s1")
	if span.Name != "llm_interaction" || span.ParentSpanID != nil || span.RootSpanID != "s1" {
		t.Fatalf("expected first creation to win, got %+v", span)
	}
	if span.EndTimestamp == nil || !span.EndTimestamp.Equal(later) {
		t.Fatalf("expected end timestamp widened to %v, got %v", later, span.EndTimestamp)
	}
	if !span.StartTimestamp.Equal(projectedAt) {
		t.Fatalf("expected start timestamp kept, got %v", span.StartTimestamp)
	}
}

func TestResolveSpanRejectsInvalidHierarchies(t *testing.T) {
	tests := []struct {
		name string
		reqs []SpanRequest
	}{
		{
			name: "self parent",
			reqs: []SpanRequest{{SpanID: "a", TraceID: "trace-1", ParentSpanID: strPtr("a")}},
		},
		{
			name: "cycle through existing span",
			reqs: []SpanRequest{
				{SpanID: "a", TraceID: "trace-1", ParentSpanID: strPtr("b")},
				{SpanID: "b", TraceID: "trace-1", ParentSpanID: strPtr("a")},
			},
		},
		{
			name: "parent in another trace",
			reqs: []SpanRequest{
				{SpanID: "p", TraceID: "trace-2"},
				{SpanID: "c", TraceID: "trace-1", ParentSpanID: strPtr("p")},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			err := resolveSpans(t, store, NewRegistrar(), tc.reqs...)
			var hierarchyErr *InvalidHierarchyError
			if !errors.As(err, &hierarchyErr) {
				t.Fatalf("expected InvalidHierarchyError, got %v", err)
			}
		})
	}
}

func TestResolveSpanBoundsParentWalk(t *testing.T) {
	store := memory.New()
	reg := NewRegistrar()
	reg.maxDepth = 2
	err := resolveSpans(t, store, reg,
		SpanRequest{SpanID: "s0", TraceID: "trace-1"},
		SpanRequest{SpanID: "s1", TraceID: "trace-1", ParentSpanID: strPtr("s0")},
		SpanRequest{SpanID: "s2", TraceID: "trace-1", ParentSpanID: strPtr("s1")},
		SpanRequest{SpanID: "s3", TraceID: "trace-1", ParentSpanID: strPtr("s2")},
	)
	var hierarchyErr *InvalidHierarchyError
	if !errors.As(err, &hierarchyErr) || hierarchyErr.SpanID != "s3" {
		t.Fatalf("expected depth error for s3, got %v", err)
	}
}

func TestResolveAgentNamesAndAdvancesLastSeen(t *testing.T) {
	store := memory.New()
	reg := NewRegistrar()
	ctx := context.Background()
	times := []time.Time{projectedAt, projectedAt.Add(time.Hour)}
	for _, now := range times {
		reg.now = func() time.Time { return now }
		if err := store.WithinTx(ctx, func(tx repository.Tx) error {
			_, err := reg.ResolveAgent(ctx, tx, "0123456789abcdef")
			return err
		}); err != nil {
			t.Fatalf("resolve agent: %v", err)
		}
	}
	agent, _ := store.Agent("0123456789abcdef")
	if agent.Name != "Agent-01234567" {
		t.Fatalf("unexpected agent name %q", agent.Name)
	}
	if !agent.FirstSeen.Equal(times[0]) || !agent.LastSeen.Equal(times[1]) {
		t.Fatalf("unexpected agent bounds %v / %v", agent.FirstSeen, agent.LastSeen)
	}
}
