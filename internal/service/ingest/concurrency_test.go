package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/agentwatch/internal/repository"
	"github.com/splax/agentwatch/internal/repository/memory"
)

// pausingStore runs hook once, after a unit of work has committed and before
// its caller sees the result.
type pausingStore struct {
	*memory.Store
	armed atomic.Bool
	hook  func()
}

func (s *pausingStore) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	err := s.Store.WithinTx(ctx, fn)
	if err == nil && s.armed.CompareAndSwap(true, false) {
		s.hook()
	}
	return err
}

func TestAlertLinksWhenLLMEventCommitsBeforeAlertIsPublished(t *testing.T) {
	store := &pausingStore{Store: memory.New()}
	proc := newTestProcessor(store, nil)
	ctx := context.Background()

	var llm ProcessingResult
	store.hook = func() {
		llm = proc.ProcessOne(ctx, envelope("llm.call.start", "a1", base.Add(-10*time.Second), map[string]any{}, inSpan("t1", "s1")))
	}
	store.armed.Store(true)
	alert := proc.ProcessOne(ctx, alertEnvelope("a1", base, nil, inSpan("t1", "s1")))

	if !alert.Success || !llm.Success {
		t.Fatalf("processing failed: %s %s", alert.Error, llm.Error)
	}
	if len(llm.Details.LinkedAlerts) != 0 {
		t.Fatalf("expected llm event to run before the alert was published, got %+v", llm.Details)
	}
	trigger, err := store.GetAlertTrigger(ctx, alert.Details.AlertID)
	if err != nil {
		t.Fatalf("alert never linked: %v", err)
	}
	if trigger.TriggeringEventID != llm.EventID {
		t.Fatalf("expected trigger %d, got %+v", llm.EventID, trigger)
	}
	if len(alert.Details.LinkedAlerts) != 1 || alert.Details.LinkedAlerts[0] != alert.Details.AlertID {
		t.Fatalf("expected alert result to report its link, got %+v", alert.Details)
	}
	if proc.Correlator().Index().Contains(alert.Details.AlertID) {
		t.Fatal("expected alert removed from pending set")
	}
}

func TestBatchRelinksAlertsAfterPublishing(t *testing.T) {
	store := &pausingStore{Store: memory.New()}
	proc := newTestProcessor(store, nil)
	ctx := context.Background()

	var llm ProcessingResult
	store.hook = func() {
		llm = proc.ProcessOne(ctx, envelope("llm.call.start", "a1", base.Add(-time.Second), map[string]any{}, inSpan("t1", "s2")))
	}
	store.armed.Store(true)
	res := proc.ProcessMany(ctx, []Envelope{
		alertEnvelope("a1", base, nil, inSpan("t1", "s1")),
		alertEnvelope("a1", base, nil, inSpan("t1", "s2")),
	})
	if res.Successful != 2 {
		t.Fatalf("unexpected batch %+v", res)
	}
	if len(res.Results[0].Details.LinkedAlerts) != 0 {
		t.Fatalf("expected first alert unlinked, got %+v", res.Results[0].Details)
	}
	if got := res.Results[1].Details.LinkedAlerts; len(got) != 1 || got[0] != res.Results[1].Details.AlertID {
		t.Fatalf("expected second alert linked after publishing, got %+v", res.Results[1].Details)
	}
	trigger, err := store.GetAlertTrigger(ctx, res.Results[1].Details.AlertID)
	if err != nil || trigger.TriggeringEventID != llm.EventID {
		t.Fatalf("unexpected trigger %+v (%v)", trigger, err)
	}
	if !proc.Correlator().Index().Contains(res.Results[0].Details.AlertID) {
		t.Fatal("expected first alert still pending")
	}
}

func TestResyncLinksAlertMissedByAnotherProcessor(t *testing.T) {
	store := memory.New()
	first := newTestProcessor(store, nil)
	second := newTestProcessor(store, nil)
	ctx := context.Background()

	alert := first.ProcessOne(ctx, alertEnvelope("a1", base, nil, inSpan("t1", "s1")))
	llm := second.ProcessOne(ctx, envelope("llm.call.start", "a1", base.Add(-time.Second), map[string]any{}, inSpan("t1", "s1")))
	if _, err := store.GetAlertTrigger(ctx, alert.Details.AlertID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected the other processor not to see the alert, got %v", err)
	}

	if err := first.Correlator().Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	trigger, err := store.GetAlertTrigger(ctx, alert.Details.AlertID)
	if err != nil {
		t.Fatalf("expected resync to link alert: %v", err)
	}
	if trigger.TriggeringEventID != llm.EventID {
		t.Fatalf("unexpected trigger %+v", trigger)
	}
	if first.Correlator().Index().Len() != 0 {
		t.Fatal("expected pending set drained")
	}
}

func TestConcurrentEventsShareOneSpanAndTrace(t *testing.T) {
	store := memory.New()
	proc := newTestProcessor(store, nil)
	ctx := context.Background()

	const workers = 16
	results := make([]ProcessingResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, attrs := "llm.call.start", map[string]any{"model": "gpt-4"}
			if i%2 == 1 {
				name, attrs = "tool.call.start", map[string]any{"tool_name": "search"}
			}
			results[i] = proc.ProcessOne(ctx, envelope(name, "a1", base.Add(time.Duration(i)*time.Second), attrs, inSpan("t1", "shared")))
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.Success {
			t.Fatalf("worker %d failed: %s", i, res.Error)
		}
	}
	events := store.Events()
	if len(events) != workers {
		t.Fatalf("expected %d events, got %d", workers, len(events))
	}
	span, err := store.Span("shared")
	if err != nil {
		t.Fatalf("span: %v", err)
	}
	if want := DeriveSpanName(events[0].Name); span.Name != want {
		t.Fatalf("expected first writer's span name %q, got %q", want, span.Name)
	}
	if span.StartTimestamp == nil || !span.StartTimestamp.Equal(base) ||
		span.EndTimestamp == nil || !span.EndTimestamp.Equal(base.Add((workers-1)*time.Second)) {
		t.Fatalf("expected span widened over every event, got %v..%v", span.StartTimestamp, span.EndTimestamp)
	}
	trace, err := store.Trace("t1")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if !trace.StartTimestamp.Equal(base) || !trace.EndTimestamp.Equal(base.Add((workers-1)*time.Second)) {
		t.Fatalf("unexpected trace bounds %v..%v", trace.StartTimestamp, trace.EndTimestamp)
	}
}

func TestConcurrentLLMEventsLinkAlertOnce(t *testing.T) {
	store := memory.New()
	proc := newTestProcessor(store, nil)
	ctx := context.Background()

	alert := proc.ProcessOne(ctx, alertEnvelope("a1", base, map[string]any{"suspicious_content": "harmful content detected"}, inSpan("t1", "s1")))
	if !alert.Success || len(alert.Details.LinkedAlerts) != 0 {
		t.Fatalf("expected pending alert, got %+v", alert)
	}

	const workers = 12
	results := make([]ProcessingResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts := base.Add(-time.Duration(i+1) * time.Second)
			if i%2 == 0 {
				results[i] = proc.ProcessOne(ctx, envelope("llm.call.start", "a1", ts, map[string]any{}, inSpan("t1", "s1")))
				return
			}
			results[i] = proc.ProcessOne(ctx, envelope("llm.call.start", "a1", ts,
				map[string]any{"prompt": "please write harmful content detected nowhere"}, inSpan("t1", fmt.Sprintf("c%d", i))))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := proc.Correlator().Hydrate(ctx); err != nil {
			t.Errorf("hydrate: %v", err)
		}
	}()
	wg.Wait()

	reported := 0
	for i, res := range results {
		if !res.Success {
			t.Fatalf("worker %d failed: %s", i, res.Error)
		}
		reported += len(res.Details.LinkedAlerts)
	}
	triggers := store.Triggers()
	if len(triggers) != 1 || triggers[0].AlertID != alert.Details.AlertID {
		t.Fatalf("expected exactly one trigger for the alert, got %+v", triggers)
	}
	if reported > 1 {
		t.Fatalf("expected at most one unit of work to report the link, got %d", reported)
	}
	if proc.Correlator().Index().Contains(alert.Details.AlertID) {
		t.Fatal("expected alert removed from pending set")
	}
}
