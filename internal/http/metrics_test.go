package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		http.StatusOK:                    "2xx",
		http.StatusCreated:               "2xx",
		http.StatusRequestEntityTooLarge: "4xx",
		http.StatusServiceUnavailable:    "5xx",
		0:                                "unknown",
		999:                              "unknown",
	}
	for status, want := range cases {
		if got := statusClass(status); got != want {
			t.Fatalf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestIngestMetricsCountEnvelopeOutcomes(t *testing.T) {
	f := newFixture(t, nil, Options{})
	m := f.router.metrics
	accepted := m.envelopes.WithLabelValues(routeTelemetry, envelopeAccepted)
	rejected := m.envelopes.WithLabelValues(routeTelemetry, envelopeRejected)
	batchAccepted := m.envelopes.WithLabelValues(routeTelemetryBatch, envelopeAccepted)
	batchRejected := m.envelopes.WithLabelValues(routeTelemetryBatch, envelopeRejected)
	created := m.requests.WithLabelValues(http.MethodPost, routeTelemetry, "2xx")
	badRequest := m.requests.WithLabelValues(http.MethodPost, routeTelemetry, "4xx")
	linked := m.linkedAlerts

	before := map[string]float64{
		"accepted":       testutil.ToFloat64(accepted),
		"rejected":       testutil.ToFloat64(rejected),
		"batch_accepted": testutil.ToFloat64(batchAccepted),
		"batch_rejected": testutil.ToFloat64(batchRejected),
		"created":        testutil.ToFloat64(created),
		"bad_request":    testutil.ToFloat64(badRequest),
		"linked":         testutil.ToFloat64(linked),
	}

	llm := envelope("llm.call.start", "m1", base, map[string]any{})
	llm["span_id"] = "metrics-shared"
	if rec := f.do(t, http.MethodPost, routeTelemetry, llm, ""); rec.Code != http.StatusCreated {
		t.Fatalf("ingest llm: %d %s", rec.Code, rec.Body.String())
	}
	alert := envelope("security.content.suspicious", "m1", base.Add(time.Second), map[string]any{
		"alert_type":  "suspicious_prompt",
		"severity":    "HIGH",
		"description": "prompt injection",
	})
	alert["span_id"] = "metrics-shared"
	if rec := f.do(t, http.MethodPost, routeTelemetry, alert, ""); rec.Code != http.StatusCreated {
		t.Fatalf("ingest alert: %d %s", rec.Code, rec.Body.String())
	}
	invalid := envelope("llm.call.start", "m1", base, map[string]any{})
	delete(invalid, "agent_id")
	if rec := f.do(t, http.MethodPost, routeTelemetry, invalid, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	events := []map[string]any{
		envelope("llm.call.start", "m2", base, map[string]any{}),
		envelope("llm.call.start", "m2", base.Add(time.Second), map[string]any{}),
		envelope("llm.call.start", "m2", base.Add(2*time.Second), map[string]any{}),
	}
	delete(events[1], "timestamp")
	if rec := f.do(t, http.MethodPost, routeTelemetryBatch, map[string]any{"events": events}, ""); rec.Code != http.StatusOK {
		t.Fatalf("batch: %d %s", rec.Code, rec.Body.String())
	}

	deltas := map[string]float64{
		"accepted":       testutil.ToFloat64(accepted) - before["accepted"],
		"rejected":       testutil.ToFloat64(rejected) - before["rejected"],
		"batch_accepted": testutil.ToFloat64(batchAccepted) - before["batch_accepted"],
		"batch_rejected": testutil.ToFloat64(batchRejected) - before["batch_rejected"],
		"created":        testutil.ToFloat64(created) - before["created"],
		"bad_request":    testutil.ToFloat64(badRequest) - before["bad_request"],
		"linked":         testutil.ToFloat64(linked) - before["linked"],
	}
	want := map[string]float64{
		"accepted":       2,
		"rejected":       1,
		"batch_accepted": 2,
		"batch_rejected": 1,
		"created":        2,
		"bad_request":    1,
		"linked":         1,
	}
	for key, w := range want {
		if deltas[key] != w {
			t.Fatalf("%s: expected delta %v, got %v (all %v)", key, w, deltas[key], deltas)
		}
	}
}

func TestRateLimitedRequestsCountedByScope(t *testing.T) {
	limiter := newRateLimiterStub()
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: time.Now().Add(window)}
	}
	f := newFixture(t, limiter, Options{IngestRateLimit: 5, TokenSecret: testSecret})
	hits := f.router.metrics.rateLimitHits.WithLabelValues(routeTelemetry, "agent")
	before := testutil.ToFloat64(hits)

	rec := f.do(t, http.MethodPost, routeTelemetry, envelope("llm.call.start", "m3", base, map[string]any{}), mintToken(t, "m3"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(hits) - before; got != 1 {
		t.Fatalf("expected one agent-scoped rate limit hit, got %v", got)
	}
}

func TestStreamClientsGaugeTracksSubscribers(t *testing.T) {
	f := newFixture(t, nil, Options{StreamHeartbeat: 20 * time.Millisecond})
	gauge := f.router.metrics.streamClients.WithLabelValues("sse")
	before := testutil.ToFloat64(gauge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/telemetry/stream?agent_id=m4", nil).WithContext(ctx)
	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		f.router.handleStream(recorder, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(gauge)-before == 1
	})
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not exit after context cancel")
	}
	if got := testutil.ToFloat64(gauge) - before; got != 0 {
		t.Fatalf("expected gauge back to baseline, got delta %v", got)
	}
}
