package httpx

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/agentwatch/internal/service/ingest"
)

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	// Single envelopes sit near 1KiB; batches reach the 16MiB cap.
	bodyBuckets = prometheus.ExponentialBuckets(256, 4, 9)

	metricsOnce   sync.Once
	sharedMetrics *ingestMetrics
)

// Envelope outcome labels.
const (
	envelopeAccepted = "accepted"
	envelopeRejected = "rejected"
	envelopeFailed   = "failed"
)

// ingestMetrics is shared by every Router in the process since collectors
// live in the default registry.
type ingestMetrics struct {
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	bodyBytes     *prometheus.HistogramVec
	envelopes     *prometheus.CounterVec
	linkedAlerts  prometheus.Counter
	streamClients *prometheus.GaugeVec
	rateLimitHits *prometheus.CounterVec
}

func loadMetrics() *ingestMetrics {
	metricsOnce.Do(func() {
		sharedMetrics = &ingestMetrics{
			requests: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentwatch",
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status class",
			}, []string{"method", "route", "class"})),
			latency: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agentwatch",
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution of HTTP handlers",
				Buckets:   latencyBuckets,
			}, []string{"route", "class"})),
			bodyBytes: register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agentwatch",
				Subsystem: "ingest",
				Name:      "request_body_bytes",
				Help:      "Size of accepted telemetry request bodies",
				Buckets:   bodyBuckets,
			}, []string{"route"})),
			envelopes: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentwatch",
				Subsystem: "ingest",
				Name:      "envelopes_total",
				Help:      "Telemetry envelopes by route and outcome",
			}, []string{"route", "outcome"})),
			linkedAlerts: register(prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "agentwatch",
				Subsystem: "ingest",
				Name:      "alerts_linked_total",
				Help:      "Security alerts linked to a triggering LLM event during ingestion",
			})),
			streamClients: register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "agentwatch",
				Subsystem: "stream",
				Name:      "clients",
				Help:      "Connected live telemetry subscribers",
			}, []string{"transport"})),
			rateLimitHits: register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agentwatch",
				Subsystem: "api",
				Name:      "rate_limit_hits_total",
				Help:      "Rate-limited requests by route and key scope",
			}, []string{"route", "scope"})),
		}
	})
	return sharedMetrics
}

// register returns the collector already in the default registry when one
// with the same descriptor exists.
func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func (m *ingestMetrics) observeRequest(method, route string, status int, duration time.Duration) {
	class := statusClass(status)
	m.requests.WithLabelValues(method, route, class).Inc()
	m.latency.WithLabelValues(route, class).Observe(duration.Seconds())
}

func (m *ingestMetrics) observeBody(route string, size int) {
	m.bodyBytes.WithLabelValues(route).Observe(float64(size))
}

func (m *ingestMetrics) observeResult(route string, res ingest.ProcessingResult) {
	outcome := envelopeAccepted
	switch {
	case res.Success:
		if res.Details != nil {
			m.linkedAlerts.Add(float64(len(res.Details.LinkedAlerts)))
		}
	case ingest.IsClientError(res.Err):
		outcome = envelopeRejected
	default:
		outcome = envelopeFailed
	}
	m.envelopes.WithLabelValues(route, outcome).Inc()
}

func (m *ingestMetrics) observeBatch(route string, res ingest.BatchResult) {
	for _, item := range res.Results {
		m.observeResult(route, item)
	}
}

func (m *ingestMetrics) streamOpened(transport string) {
	m.streamClients.WithLabelValues(transport).Inc()
}

func (m *ingestMetrics) streamClosed(transport string) {
	m.streamClients.WithLabelValues(transport).Dec()
}

func (m *ingestMetrics) rateLimited(route, scope string) {
	m.rateLimitHits.WithLabelValues(route, scope).Inc()
}
