package ingest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	events      *prometheus.CounterVec
	triggers    *prometheus.CounterVec
	degraded    *prometheus.CounterVec
	batches     *prometheus.CounterVec
	pending     prometheus.Gauge
	initialized bool
}

var (
	sharedMetrics     metrics
	sharedMetricsOnce sync.Once
)

func loadMetrics() *metrics {
	sharedMetricsOnce.Do(func() {
		m := &sharedMetrics
		m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentwatch",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Count of processed telemetry envelopes",
		}, []string{"event_type", "outcome"})

		m.triggers = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentwatch",
			Subsystem: "correlation",
			Name:      "triggers_total",
			Help:      "Count of security alert triggers created",
		}, []string{"strategy"})

		m.degraded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentwatch",
			Subsystem: "ingest",
			Name:      "degraded_projections_total",
			Help:      "Count of typed events stored as generic",
		}, []string{"event_name_prefix"})

		m.batches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentwatch",
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Count of processed batches",
		}, []string{"outcome"})

		m.pending = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentwatch",
			Subsystem: "correlation",
			Name:      "pending_alerts",
			Help:      "Number of security alerts without a trigger",
		})

		collectors := []prometheus.Collector{m.events, m.triggers, m.degraded, m.batches, m.pending}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						switch collector {
						case m.events:
							m.events = v
						case m.triggers:
							m.triggers = v
						case m.degraded:
							m.degraded = v
						case m.batches:
							m.batches = v
						}
					case prometheus.Gauge:
						m.pending = v
					}
				}
			}
		}
		m.initialized = true
	})
	return &sharedMetrics
}

func (m *metrics) recordEvent(eventType, outcome string) {
	if m == nil || !m.initialized {
		return
	}
	m.events.With(prometheus.Labels{"event_type": eventType, "outcome": outcome}).Inc()
}

func (m *metrics) recordTrigger(strategy string) {
	if m == nil || !m.initialized {
		return
	}
	m.triggers.With(prometheus.Labels{"strategy": strategy}).Inc()
}

func (m *metrics) recordDegraded(prefix string) {
	if m == nil || !m.initialized {
		return
	}
	m.degraded.With(prometheus.Labels{"event_name_prefix": prefix}).Inc()
}

func (m *metrics) recordBatch(outcome string) {
	if m == nil || !m.initialized {
		return
	}
	m.batches.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *metrics) setPending(n int) {
	if m == nil || !m.initialized {
		return
	}
	m.pending.Set(float64(n))
}
