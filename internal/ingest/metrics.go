package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pulse/internal/activity"
)

// Metrics holds the Prometheus collectors updated by a Manager.
type Metrics struct {
	Requests    *prometheus.CounterVec
	RequestSize prometheus.Histogram
	Events      *prometheus.CounterVec
	Tokens      prometheus.Counter
	Active      prometheus.Gauge
	Resets      prometheus.Counter
}

// NewMetrics registers the pulse collectors with reg. Pass
// prometheus.NewRegistry() in tests to keep registrations isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_requests_total",
				Help: "Telemetry requests dispatched by the listener",
			},
			[]string{"path"},
		),
		RequestSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pulse_request_body_bytes",
				Help:    "Size of telemetry request bodies",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8),
			},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_total",
				Help: "Telemetry events applied to the activity state, by agent source",
			},
			[]string{"source"},
		),
		Tokens: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_tokens_total",
				Help: "Tokens reported by telemetry events",
			},
		),
		Active: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "pulse_active",
				Help: "1 while an agent is active, 0 when idle",
			},
		),
		Resets: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pulse_session_resets_total",
				Help: "Session token counter resets",
			},
		),
	}
}

func (m *Metrics) request(path string, bodyLen int) {
	m.Requests.WithLabelValues(path).Inc()
	m.RequestSize.Observe(float64(bodyLen))
}

func (m *Metrics) event(obs activity.Observation) {
	m.Events.WithLabelValues(obs.Source.String()).Inc()
	if obs.HasTokens {
		m.Tokens.Add(float64(obs.Tokens))
	}
}

func (m *Metrics) setActive(active bool) {
	if active {
		m.Active.Set(1)
	} else {
		m.Active.Set(0)
	}
}
