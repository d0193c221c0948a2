package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the counters below.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeDiscarded = "discarded"
	OutcomeRejected  = "rejected"
)

// Metrics holds the Prometheus instruments of the session layer.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	RefreshTotal     *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	RequestsTotal    *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	RequestDuration  *prometheus.HistogramVec
	RealtimeConnects *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_session_refresh_total",
				Help: "Token renewal calls made against the backend, by outcome",
			},
			[]string{"outcome"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_session_transitions_total",
				Help: "Committed session transitions, by destination phase",
			},
			[]string{"phase"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_gateway_requests_total",
				Help: "Calls made through the request gateway, by outcome",
			},
			[]string{"outcome"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "storefront_gateway_retries_total",
				Help: "Requests re-issued after a token renewal",
			},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storefront_gateway_request_duration_seconds",
				Help:    "Duration of gateway calls including renewal and retry",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RealtimeConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_realtime_connects_total",
				Help: "Realtime channel connection attempts, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(phase string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(phase).Inc()
}

func (m *Metrics) Request(method, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) RealtimeConnect(outcome string) {
	if m == nil {
		return
	}
	m.RealtimeConnects.WithLabelValues(outcome).Inc()
}
