package mcp

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics wraps the optional Prometheus instrumentation for an Engine.
// A nil *EngineMetrics is valid everywhere it's used: every method is a
// no-op on a nil receiver, so wiring metrics in is opt-in and costs nothing
// when omitted.
type EngineMetrics struct {
	inFlight      *prometheus.GaugeVec
	latency       *prometheus.HistogramVec
	cancellations *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
}

// NewEngineMetrics registers the engine's collectors with reg and returns an
// EngineMetrics ready to pass to NewEngine. Passing nil for reg uses the
// default Prometheus registry.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &EngineMetrics{
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_requests_in_flight",
			Help: "Number of outbound requests awaiting a response, by method.",
		}, []string{"method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_request_duration_seconds",
			Help:    "Outbound request round-trip latency, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_request_cancellations_total",
			Help: "Outbound requests that ended in local cancellation, by method.",
		}, []string{"method"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_request_timeouts_total",
			Help: "Outbound requests that ended in a local timeout, by method.",
		}, []string{"method"}),
	}
	reg.MustRegister(m.inFlight, m.latency, m.cancellations, m.timeouts)
	return m
}

func (m *EngineMetrics) incInFlight(method string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(method).Inc()
}

func (m *EngineMetrics) decInFlight(method string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(method).Dec()
}

func (m *EngineMetrics) observeLatency(method string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(method).Observe(seconds)
}

func (m *EngineMetrics) incCancellations(method string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(method).Inc()
}

func (m *EngineMetrics) incTimeouts(method string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(method).Inc()
}
