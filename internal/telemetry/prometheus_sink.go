package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exposes call counts and latencies as Prometheus
// metrics, registered against the given registerer (usually
// prometheus.DefaultRegisterer, injected explicitly per the composition
// root pattern rather than relying on the package default).
type PrometheusSink struct {
	calls      *prometheus.CounterVec
	denials    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusSink registers and returns a PrometheusSink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "calls_total",
			Help:      "Total tool calls processed by the proxy wrapper, by upstream and outcome.",
		}, []string{"upstream", "kind"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "denials_total",
			Help:      "Total calls rejected before dispatch, by reason.",
		}, []string{"upstream", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpgate",
			Name:      "call_duration_seconds",
			Help:      "Tool call latency as observed by the proxy wrapper.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"upstream"}),
	}
	reg.MustRegister(s.calls, s.denials, s.latency)
	return s
}

func (s *PrometheusSink) Emit(e Event) {
	switch e.Kind {
	case EventCallCompleted:
		s.calls.WithLabelValues(e.UpstreamID, string(e.Kind)).Inc()
		if e.Duration > 0 {
			s.latency.WithLabelValues(e.UpstreamID).Observe(e.Duration.Seconds())
		}
	case EventPolicyDenied, EventRateLimited, EventResourceLimited, EventUpstreamUnavailable:
		s.denials.WithLabelValues(e.UpstreamID, string(e.Kind)).Inc()
	default:
		s.calls.WithLabelValues(e.UpstreamID, string(e.Kind)).Inc()
	}
}
