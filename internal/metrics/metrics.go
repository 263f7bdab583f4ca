package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	ActiveTurns       prometheus.Gauge
	AdmissionDenied   *prometheus.CounterVec
	ToolInvocations   *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	RateLimitFallback prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turn_gateway_turns_total",
			Help: "Turns completed, by tier and finish reason",
		}, []string{"tier", "finish_reason"}),
		ActiveTurns: f.NewGauge(prometheus.GaugeOpts{
			Name: "turn_gateway_active_turns",
			Help: "Turns currently running in this process",
		}),
		AdmissionDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turn_gateway_admission_denied_total",
			Help: "Turns rejected at admission, by tier and reason",
		}, []string{"tier", "reason"}),
		ToolInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "turn_gateway_tool_invocations_total",
			Help: "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turn_gateway_tool_duration_seconds",
			Help:    "Tool invocation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		RateLimitFallback: f.NewCounter(prometheus.CounterOpts{
			Name: "turn_gateway_ratelimit_fallback_total",
			Help: "Rate limit checks answered by the in-process fallback",
		}),
	}
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

func (m *Metrics) TurnFinished(tier, reason string) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.TurnsTotal.WithLabelValues(tier, reason).Inc()
}

func (m *Metrics) Denied(tier, reason string) {
	if m == nil {
		return
	}
	m.AdmissionDenied.WithLabelValues(tier, reason).Inc()
}

func (m *Metrics) ToolFinished(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) Fallback(error) {
	if m == nil {
		return
	}
	m.RateLimitFallback.Inc()
}
