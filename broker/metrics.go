package broker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels used by Metrics.
const (
	outcomeSent        = "sent"
	outcomeNoHandler   = "no_handler"
	outcomeMailboxFull = "mailbox_full"
	outcomeDelivered   = "delivered"
	outcomeFailed      = "failed"
	outcomeExpired     = "expired"
	outcomeTimeout     = "timeout"
	outcomeMatched     = "matched"
	outcomeCancelled   = "cancelled"
)

// Metrics exposes broker counters to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	messages *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	pending  prometheus.Gauge
}

// NewMetrics creates the broker collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Messages handled by the broker, partitioned by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentrelay",
			Subsystem: "broker",
			Name:      "request_duration_seconds",
			Help:      "Latency of SendRequest calls by recipient and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"recipient", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrelay",
			Subsystem: "broker",
			Name:      "pending_requests",
			Help:      "Requests currently waiting for a response.",
		}),
	}

	reg.MustRegister(m.messages, m.latency, m.pending)

	return m
}

func (m *Metrics) count(outcome string) {
	if m == nil {
		return
	}

	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observe(recipient, outcome string, d time.Duration) {
	if m == nil {
		return
	}

	m.latency.WithLabelValues(recipient, outcome).Observe(d.Seconds())
}

func (m *Metrics) pendingAdd(delta float64) {
	if m == nil {
		return
	}

	m.pending.Add(delta)
}
