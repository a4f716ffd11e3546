package chatservice

import (
	"github.com/contenox/tablechat/chatstore"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the relay counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DurableFailures *prometheus.CounterVec
	FallbackReads   prometheus.Counter
	Appended        *prometheus.CounterVec
}

// NewMetrics creates the relay counters and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DurableFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablechat_durable_failures_total",
			Help: "Durable store operations that failed or were skipped by the open breaker.",
		}, []string{"op"}),
		FallbackReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tablechat_fallback_reads_total",
			Help: "Conversation reads served from the volatile store.",
		}),
		Appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablechat_messages_appended_total",
			Help: "Messages accepted by the relay.",
		}, []string{"sender"}),
	}
	if reg != nil {
		reg.MustRegister(m.DurableFailures, m.FallbackReads, m.Appended)
	}
	return m
}

func (m *Metrics) durableFailure(op string) {
	if m == nil {
		return
	}
	m.DurableFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) fallbackRead() {
	if m == nil {
		return
	}
	m.FallbackReads.Inc()
}

func (m *Metrics) appended(sender chatstore.Sender) {
	if m == nil {
		return
	}
	m.Appended.WithLabelValues(string(sender)).Inc()
}
