package utils

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service's Prometheus collectors. Each instance registers
// on its own registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	providerCalls *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Booking lifecycle transitions persisted, by source and target state.",
		}, []string{"from", "to"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook events by provider, type and handling result.",
		}, []string{"provider", "type", "result"}),
		providerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_call_seconds",
			Help:    "Latency of outbound calls to scheduling and payment providers.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation", "outcome"}),
	}
	m.Registry.MustRegister(
		m.transitions,
		m.webhookEvents,
		m.providerCalls,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTransition counts one persisted hop. Safe on a nil receiver.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveWebhook(provider, eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, eventType, result).Inc()
}

func (m *Metrics) ObserveProviderCall(provider, operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerCalls.WithLabelValues(provider, operation, outcome).Observe(time.Since(started).Seconds())
}
