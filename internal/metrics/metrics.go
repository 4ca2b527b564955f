package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	OrdersCreated      *prometheus.CounterVec
	PaymentTransitions *prometheus.CounterVec
	ProviderCalls      *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	OutboxPublished    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Tests pass a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "orders_created_total",
			Help:      "Orders created, by payment method.",
		}, []string{"method"}),
		PaymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "payment_transitions_total",
			Help:      "Payment status transitions applied.",
		}, []string{"from", "to", "source"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "provider_calls_total",
			Help:      "Payment provider calls by operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkout",
			Name:      "provider_call_duration_seconds",
			Help:      "Payment provider call latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		}, []string{"provider", "op"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "outbox_published_total",
			Help:      "Outbox relay publish attempts by outcome.",
		}, []string{"outcome"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.OrdersCreated,
		m.PaymentTransitions,
		m.ProviderCalls,
		m.ProviderLatency,
		m.OutboxPublished,
	)
	return m
}

// ObserveProviderCall records one provider round trip.
func (m *Metrics) ObserveProviderCall(provider, op, outcome string, started time.Time) {
	m.ProviderCalls.WithLabelValues(provider, op, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider, op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
