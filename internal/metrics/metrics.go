package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/livedata/internal/server"
)

const namespace = "livedata"

// Metrics holds the collectors and the registry they are registered on.
// It implements server.Observer and server.SubscriptionListener.
type Metrics struct {
	reg *prometheus.Registry

	distributed *prometheus.CounterVec
	events      *prometheus.CounterVec
	expirations prometheus.Counter
}

// New creates a registry with the process and Go runtime collectors plus the
// server's event counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	m := &Metrics{
		reg: reg,
		distributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_distributed_total",
			Help:      "Ticks handled by distributors, by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Subscription table changes, by event.",
		}, []string{"event"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_expired_total",
			Help:      "Ephemeral subscriptions removed after their heartbeat timeout.",
		}),
	}
	reg.MustRegister(m.distributed, m.events, m.expirations)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Distributed implements server.Observer.
func (m *Metrics) Distributed(outcome server.Outcome) {
	m.distributed.WithLabelValues(outcome.String()).Inc()
}

// Expired implements server.Observer.
func (m *Metrics) Expired() {
	m.expirations.Inc()
}

// Subscribed implements server.SubscriptionListener.
func (m *Metrics) Subscribed(*server.Subscription) {
	m.events.WithLabelValues("subscribed").Inc()
}

// Unsubscribed implements server.SubscriptionListener.
func (m *Metrics) Unsubscribed(*server.Subscription) {
	m.events.WithLabelValues("unsubscribed").Inc()
}

// PersistentChanged implements server.SubscriptionListener.
func (m *Metrics) PersistentChanged(*server.Subscription) {
	m.events.WithLabelValues("persistent_changed").Inc()
}
