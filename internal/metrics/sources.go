package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/livedata/internal/server"
)

// ServerSource is the part of the server read at scrape time.
type ServerSource interface {
	Stats() server.Stats
}

// RegisterServer adds gauges and counters read from the server on scrape.
func (m *Metrics) RegisterServer(src ServerSource) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Subscriptions currently held on the feed.",
		}, func() float64 { return float64(src.Stats().ActiveSubscriptions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persistent_subscriptions",
			Help:      "Subscriptions exempt from heartbeat expiry.",
		}, func() float64 { return float64(src.Stats().PersistentSubscriptions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "distributors",
			Help:      "Distribution targets across all subscriptions.",
		}, func() float64 { return float64(src.Stats().Distributors) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_received_total",
			Help:      "Raw ticks received from the feed.",
		}, func() float64 { return float64(src.Stats().UpdatesReceived) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "updates_per_second",
			Help:      "Average tick rate over the last minute.",
		}, func() float64 { return src.Stats().UpdatesPerSecond }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connected",
			Help:      "1 when the upstream feed is connected.",
		}, func() float64 {
			if src.Stats().Status == server.StatusConnected {
				return 1
			}
			return 0
		}),
	)
}

// RegisterCounterFunc adds a counter read from fn on scrape, used for stats
// kept by other components (router drops, heartbeats, persistence writes).
func (m *Metrics) RegisterCounterFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// RegisterGaugeFunc adds a gauge read from fn on scrape.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
