package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rickgao/livedata/internal/server"
)

type staticSource struct {
	stats server.Stats
}

func (s staticSource) Stats() server.Stats { return s.stats }

func TestMetrics_ObserverCounters(t *testing.T) {
	m := New()

	m.Distributed(server.OutcomeSent)
	m.Distributed(server.OutcomeSent)
	m.Distributed(server.OutcomeSendError)
	m.Expired()
	m.Subscribed(nil)
	m.Unsubscribed(nil)
	m.PersistentChanged(nil)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"sent", testutil.ToFloat64(m.distributed.WithLabelValues(server.OutcomeSent.String())), 2},
		{"send error", testutil.ToFloat64(m.distributed.WithLabelValues(server.OutcomeSendError.String())), 1},
		{"expired", testutil.ToFloat64(m.expirations), 1},
		{"subscribed", testutil.ToFloat64(m.events.WithLabelValues("subscribed")), 1},
		{"unsubscribed", testutil.ToFloat64(m.events.WithLabelValues("unsubscribed")), 1},
		{"persistent changed", testutil.ToFloat64(m.events.WithLabelValues("persistent_changed")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RegisterServer(staticSource{stats: server.Stats{
		Status:              server.StatusConnected,
		ActiveSubscriptions: 3,
		UpdatesReceived:     42,
	}})
	m.RegisterCounterFunc("heartbeats_total", "Heartbeats received.", func() float64 { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"livedata_active_subscriptions 3",
		"livedata_updates_received_total 42",
		"livedata_feed_connected 1",
		"livedata_heartbeats_total 7",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
