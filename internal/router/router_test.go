package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/livedata/internal/connection"
	"github.com/rickgao/livedata/internal/model"
)

type delivery struct {
	key    string
	fields model.Fields
}

type chanSink struct {
	ch chan delivery
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan delivery, 100)}
}

func (s *chanSink) LiveDataReceived(key string, fields model.Fields) {
	s.ch <- delivery{key: key, fields: fields}
}

func (s *chanSink) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delivery")
		return delivery{}
	}
}

func tickMessage(t *testing.T, key string, seq int64, fields map[string]any) connection.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type":         "tick",
		"sid":          7,
		"seq":          seq,
		"security_key": key,
		"fields":       fields,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return connection.RawMessage{Data: data, ReceivedAt: time.Now()}
}

func startRouter(t *testing.T, sink Sink) (chan connection.RawMessage, Router) {
	t.Helper()
	input := make(chan connection.RawMessage, 10)
	r := NewRouter(DefaultRouterConfig(), input, sink, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return input, r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefaultRouterConfig(t *testing.T) {
	cfg := DefaultRouterConfig()
	if cfg.LaneBufferSize != 64 {
		t.Errorf("LaneBufferSize = %d, want 64", cfg.LaneBufferSize)
	}
	if cfg.MaxLaneSize != 10000 {
		t.Errorf("MaxLaneSize = %d, want 10000", cfg.MaxLaneSize)
	}
}

func TestRouter_StartStop(t *testing.T) {
	input := make(chan connection.RawMessage)
	r := NewRouter(DefaultRouterConfig(), input, newChanSink(), nil)

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestRouter_DeliversTick(t *testing.T) {
	sink := newChanSink()
	input, r := startRouter(t, sink)
	r.Track("AAPL.O")

	input <- tickMessage(t, "AAPL.O", 1, map[string]any{"BID": 100.25, "ASK": 100.5})

	d := sink.next(t)
	if d.key != "AAPL.O" {
		t.Errorf("key = %s, want AAPL.O", d.key)
	}
	if d.fields["BID"] != 100.25 {
		t.Errorf("BID = %v, want 100.25", d.fields["BID"])
	}
}

func TestRouter_PerKeyOrder(t *testing.T) {
	sink := newChanSink()
	input, r := startRouter(t, sink)
	r.Track("AAPL.O")
	r.Track("MSFT.O")

	for i := 1; i <= 20; i++ {
		key := "AAPL.O"
		if i%2 == 0 {
			key = "MSFT.O"
		}
		input <- tickMessage(t, key, int64(i), map[string]any{"n": float64(i)})
	}

	last := map[string]float64{}
	for i := 0; i < 20; i++ {
		d := sink.next(t)
		n := d.fields["n"].(float64)
		if n <= last[d.key] {
			t.Fatalf("%s out of order: %v after %v", d.key, n, last[d.key])
		}
		last[d.key] = n
	}
}

func TestRouter_BadMessages(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantParse   int64
		wantUnknown int64
	}{
		{"invalid json", `{not json`, 1, 0},
		{"tick without key", `{"type":"tick","sid":1,"fields":{"BID":1}}`, 1, 0},
		{"unknown type", `{"type":"mystery"}`, 0, 1},
		{"heartbeat skipped", `{"type":"heartbeat"}`, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, r := startRouter(t, newChanSink())
			input <- connection.RawMessage{Data: []byte(tt.data)}

			waitFor(t, func() bool { return r.Stats().MessagesReceived == 1 })
			stats := r.Stats()
			if stats.ParseErrors != tt.wantParse {
				t.Errorf("ParseErrors = %d, want %d", stats.ParseErrors, tt.wantParse)
			}
			if stats.UnknownMessages != tt.wantUnknown {
				t.Errorf("UnknownMessages = %d, want %d", stats.UnknownMessages, tt.wantUnknown)
			}
			if stats.MessagesRouted != 0 {
				t.Errorf("MessagesRouted = %d, want 0", stats.MessagesRouted)
			}
		})
	}
}

func TestRouter_SeqGapCounted(t *testing.T) {
	sink := newChanSink()
	input, r := startRouter(t, sink)
	r.Track("AAPL.O")

	msg := tickMessage(t, "AAPL.O", 5, map[string]any{"BID": 1.0})
	msg.SeqGap = true
	msg.GapSize = 3
	input <- msg
	sink.next(t)

	if r.Stats().SequenceGaps != 1 {
		t.Errorf("SequenceGaps = %d, want 1", r.Stats().SequenceGaps)
	}
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []string
}

func (s *blockingSink) LiveDataReceived(key string, _ model.Fields) {
	<-s.release
	s.mu.Lock()
	s.seen = append(s.seen, key)
	s.mu.Unlock()
}

func TestRouter_DropDiscardsQueued(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	input, r := startRouter(t, sink)
	r.Track("AAPL.O")

	for i := 1; i <= 5; i++ {
		input <- tickMessage(t, "AAPL.O", int64(i), map[string]any{"BID": 1.0})
	}
	waitFor(t, func() bool { return r.Stats().MessagesRouted == 5 })

	r.Drop("AAPL.O")
	close(sink.release)

	waitFor(t, func() bool { return r.Stats().ActiveLanes == 0 })
	if got := r.Stats().TicksDropped; got < 4 {
		t.Errorf("TicksDropped = %d, want at least 4", got)
	}
}

func TestRouter_UntrackedTicksDiscarded(t *testing.T) {
	sink := newChanSink()
	input, r := startRouter(t, sink)

	// never subscribed
	input <- tickMessage(t, "IBM.N", 1, map[string]any{"BID": 1.0})
	waitFor(t, func() bool { return r.Stats().UntrackedTicks == 1 })

	// late tick after unsubscribe
	r.Track("AAPL.O")
	input <- tickMessage(t, "AAPL.O", 1, map[string]any{"BID": 1.0})
	sink.next(t)
	r.Drop("AAPL.O")
	input <- tickMessage(t, "AAPL.O", 2, map[string]any{"BID": 2.0})
	waitFor(t, func() bool { return r.Stats().UntrackedTicks == 2 })

	stats := r.Stats()
	if stats.ActiveLanes != 0 {
		t.Errorf("ActiveLanes = %d, want 0", stats.ActiveLanes)
	}
	if stats.MessagesRouted != 1 {
		t.Errorf("MessagesRouted = %d, want 1", stats.MessagesRouted)
	}
	select {
	case d := <-sink.ch:
		t.Errorf("unexpected delivery for %s", d.key)
	default:
	}
}
