package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// upstream is a scripted market data source.
type upstream struct {
	mu        sync.Mutex
	nextSID   int64
	conns     int
	reject    map[string]bool
	silent    bool
	dropFirst bool
	commands  []string
}

func (u *upstream) handle(conn *websocket.Conn) {
	u.mu.Lock()
	u.conns++
	n := u.conns
	u.mu.Unlock()

	if u.dropFirst && n == 1 {
		time.Sleep(50 * time.Millisecond)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			ID     int64           `json:"id"`
			Cmd    string          `json:"cmd"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}

		u.mu.Lock()
		u.commands = append(u.commands, cmd.Cmd)
		silent := u.silent
		u.mu.Unlock()
		if silent {
			continue
		}

		switch cmd.Cmd {
		case "subscribe":
			var p SubscribeParams
			json.Unmarshal(cmd.Params, &p)
			if u.reject[p.SecurityKey] {
				writeJSON(conn, fmt.Sprintf(`{"id":%d,"type":"error","msg":{"code":"unknown_instrument","message":"%s"}}`, cmd.ID, p.SecurityKey))
				continue
			}
			u.mu.Lock()
			u.nextSID++
			sid := u.nextSID
			u.mu.Unlock()

			writeJSON(conn, fmt.Sprintf(`{"id":%d,"type":"subscribed","msg":{"sid":%d,"security_key":"%s"}}`, cmd.ID, sid, p.SecurityKey))
			writeJSON(conn, fmt.Sprintf(`{"type":"tick","sid":%d,"seq":1,"security_key":"%s","fields":{"BID":100.5}}`, sid, p.SecurityKey))
			if p.SecurityKey == "GAP.N" {
				writeJSON(conn, fmt.Sprintf(`{"type":"tick","sid":%d,"seq":3,"security_key":"%s","fields":{"BID":101}}`, sid, p.SecurityKey))
			}

		case "unsubscribe":
			var p UnsubscribeParams
			json.Unmarshal(cmd.Params, &p)
			writeJSON(conn, fmt.Sprintf(`{"id":%d,"type":"unsubscribed","msg":{"sids":[%d]}}`, cmd.ID, p.SIDs[0]))
		}
	}
}

func writeJSON(conn *websocket.Conn, s string) {
	conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func startFeed(t *testing.T, up *upstream, mutate func(*FeedConfig)) (*Feed, *httptest.Server) {
	t.Helper()
	server := mockWSServer(t, up.handle)
	t.Cleanup(server.Close)

	cfg := DefaultFeedConfig()
	cfg.Scheme = "RIC"
	cfg.Client = testClientConfig(wsURL(server))
	cfg.CommandTimeout = time.Second
	cfg.ReconnectBaseWait = 10 * time.Millisecond
	cfg.MessageBufferSize = 100
	if mutate != nil {
		mutate(&cfg)
	}

	feed := NewFeed(cfg, nil, nil)
	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		feed.Stop(ctx)
	})
	return feed, server
}

func nextMessage(t *testing.T, feed *Feed) RawMessage {
	t.Helper()
	select {
	case msg := <-feed.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for data message")
		return RawMessage{}
	}
}

func TestFeed_SubscribeForwardsTicks(t *testing.T) {
	feed, _ := startFeed(t, &upstream{}, nil)

	h, err := feed.Subscribe(context.Background(), "AAPL.O")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub, ok := h.(*Subscription)
	if !ok || sub.SID != 1 || sub.SecurityKey != "AAPL.O" {
		t.Fatalf("handle = %#v", h)
	}

	msg := nextMessage(t, feed)
	var tick struct {
		Type        string `json:"type"`
		SecurityKey string `json:"security_key"`
	}
	if err := json.Unmarshal(msg.Data, &tick); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tick.Type != "tick" || tick.SecurityKey != "AAPL.O" {
		t.Errorf("tick = %+v", tick)
	}

	if feed.Stats().Subscriptions != 1 {
		t.Errorf("Subscriptions = %d, want 1", feed.Stats().Subscriptions)
	}
	if feed.Scheme() != "RIC" {
		t.Errorf("Scheme = %s", feed.Scheme())
	}
}

func TestFeed_SubscribeRejected(t *testing.T) {
	feed, _ := startFeed(t, &upstream{reject: map[string]bool{"BAD.N": true}}, nil)

	_, err := feed.Subscribe(context.Background(), "BAD.N")
	if !errors.Is(err, ErrSubscriptionFailed) {
		t.Errorf("error = %v, want ErrSubscriptionFailed", err)
	}
}

func TestFeed_Unsubscribe(t *testing.T) {
	up := &upstream{}
	feed, _ := startFeed(t, up, nil)
	ctx := context.Background()

	h, err := feed.Subscribe(ctx, "AAPL.O")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := feed.Unsubscribe(ctx, h); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if feed.Stats().Subscriptions != 0 {
		t.Errorf("Subscriptions = %d, want 0", feed.Stats().Subscriptions)
	}
	if err := feed.Unsubscribe(ctx, "not-a-handle"); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("error = %v, want ErrInvalidHandle", err)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.commands) != 2 || up.commands[1] != "unsubscribe" {
		t.Errorf("commands = %v", up.commands)
	}
}

func TestFeed_CommandTimeout(t *testing.T) {
	feed, _ := startFeed(t, &upstream{silent: true}, func(c *FeedConfig) {
		c.CommandTimeout = 50 * time.Millisecond
	})

	_, err := feed.Subscribe(context.Background(), "AAPL.O")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestFeed_NotConnected(t *testing.T) {
	feed := NewFeed(DefaultFeedConfig(), nil, nil)
	if _, err := feed.Subscribe(context.Background(), "AAPL.O"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestFeed_SequenceGap(t *testing.T) {
	feed, _ := startFeed(t, &upstream{}, nil)

	if _, err := feed.Subscribe(context.Background(), "GAP.N"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	first := nextMessage(t, feed)
	if first.SeqGap {
		t.Error("first message should not be a gap")
	}
	second := nextMessage(t, feed)
	if !second.SeqGap || second.GapSize != 1 {
		t.Errorf("gap = %v/%d, want true/1", second.SeqGap, second.GapSize)
	}
	if feed.Stats().SequenceGaps != 1 {
		t.Errorf("SequenceGaps = %d, want 1", feed.Stats().SequenceGaps)
	}
}

func TestFeed_ReconnectReestablishes(t *testing.T) {
	feed, _ := startFeed(t, &upstream{dropFirst: true}, nil)

	done := make(chan error, 1)
	feed.OnReconnect(func(ctx context.Context) int {
		_, err := feed.Subscribe(ctx, "AAPL.O")
		done <- err
		if err != nil {
			return 0
		}
		return 1
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("resubscribe after reconnect failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect callback not called")
	}

	stats := feed.Stats()
	if stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}
	if !stats.Connected {
		t.Error("feed should be connected")
	}
}

type fakeSnapshots struct {
	data map[string]map[string]any
	err  error
}

func (f fakeSnapshots) GetSnapshots(_ context.Context, keys []string) (map[string]map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]map[string]any)
	for _, k := range keys {
		if v, ok := f.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func TestFeed_Snapshot(t *testing.T) {
	ctx := context.Background()

	bare := NewFeed(FeedConfig{SnapshotOnSubscribe: true}, nil, nil)
	if _, err := bare.Snapshot(ctx, []string{"AAPL.O"}); !errors.Is(err, ErrNoSnapshotSource) {
		t.Errorf("error = %v, want ErrNoSnapshotSource", err)
	}
	if bare.SnapshotOnSubscribe() {
		t.Error("SnapshotOnSubscribe needs a source")
	}

	src := fakeSnapshots{data: map[string]map[string]any{"AAPL.O": {"BID": 100.0}}}
	feed := NewFeed(FeedConfig{SnapshotOnSubscribe: true}, src, nil)
	if !feed.SnapshotOnSubscribe() {
		t.Error("SnapshotOnSubscribe should be enabled")
	}

	got, err := feed.Snapshot(ctx, []string{"AAPL.O", "NONE.N"})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(got) != 1 || got["AAPL.O"]["BID"] != 100.0 {
		t.Errorf("snapshot = %v", got)
	}

	failing := NewFeed(FeedConfig{}, fakeSnapshots{err: errors.New("down")}, nil)
	if _, err := failing.Snapshot(ctx, []string{"AAPL.O"}); err == nil {
		t.Error("expected error from failing source")
	}
}
