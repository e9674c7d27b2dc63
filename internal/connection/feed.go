package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/livedata/internal/model"
)

// SnapshotSource provides point-in-time images of security keys.
type SnapshotSource interface {
	GetSnapshots(ctx context.Context, keys []string) (map[string]map[string]any, error)
}

// ReconnectFunc is called after the feed reconnects. It returns the number
// of subscriptions re-established.
type ReconnectFunc func(ctx context.Context) int

// FeedStats provides statistics about the feed.
type FeedStats struct {
	Connected     bool
	Subscriptions int
	Reconnects    int64
	SequenceGaps  int64
	Dropped       int64
}

// connState holds the state for the live connection.
type connState struct {
	client Client

	pendingMu sync.Mutex
	pending   map[int64]chan Response
	cmdID     atomic.Int64
}

func newConnState(c Client) *connState {
	return &connState{client: c, pending: make(map[int64]chan Response)}
}

// routeResponse hands a response to the waiting command.
func (c *connState) routeResponse(resp Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// Feed is the upstream market data feed. It satisfies the server's feed,
// connector and snapshot-on-subscribe contracts.
type Feed struct {
	cfg       FeedConfig
	snapshots SnapshotSource
	logger    *slog.Logger

	out chan RawMessage

	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.RWMutex
	conn   *connState

	subsMu sync.RWMutex
	subs   map[int64]*Subscription // SID -> subscription

	seqMu   sync.Mutex
	lastSeq map[int64]int64 // SID -> last sequence number

	onReconnect atomic.Pointer[ReconnectFunc]

	reconnects atomic.Int64
	gaps       atomic.Int64
	dropped    atomic.Int64
}

// NewFeed creates a feed. snapshots may be nil.
func NewFeed(cfg FeedConfig, snapshots SnapshotSource, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultFeedConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = def.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = def.ReconnectMaxWait
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = def.MessageBufferSize
	}

	return &Feed{
		cfg:       cfg,
		snapshots: snapshots,
		logger:    logger,
		out:       make(chan RawMessage, cfg.MessageBufferSize),
		subs:      make(map[int64]*Subscription),
		lastSeq:   make(map[int64]int64),
	}
}

// Scheme returns the native identification scheme of the feed.
func (f *Feed) Scheme() string {
	return f.cfg.Scheme
}

// Messages returns the channel of data messages for the Router.
func (f *Feed) Messages() <-chan RawMessage {
	return f.out
}

// OnReconnect registers the callback run after a reconnect.
func (f *Feed) OnReconnect(fn ReconnectFunc) {
	f.onReconnect.Store(&fn)
}

// SnapshotOnSubscribe reports whether new subscriptions need an initial image.
func (f *Feed) SnapshotOnSubscribe() bool {
	return f.cfg.SnapshotOnSubscribe && f.snapshots != nil
}

// Connect dials upstream and starts reading. The connection outlives ctx,
// which only bounds the dial.
func (f *Feed) Connect(ctx context.Context) error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	if f.cancel != nil {
		return nil
	}

	c := NewClient(f.cfg.Client, f.logger.With("url", f.cfg.Client.URL))
	if err := c.Connect(ctx); err != nil {
		return err
	}

	f.ctx, f.cancel = context.WithCancel(context.WithoutCancel(ctx))
	conn := newConnState(c)
	f.setConn(conn)

	f.wg.Add(1)
	go f.readLoop(conn)

	f.logger.Info("feed connected", "url", f.cfg.Client.URL, "scheme", f.cfg.Scheme)
	return nil
}

// Disconnect closes the connection and forgets all upstream subscriptions.
func (f *Feed) Disconnect() error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()

	if f.cancel == nil {
		return nil
	}
	f.cancel()

	if conn := f.getConn(); conn != nil {
		conn.client.Close()
	}
	f.wg.Wait()

	f.cancel = nil
	f.setConn(nil)
	f.resetSubscriptions()

	f.logger.Info("feed disconnected")
	return nil
}

// Stop disconnects and closes the message channel.
func (f *Feed) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- f.Disconnect() }()

	select {
	case err := <-done:
		close(f.out)
		return err
	case <-ctx.Done():
		return errors.New("timeout waiting for feed to stop")
	}
}

// Stats returns current statistics.
func (f *Feed) Stats() FeedStats {
	conn := f.getConn()

	f.subsMu.RLock()
	n := len(f.subs)
	f.subsMu.RUnlock()

	return FeedStats{
		Connected:     conn != nil && conn.client.IsConnected(),
		Subscriptions: n,
		Reconnects:    f.reconnects.Load(),
		SequenceGaps:  f.gaps.Load(),
		Dropped:       f.dropped.Load(),
	}
}

func (f *Feed) getConn() *connState {
	f.connMu.RLock()
	defer f.connMu.RUnlock()
	return f.conn
}

func (f *Feed) setConn(c *connState) {
	f.connMu.Lock()
	f.conn = c
	f.connMu.Unlock()
}

func (f *Feed) resetSubscriptions() {
	f.subsMu.Lock()
	f.subs = make(map[int64]*Subscription)
	f.subsMu.Unlock()

	f.seqMu.Lock()
	f.lastSeq = make(map[int64]int64)
	f.seqMu.Unlock()
}

// Subscribe subscribes a security key upstream. The returned handle is a
// *Subscription.
func (f *Feed) Subscribe(ctx context.Context, securityKey string) (any, error) {
	resp, err := f.command(ctx, "subscribe", SubscribeParams{SecurityKey: securityKey})
	if err != nil {
		return nil, err
	}

	var msg SubscribedMsg
	if err := json.Unmarshal(resp.Msg, &msg); err != nil {
		return nil, fmt.Errorf("decode subscribed response: %w", err)
	}

	sub := &Subscription{SID: msg.SID, SecurityKey: securityKey, SubscribedAt: time.Now()}
	f.subsMu.Lock()
	f.subs[msg.SID] = sub
	f.subsMu.Unlock()

	f.logger.Debug("subscribed", "security_key", securityKey, "sid", msg.SID)
	return sub, nil
}

// Unsubscribe cancels an upstream subscription.
func (f *Feed) Unsubscribe(ctx context.Context, handle any) error {
	sub, ok := handle.(*Subscription)
	if !ok || sub == nil {
		return fmt.Errorf("%w: %T", ErrInvalidHandle, handle)
	}

	f.subsMu.Lock()
	delete(f.subs, sub.SID)
	f.subsMu.Unlock()

	f.seqMu.Lock()
	delete(f.lastSeq, sub.SID)
	f.seqMu.Unlock()

	if _, err := f.command(ctx, "unsubscribe", UnsubscribeParams{SIDs: []int64{sub.SID}}); err != nil {
		return err
	}
	f.logger.Debug("unsubscribed", "security_key", sub.SecurityKey, "sid", sub.SID)
	return nil
}

// Snapshot fetches current images for keys from the snapshot source.
func (f *Feed) Snapshot(ctx context.Context, keys []string) (map[string]model.Fields, error) {
	if f.snapshots == nil {
		return nil, ErrNoSnapshotSource
	}
	raw, err := f.snapshots.GetSnapshots(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	out := make(map[string]model.Fields, len(raw))
	for k, v := range raw {
		out[k] = model.Fields(v)
	}
	return out, nil
}

// command sends a command and waits for its correlated response.
func (f *Feed) command(ctx context.Context, name string, params any) (Response, error) {
	conn := f.getConn()
	if conn == nil {
		return Response{}, ErrNotConnected
	}

	id := conn.cmdID.Add(1)
	respCh := make(chan Response, 1)

	conn.pendingMu.Lock()
	conn.pending[id] = respCh
	conn.pendingMu.Unlock()

	defer func() {
		conn.pendingMu.Lock()
		delete(conn.pending, id)
		conn.pendingMu.Unlock()
	}()

	data, err := json.Marshal(Command{ID: id, Cmd: name, Params: params})
	if err != nil {
		return Response{}, err
	}
	if err := conn.client.Send(data); err != nil {
		return Response{}, err
	}

	timer := time.NewTimer(f.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-timer.C:
		return Response{}, ErrTimeout
	case resp := <-respCh:
		if resp.Type == "error" {
			var msg ErrorMsg
			_ = json.Unmarshal(resp.Msg, &msg)
			return Response{}, fmt.Errorf("%w: %s: %s", ErrSubscriptionFailed, msg.Code, msg.Message)
		}
		return resp, nil
	}
}

// readLoop reads messages from a connection, routing responses to waiting
// commands and data to the Router.
func (f *Feed) readLoop(conn *connState) {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return

		case err := <-conn.client.Errors():
			f.logger.Warn("connection error", "error", err)
			f.wg.Add(1)
			go f.reconnect(conn)
			return

		case msg := <-conn.client.Messages():
			if resp, ok := tryParseResponse(msg.Data); ok {
				conn.routeResponse(resp)
				continue
			}

			var seqGap bool
			var gapSize int
			if sid, seq, ok := extractSequence(msg.Data); ok {
				seqGap, gapSize = f.checkSequence(sid, seq)
			}

			raw := RawMessage{
				Data:       msg.Data,
				ReceivedAt: msg.ReceivedAt,
				SeqGap:     seqGap,
				GapSize:    gapSize,
			}
			select {
			case f.out <- raw:
			case <-f.ctx.Done():
				return
			default:
				f.dropped.Add(1)
				f.logger.Warn("message buffer full, dropping")
			}
		}
	}
}

// tryParseResponse attempts to parse a message as a command response.
func tryParseResponse(data []byte) (Response, bool) {
	if !bytes.Contains(data, []byte(`"id":`)) {
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == 0 {
		return Response{}, false
	}

	switch resp.Type {
	case "subscribed", "unsubscribed", "error", "ok":
		return resp, true
	}
	return Response{}, false
}

// extractSequence extracts SID and sequence number from a data message.
func extractSequence(data []byte) (sid, seq int64, ok bool) {
	var msg DataMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Seq == 0 {
		return 0, 0, false
	}
	return msg.SID, msg.Seq, true
}

// checkSequence checks for sequence gaps and returns gap info.
func (f *Feed) checkSequence(sid, seq int64) (seqGap bool, gapSize int) {
	f.seqMu.Lock()
	defer f.seqMu.Unlock()

	last, exists := f.lastSeq[sid]
	f.lastSeq[sid] = seq
	if !exists || seq == last+1 {
		return false, 0
	}

	gap := int(seq - last - 1)
	f.gaps.Add(1)
	f.logger.Warn("sequence gap detected",
		"sid", sid,
		"expected", last+1,
		"got", seq,
		"gap", gap,
	)
	return true, gap
}

// reconnect replaces a failed connection, retrying with exponential backoff,
// then asks the owner to re-establish subscriptions.
func (f *Feed) reconnect(old *connState) {
	defer f.wg.Done()

	old.client.Close()
	f.resetSubscriptions()

	wait := f.cfg.ReconnectBaseWait
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(wait):
		}

		f.logger.Info("attempting reconnection", "url", f.cfg.Client.URL)

		c := NewClient(f.cfg.Client, f.logger.With("url", f.cfg.Client.URL))
		if err := c.Connect(f.ctx); err != nil {
			f.logger.Warn("reconnection failed", "error", err, "retry_in", wait)
			wait = min(wait*2, f.cfg.ReconnectMaxWait)
			continue
		}

		conn := newConnState(c)
		f.setConn(conn)
		f.reconnects.Add(1)

		f.wg.Add(1)
		go f.readLoop(conn)

		n := 0
		if fn := f.onReconnect.Load(); fn != nil {
			n = (*fn)(f.ctx)
		}
		f.logger.Info("reconnected", "reestablished", n)
		return
	}
}
