package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/livedata/internal/connection"
	"github.com/rickgao/livedata/internal/model"
	"github.com/rickgao/livedata/internal/server"
)

// Router parses raw feed messages and hands ticks to a Sink. Each security
// key gets its own lane so a slow key does not hold up the others.
type Router interface {
	// Start begins routing messages from the input channel.
	Start(ctx context.Context) error

	// Stop drains lanes and shuts down.
	Stop(ctx context.Context) error

	// Track accepts ticks for a security key.
	Track(securityKey string)

	// Drop discards the lane for a security key and stops accepting its ticks.
	Drop(securityKey string)

	// Stats returns current router statistics.
	Stats() RouterStats

	// Router drops lanes as subscriptions go away.
	server.SubscriptionListener
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	SequenceGaps     int64
	TicksDropped     int64
	UntrackedTicks   int64 // ticks for keys with no live subscription
	ActiveLanes      int
}

type router struct {
	cfg    RouterConfig
	sink   Sink
	logger *slog.Logger

	input <-chan connection.RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // route loop
	lanesW sync.WaitGroup // lane workers

	mu      sync.Mutex
	tracked map[string]struct{}
	lanes   map[string]*GrowableBuffer[Tick]

	received        atomic.Int64
	routed          atomic.Int64
	parseErrors     atomic.Int64
	unknownMessages atomic.Int64
	gaps            atomic.Int64
	dropped         atomic.Int64
	untracked       atomic.Int64
}

// NewRouter creates a router reading from input and delivering to sink.
func NewRouter(cfg RouterConfig, input <-chan connection.RawMessage, sink Sink, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRouterConfig()
	if cfg.LaneBufferSize <= 0 {
		cfg.LaneBufferSize = def.LaneBufferSize
	}
	if cfg.MaxLaneSize < 0 {
		cfg.MaxLaneSize = 0
	}

	return &router{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		input:   input,
		tracked: make(map[string]struct{}),
		lanes:   make(map[string]*GrowableBuffer[Tick]),
	}
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started",
		"lane_buffer", r.cfg.LaneBufferSize,
		"max_lane", r.cfg.MaxLaneSize,
	)
	return nil
}

// Stop stops reading input and lets lanes drain.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		r.mu.Lock()
		for key, l := range r.lanes {
			l.Close()
			delete(r.lanes, key)
		}
		r.mu.Unlock()
		r.lanesW.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped", "routed", r.routed.Load())
		return nil
	case <-ctx.Done():
		return errors.New("timeout waiting for router lanes to drain")
	}
}

// Track starts accepting ticks for securityKey.
func (r *router) Track(securityKey string) {
	r.mu.Lock()
	r.tracked[securityKey] = struct{}{}
	r.mu.Unlock()
}

// Drop discards queued ticks for securityKey and stops its lane. Later ticks
// for the key are counted and discarded until it is tracked again.
func (r *router) Drop(securityKey string) {
	r.mu.Lock()
	delete(r.tracked, securityKey)
	l, ok := r.lanes[securityKey]
	if ok {
		delete(r.lanes, securityKey)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if n := l.Discard(); n > 0 {
		r.dropped.Add(int64(n))
		r.logger.Debug("discarded queued ticks", "security_key", securityKey, "count", n)
	}
}

func (r *router) Subscribed(sub *server.Subscription) {
	r.Track(sub.SecurityKey())
}

func (r *router) PersistentChanged(*server.Subscription) {}

func (r *router) Unsubscribed(sub *server.Subscription) {
	r.Drop(sub.SecurityKey())
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.Lock()
	active := len(r.lanes)
	var laneDropped int64
	for _, l := range r.lanes {
		laneDropped += l.Stats().Dropped
	}
	r.mu.Unlock()

	return RouterStats{
		MessagesReceived: r.received.Load(),
		MessagesRouted:   r.routed.Load(),
		ParseErrors:      r.parseErrors.Load(),
		UnknownMessages:  r.unknownMessages.Load(),
		SequenceGaps:     r.gaps.Load(),
		TicksDropped:     r.dropped.Load() + laneDropped,
		UntrackedTicks:   r.untracked.Load(),
		ActiveLanes:      active,
	}
}

func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

func (r *router) route(raw connection.RawMessage) {
	r.received.Add(1)

	var env messageEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		r.logger.Warn("failed to extract message type", "error", err)
		r.parseErrors.Add(1)
		return
	}

	switch env.Type {
	case "tick":
		tick, err := parseTick(raw)
		if err != nil {
			r.logger.Warn("failed to parse tick", "error", err)
			r.parseErrors.Add(1)
			return
		}
		if tick.SeqGap {
			r.gaps.Add(1)
		}
		l, ok := r.lane(tick.SecurityKey)
		if !ok {
			r.untracked.Add(1)
			r.logger.Debug("tick for untracked key", "security_key", tick.SecurityKey)
			return
		}
		if l.Send(tick) {
			r.routed.Add(1)
		}

	case "heartbeat", "status":
		r.logger.Debug("skipping message type", "type", env.Type)

	default:
		r.unknownMessages.Add(1)
		r.logger.Debug("unknown message type", "type", env.Type)
	}
}

func parseTick(raw connection.RawMessage) (Tick, error) {
	var wire tickWire
	if err := json.Unmarshal(raw.Data, &wire); err != nil {
		return Tick{}, err
	}
	if wire.SecurityKey == "" {
		return Tick{}, fmt.Errorf("tick without security_key (sid %d)", wire.SID)
	}
	return Tick{
		SecurityKey: wire.SecurityKey,
		SID:         wire.SID,
		Seq:         wire.Seq,
		Fields:      model.Fields(wire.Fields),
		ReceivedAt:  raw.ReceivedAt,
		SeqGap:      raw.SeqGap,
		GapSize:     raw.GapSize,
	}, nil
}

// lane returns the lane for a tracked key, starting its worker on first use.
func (r *router) lane(key string) (*GrowableBuffer[Tick], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.lanes[key]; ok {
		return l, true
	}
	if _, ok := r.tracked[key]; !ok {
		return nil, false
	}
	l := NewGrowableBuffer[Tick](r.cfg.LaneBufferSize, r.cfg.MaxLaneSize)
	r.lanes[key] = l

	r.lanesW.Add(1)
	go r.laneWorker(key, l)
	return l, true
}

func (r *router) laneWorker(key string, l *GrowableBuffer[Tick]) {
	defer r.lanesW.Done()

	for {
		tick, ok := l.Receive()
		if !ok {
			return
		}
		r.deliver(key, tick)
	}
}

func (r *router) deliver(key string, tick Tick) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tick delivery panicked", "security_key", key, "panic", rec)
		}
	}()
	r.sink.LiveDataReceived(key, tick.Fields)
}
