package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livedata/internal/entitlement"
	"github.com/rickgao/livedata/internal/model"
	"github.com/rickgao/livedata/internal/normalization"
	"github.com/rickgao/livedata/internal/resolver"
)

// Dependencies are the collaborators of a Server. Only Feed is required.
type Dependencies struct {
	Feed                 Feed
	SpecResolver         resolver.SpecResolver
	DistributionResolver resolver.DistributionResolver
	Entitlement          entitlement.Checker
	RuleSets             RuleSets
	Senders              []MarketDataSender
	Observer             Observer
}

// Server owns the subscription table.
type Server struct {
	cfg         Config
	feed        Feed
	specs       resolver.SpecResolver
	dists       resolver.DistributionResolver
	entitlement entitlement.Checker
	ruleSets    RuleSets
	senders     []MarketDataSender
	observer    Observer
	logger      *slog.Logger

	// mu serializes structural changes. byKey and byFQ are written only
	// under mu and always agree on membership; readers do not lock.
	mu        sync.Mutex
	byKey     sync.Map // security key -> *Subscription
	byFQ      sync.Map // fully qualified spec key -> *MarketDataDistributor
	active    atomic.Int64
	listeners []SubscriptionListener

	connected atomic.Bool
	updates   atomic.Int64
	rate      rateCounter
}

// New creates a Server. The server starts NOT_CONNECTED; call Connect.
func New(cfg Config, deps Dependencies, logger *slog.Logger) (*Server, error) {
	if deps.Feed == nil {
		return nil, errors.New("feed is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultConfig()
	if cfg.TimeoutExtension <= 0 {
		cfg.TimeoutExtension = def.TimeoutExtension
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	if deps.RuleSets == nil {
		deps.RuleSets = normalization.NewRegistry("")
	}
	if deps.SpecResolver == nil {
		rs, _ := deps.RuleSets.(resolver.RuleSets)
		deps.SpecResolver = resolver.NewDomainResolver(deps.Feed.Scheme(), rs)
	}
	if deps.DistributionResolver == nil {
		deps.DistributionResolver = resolver.NaiveResolver{}
	}
	if deps.Entitlement == nil {
		deps.Entitlement = entitlement.Permissive{}
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}

	return &Server{
		cfg:         cfg,
		feed:        deps.Feed,
		specs:       deps.SpecResolver,
		dists:       deps.DistributionResolver,
		entitlement: deps.Entitlement,
		ruleSets:    deps.RuleSets,
		senders:     deps.Senders,
		observer:    deps.Observer,
		logger:      logger,
	}, nil
}

// AddListener registers a subscription listener.
func (s *Server) AddListener(l SubscriptionListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Scheme returns the feed's native identification scheme.
func (s *Server) Scheme() string {
	return s.feed.Scheme()
}

// TimeoutExtension returns how far a heartbeat extends expiry.
func (s *Server) TimeoutExtension() time.Duration {
	return s.cfg.TimeoutExtension
}

// Subscribe resolves spec and ensures a live subscription exists for it.
// An existing ephemeral subscription is promoted when persistent is true; a
// persistent one is never demoted.
func (s *Server) Subscribe(ctx context.Context, spec model.LiveDataSpec, persistent bool) (model.DistributionSpec, error) {
	fq, key, err := s.resolve(ctx, spec)
	if err != nil {
		return model.DistributionSpec{}, err
	}
	return s.subscribeResolved(ctx, fq, key, persistent)
}

// SubscribeKey subscribes to a native security key with the default rule set.
func (s *Server) SubscribeKey(ctx context.Context, securityKey string, persistent bool) (model.DistributionSpec, error) {
	return s.Subscribe(ctx, model.NewLiveDataSpec("", model.NewExternalID(s.feed.Scheme(), securityKey)), persistent)
}

func (s *Server) resolve(ctx context.Context, requested model.LiveDataSpec) (model.LiveDataSpec, string, error) {
	fq, err := s.specs.Resolve(ctx, requested)
	if err != nil {
		return model.LiveDataSpec{}, "", fmt.Errorf("%w: %v", ErrResolution, err)
	}
	key, ok := fq.Identifier(s.feed.Scheme())
	if !ok {
		return model.LiveDataSpec{}, "", fmt.Errorf("%w: %v has no %s identifier", ErrResolution, fq, s.feed.Scheme())
	}
	return fq, key, nil
}

func (s *Server) subscribeResolved(ctx context.Context, fq model.LiveDataSpec, key string, persistent bool) (model.DistributionSpec, error) {
	ds, err := s.dists.Resolve(fq)
	if err != nil {
		return model.DistributionSpec{}, fmt.Errorf("%w: distribution for %v: %v", ErrResolution, fq, err)
	}
	ruleSet, ok := s.ruleSets.Get(fq.RuleSetID())
	if !ok {
		return model.DistributionSpec{}, fmt.Errorf("%w: %q", ErrNoRuleSet, fq.RuleSetID())
	}
	if !s.Connected() {
		return model.DistributionSpec{}, ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.distributorFor(fq); d != nil {
		s.touchLocked(d.sub, persistent)
		return d.spec, nil
	}

	if sub := s.subscriptionFor(key); sub != nil {
		d := s.newDistributor(sub, fq, ds, ruleSet)
		sub.addDistributor(d)
		s.byFQ.Store(fq.Key(), d)
		s.touchLocked(sub, persistent)
		s.logger.Info("added distributor", "security_key", key, "address", ds.Address)
		return ds, nil
	}

	now := s.cfg.Now()
	sub := newSubscription(key, persistent, now)
	sub.expiry.Store(now.Add(s.cfg.TimeoutExtension).UnixNano())
	d := s.newDistributor(sub, fq, ds, ruleSet)
	sub.addDistributor(d)

	// Publish before the feed call so ticks arriving right after it are
	// not dropped; roll back on failure.
	s.byKey.Store(key, sub)
	s.byFQ.Store(fq.Key(), d)

	handle, err := s.feed.Subscribe(ctx, key)
	if err != nil {
		s.byKey.CompareAndDelete(key, sub)
		s.byFQ.CompareAndDelete(fq.Key(), d)
		s.logger.Warn("feed subscribe failed", "security_key", key, "error", err)
		return model.DistributionSpec{}, fmt.Errorf("%w: %s: %v", ErrFeedConnect, key, err)
	}
	sub.setHandle(handle)
	s.active.Add(1)

	s.seedHistory(ctx, sub)
	s.notifyLocked("subscribed", sub, func(l SubscriptionListener) { l.Subscribed(sub) })

	s.logger.Info("subscribed",
		"security_key", key,
		"address", ds.Address,
		"persistent", persistent,
	)
	return ds, nil
}

func (s *Server) newDistributor(sub *Subscription, fq model.LiveDataSpec, ds model.DistributionSpec, rs *normalization.RuleSet) *MarketDataDistributor {
	return &MarketDataDistributor{
		spec:           ds,
		fullyQualified: fq,
		sub:            sub,
		ruleSet:        rs,
		senders:        s.senders,
		observer:       s.observer,
		sendTimeout:    s.cfg.SendTimeout,
		now:            s.cfg.Now,
		logger:         s.logger.With("address", ds.Address),
	}
}

// touchLocked applies a repeated subscribe to an existing subscription.
func (s *Server) touchLocked(sub *Subscription, persistent bool) {
	if persistent && !sub.IsPersistent() {
		sub.persistent.Store(true)
		s.logger.Info("subscription promoted to persistent", "security_key", sub.securityKey)
		s.notifyLocked("persistent_changed", sub, func(l SubscriptionListener) { l.PersistentChanged(sub) })
		return
	}
	if !sub.IsPersistent() {
		sub.extendTo(s.cfg.Now().Add(s.cfg.TimeoutExtension))
	}
}

// seedHistory takes an initial image for feeds that do not send one.
func (s *Server) seedHistory(ctx context.Context, sub *Subscription) {
	so, ok := s.feed.(SnapshotOnSubscribe)
	if !ok || !so.SnapshotOnSubscribe() {
		return
	}
	snaps, err := s.feed.Snapshot(ctx, []string{sub.securityKey})
	if err != nil {
		s.logger.Warn("initial snapshot failed", "security_key", sub.securityKey, "error", err)
		return
	}
	raw, ok := snaps[sub.securityKey]
	if !ok {
		return
	}
	for _, d := range sub.Distributors() {
		d.UpdateFieldHistory(raw)
	}
}

// Unsubscribe removes the subscription for securityKey. It returns false when
// there is no such subscription or a listener vetoed the removal.
func (s *Server) Unsubscribe(ctx context.Context, securityKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.subscriptionFor(securityKey)
	if sub == nil {
		s.logger.Warn("unsubscribe request for non-active subscription", "security_key", securityKey)
		return false
	}
	return s.removeLocked(ctx, sub, "unsubscribe", true)
}

// UnsubscribeSpec removes the subscription serving a fully qualified spec.
func (s *Server) UnsubscribeSpec(ctx context.Context, fq model.LiveDataSpec) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.distributorFor(fq)
	if d == nil {
		s.logger.Warn("unsubscribe request for non-active specification", "spec", fq.String())
		return false
	}
	return s.removeLocked(ctx, d.sub, "unsubscribe", true)
}

// removeLocked drops sub from both indices. When honorGuards is set a
// listener may veto the removal.
func (s *Server) removeLocked(ctx context.Context, sub *Subscription, reason string, honorGuards bool) bool {
	if honorGuards {
		for _, l := range s.listeners {
			if g, ok := l.(UnsubscribeGuard); ok && !g.AllowUnsubscribe(sub) {
				s.logger.Info("unsubscribe vetoed by listener", "security_key", sub.securityKey, "reason", reason)
				return false
			}
		}
	}

	sub.persistent.Store(false)

	if h := sub.getHandle(); h != nil {
		if err := s.feed.Unsubscribe(ctx, h); err != nil {
			s.logger.Warn("feed unsubscribe failed", "security_key", sub.securityKey, "error", err)
		}
		sub.setHandle(nil)
	}

	if !s.byKey.CompareAndDelete(sub.securityKey, sub) {
		return false
	}
	for _, d := range sub.Distributors() {
		s.byFQ.CompareAndDelete(d.fullyQualified.Key(), d)
	}
	s.active.Add(-1)

	s.notifyLocked("unsubscribed", sub, func(l SubscriptionListener) { l.Unsubscribed(sub) })
	s.logger.Info("unsubscribed", "security_key", sub.securityKey, "reason", reason)
	return true
}

// ChangePersistent sets the persistent flag. It returns false when there is
// no subscription or the flag already has the requested value.
func (s *Server) ChangePersistent(securityKey string, persistent bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.subscriptionFor(securityKey)
	if sub == nil || sub.IsPersistent() == persistent {
		return false
	}

	sub.persistent.Store(persistent)
	if !persistent {
		sub.expiry.Store(s.cfg.Now().Add(s.cfg.TimeoutExtension).UnixNano())
	}

	s.notifyLocked("persistent_changed", sub, func(l SubscriptionListener) { l.PersistentChanged(sub) })
	s.logger.Info("persistence changed", "security_key", securityKey, "persistent", persistent)
	return true
}

// LiveDataReceived routes a raw tick to the subscription's distributors.
func (s *Server) LiveDataReceived(securityKey string, raw model.Fields) {
	s.updates.Add(1)
	s.rate.hit(s.cfg.Now())

	sub := s.subscriptionFor(securityKey)
	if sub == nil {
		s.logger.Warn("data received for unknown security key", "security_key", securityKey)
		return
	}
	sub.liveDataReceived(raw)
}

// SubscriptionRequestMade serves a batch request. Items are independent:
// each gets its own response, in request order.
func (s *Server) SubscriptionRequestMade(ctx context.Context, req model.SubscriptionRequest) model.SubscriptionResponseMsg {
	out := model.SubscriptionResponseMsg{
		CorrelationID: req.CorrelationID,
		User:          req.User,
		Responses:     make([]model.SubscriptionResponse, len(req.Specs)),
	}
	if out.CorrelationID == uuid.Nil {
		out.CorrelationID = uuid.New()
	}

	persistent := req.Type == model.SubscriptionPersistent
	var snapshots []snapshotItem

	for i, spec := range req.Specs {
		item, resp, ok := s.admit(ctx, req.User, spec)
		if !ok {
			out.Responses[i] = resp
			continue
		}
		if req.Type == model.SubscriptionSnapshot {
			item.index = i
			snapshots = append(snapshots, item)
			continue
		}
		out.Responses[i] = s.subscribeItem(ctx, item, persistent)
	}

	if len(snapshots) > 0 {
		for _, r := range s.snapshotItems(ctx, snapshots) {
			out.Responses[r.index] = r.resp
		}
	}

	s.logger.Debug("subscription request served",
		"user", req.User,
		"type", req.Type,
		"count", len(req.Specs),
		"correlation_id", out.CorrelationID,
	)
	return out
}

type snapshotItem struct {
	index     int
	requested model.LiveDataSpec
	fq        model.LiveDataSpec
	key       string
}

// admit resolves and entitles one requested spec.
func (s *Server) admit(ctx context.Context, user string, spec model.LiveDataSpec) (item snapshotItem, resp model.SubscriptionResponse, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request item panicked", "spec", spec.String(), "panic", r)
			resp, ok = errorResponse(spec, model.ResultInternalError, fmt.Sprint(r)), false
		}
	}()

	fq, key, err := s.resolve(ctx, spec)
	if err != nil {
		s.logger.Info("could not resolve specification", "spec", spec.String(), "error", err)
		return item, errorResponse(spec, model.ResultNotPresent, err.Error()), false
	}

	entitled, err := s.entitlement.IsEntitled(ctx, user, fq)
	if err != nil {
		return item, errorResponse(spec, model.ResultInternalError, fmt.Sprintf("entitlement check: %v", err)), false
	}
	if !entitled {
		msg := fmt.Sprintf("%s is not entitled to %s", user, spec)
		s.logger.Info("not entitled", "user", user, "spec", spec.String())
		return item, errorResponse(spec, model.ResultNotAuthorized, msg), false
	}

	return snapshotItem{requested: spec, fq: fq, key: key}, resp, true
}

func (s *Server) subscribeItem(ctx context.Context, item snapshotItem, persistent bool) (resp model.SubscriptionResponse) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscribe panicked", "security_key", item.key, "panic", r)
			resp = errorResponse(item.requested, model.ResultInternalError, fmt.Sprint(r))
		}
	}()

	ds, err := s.subscribeResolved(ctx, item.fq, item.key, persistent)
	if errors.Is(err, ErrResolution) {
		return errorResponse(item.requested, model.ResultNotPresent, err.Error())
	}
	if err != nil {
		return errorResponse(item.requested, model.ResultInternalError, err.Error())
	}

	fq := item.fq
	resp = model.SubscriptionResponse{
		Requested:      item.requested,
		FullyQualified: &fq,
		Result:         model.ResultSuccess,
		Address:        ds.Address,
	}
	if d := s.distributorFor(item.fq); d != nil {
		resp.Snapshot = d.LastKnownValue()
	}
	return resp
}

func errorResponse(spec model.LiveDataSpec, result model.SubscriptionResult, msg string) model.SubscriptionResponse {
	return model.SubscriptionResponse{Requested: spec, Result: result, Message: msg}
}

// notifyLocked calls fn for every listener, logging listener panics.
func (s *Server) notifyLocked(event string, sub *Subscription, fn func(SubscriptionListener)) {
	for _, l := range s.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("subscription listener failed",
						"event", event,
						"security_key", sub.securityKey,
						"panic", r,
					)
				}
			}()
			fn(l)
		}()
	}
}

func (s *Server) subscriptionFor(securityKey string) *Subscription {
	v, ok := s.byKey.Load(securityKey)
	if !ok {
		return nil
	}
	return v.(*Subscription)
}

func (s *Server) distributorFor(fq model.LiveDataSpec) *MarketDataDistributor {
	v, ok := s.byFQ.Load(fq.Key())
	if !ok {
		return nil
	}
	return v.(*MarketDataDistributor)
}
