package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/livedata/internal/model"
)

// ExpiryCandidate is an ephemeral subscription whose expiry had passed when
// candidates were collected.
type ExpiryCandidate struct {
	sub *Subscription
}

// SecurityKey of the candidate subscription.
func (c ExpiryCandidate) SecurityKey() string { return c.sub.securityKey }

// ExpiryCandidates returns ephemeral subscriptions expired as of now.
// Persistent subscriptions are never candidates.
func (s *Server) ExpiryCandidates(now time.Time) []ExpiryCandidate {
	var out []ExpiryCandidate
	cutoff := now.UnixNano()
	s.byKey.Range(func(_, v any) bool {
		sub := v.(*Subscription)
		if sub.IsPersistent() {
			return true
		}
		if exp := sub.expiry.Load(); exp != evicted && exp < cutoff {
			out = append(out, ExpiryCandidate{sub: sub})
		}
		return true
	})
	return out
}

// Expire removes a candidate if it is still current, still ephemeral and
// still expired. A heartbeat racing with Expire wins if it lands first.
func (s *Server) Expire(ctx context.Context, c ExpiryCandidate, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscriptionFor(c.sub.securityKey) != c.sub || c.sub.IsPersistent() {
		return false
	}
	if _, ok := c.sub.claimExpired(now); !ok {
		return false
	}
	if !s.removeLocked(ctx, c.sub, "expired", true) {
		c.sub.expiry.Store(now.Add(s.cfg.TimeoutExtension).UnixNano())
		return false
	}
	s.observer.Expired()
	return true
}

// ExtendPublicationTimeout pushes back expiry of the subscription serving
// spec. spec may be fully qualified or carry the feed's native identifier.
func (s *Server) ExtendPublicationTimeout(spec model.LiveDataSpec) bool {
	sub, ok := s.SubscriptionForSpec(spec)
	if !ok {
		key, found := spec.Identifier(s.feed.Scheme())
		if !found {
			return false
		}
		if sub = s.subscriptionFor(key); sub == nil {
			return false
		}
	}
	return s.extend(sub)
}

// ExtendPublicationTimeoutKey pushes back expiry of a security key.
func (s *Server) ExtendPublicationTimeoutKey(securityKey string) bool {
	sub := s.subscriptionFor(securityKey)
	if sub == nil {
		return false
	}
	return s.extend(sub)
}

func (s *Server) extend(sub *Subscription) bool {
	if sub.IsPersistent() {
		return true
	}
	return sub.extendTo(s.cfg.Now().Add(s.cfg.TimeoutExtension))
}

// DefaultHeartbeatPeriod is how often clients are expected to heartbeat.
const DefaultHeartbeatPeriod = 5 * time.Minute

// ExpirationConfig configures the ExpirationManager.
type ExpirationConfig struct {
	HeartbeatPeriod time.Duration
	// CheckPeriod defaults to half the heartbeat period.
	CheckPeriod time.Duration
}

// ExpirationManager periodically evicts ephemeral subscriptions that have
// not been heartbeated.
type ExpirationManager struct {
	server      *Server
	checkPeriod time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sweeps  atomic.Int64
	expired atomic.Int64
}

// NewExpirationManager creates an expiration manager for server.
func NewExpirationManager(server *Server, cfg ExpirationConfig, logger *slog.Logger) *ExpirationManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if cfg.CheckPeriod <= 0 {
		cfg.CheckPeriod = cfg.HeartbeatPeriod / 2
	}
	return &ExpirationManager{
		server:      server,
		checkPeriod: cfg.CheckPeriod,
		logger:      logger,
	}
}

// CheckPeriod returns the sweep interval.
func (m *ExpirationManager) CheckPeriod() time.Duration { return m.checkPeriod }

// Start begins periodic sweeps.
func (m *ExpirationManager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.sweepLoop()
	m.logger.Info("expiration manager started", "check_period", m.checkPeriod)
	return nil
}

// Stop halts sweeping and waits for an in-flight sweep.
func (m *ExpirationManager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("expiration manager stopped",
			"sweeps", m.sweeps.Load(),
			"expired", m.expired.Load(),
		)
		return nil
	case <-ctx.Done():
		return errors.New("timeout waiting for expiration manager to stop")
	}
}

func (m *ExpirationManager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.ctx, m.server.cfg.Now())
		}
	}
}

// Sweep evicts every ephemeral subscription expired as of now and returns
// how many were removed.
func (m *ExpirationManager) Sweep(ctx context.Context, now time.Time) int {
	m.sweeps.Add(1)
	n := 0
	for _, c := range m.server.ExpiryCandidates(now) {
		if m.server.Expire(ctx, c, now) {
			n++
			m.logger.Info("subscription expired", "security_key", c.SecurityKey())
		}
	}
	m.expired.Add(int64(n))
	if n > 0 {
		m.logger.Info("expiry sweep", "expired", n, "remaining", m.server.NumActiveSubscriptions())
	}
	return n
}

// Expired returns the total number of subscriptions evicted.
func (m *ExpirationManager) Expired() int64 { return m.expired.Load() }

// ActiveSecurityPublicationManager turns client heartbeats into expiry
// extensions.
type ActiveSecurityPublicationManager struct {
	server *Server
	logger *slog.Logger

	received atomic.Int64
	extended atomic.Int64
	unknown  atomic.Int64
}

// NewActiveSecurityPublicationManager creates a publication manager.
func NewActiveSecurityPublicationManager(server *Server, logger *slog.Logger) *ActiveSecurityPublicationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActiveSecurityPublicationManager{server: server, logger: logger}
}

// HeartbeatReceived extends every spec in a heartbeat and returns how many
// were extended. Specs with no live subscription are ignored.
func (p *ActiveSecurityPublicationManager) HeartbeatReceived(specs []model.LiveDataSpec) int {
	p.received.Add(1)
	n := 0
	for _, spec := range specs {
		if p.server.ExtendPublicationTimeout(spec) {
			n++
			continue
		}
		p.unknown.Add(1)
		p.logger.Debug("heartbeat for inactive specification", "spec", spec.String())
	}
	p.extended.Add(int64(n))
	return n
}

// HeartbeatStats are counters kept by the publication manager.
type HeartbeatStats struct {
	Received int64
	Extended int64
	Unknown  int64
}

// Stats returns heartbeat counters.
func (p *ActiveSecurityPublicationManager) Stats() HeartbeatStats {
	return HeartbeatStats{
		Received: p.received.Load(),
		Extended: p.extended.Load(),
		Unknown:  p.unknown.Load(),
	}
}
