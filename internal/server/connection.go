package server

import (
	"context"
	"fmt"
)

// Connect opens the feed (when it needs connecting) and re-establishes any
// subscriptions left from a previous session.
func (s *Server) Connect(ctx context.Context) error {
	if c, ok := s.feed.(Connector); ok {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrFeedConnect, err)
		}
	}
	s.connected.Store(true)

	n := s.ReestablishSubscriptions(ctx)
	s.logger.Info("connected to feed", "scheme", s.feed.Scheme(), "reestablished", n)
	return nil
}

// Disconnect closes the feed. Subscriptions are kept, without handles, so a
// later Connect can restore them.
func (s *Server) Disconnect() error {
	s.mu.Lock()
	s.connected.Store(false)
	s.byKey.Range(func(_, v any) bool {
		v.(*Subscription).setHandle(nil)
		return true
	})
	s.mu.Unlock()

	if c, ok := s.feed.(Connector); ok {
		if err := c.Disconnect(); err != nil {
			return fmt.Errorf("disconnect feed: %w", err)
		}
	}
	s.logger.Info("disconnected from feed", "scheme", s.feed.Scheme())
	return nil
}

// Connected reports whether the feed is connected.
func (s *Server) Connected() bool {
	return s.connected.Load()
}

// ConnectionStatus reports the feed connection state.
func (s *Server) ConnectionStatus() ConnectionStatus {
	if s.Connected() {
		return StatusConnected
	}
	return StatusNotConnected
}

// ReestablishSubscriptions re-subscribes every known security key with the
// feed, typically after a reconnect. Keys the feed rejects are dropped.
// It stops early, keeping the remaining subscriptions, if ctx is done.
// It returns the number re-established.
func (s *Server) ReestablishSubscriptions(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var subs []*Subscription
	s.byKey.Range(func(_, v any) bool {
		subs = append(subs, v.(*Subscription))
		return true
	})

	n := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		h, err := s.feed.Subscribe(ctx, sub.securityKey)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("could not re-establish subscription, dropping",
				"security_key", sub.securityKey,
				"error", err,
			)
			sub.setHandle(nil)
			s.removeLocked(ctx, sub, "reestablish failed", false)
			continue
		}
		sub.setHandle(h)
		n++
	}
	return n
}
