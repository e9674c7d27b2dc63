package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/livedata/internal/model"
)

// rateWindow is the span over which UpdatesPerSecond is averaged.
const rateWindow = 60

// rateCounter counts events in one-second buckets over the last minute.
type rateCounter struct {
	mu      sync.Mutex
	buckets [rateWindow]int64
	seconds [rateWindow]int64
}

func (r *rateCounter) hit(now time.Time) {
	sec := now.Unix()
	i := sec % rateWindow
	r.mu.Lock()
	if r.seconds[i] != sec {
		r.seconds[i] = sec
		r.buckets[i] = 0
	}
	r.buckets[i]++
	r.mu.Unlock()
}

func (r *rateCounter) perSecond(now time.Time) float64 {
	sec := now.Unix()
	var total int64
	r.mu.Lock()
	for i := range r.buckets {
		if age := sec - r.seconds[i]; age >= 0 && age < rateWindow {
			total += r.buckets[i]
		}
	}
	r.mu.Unlock()
	return float64(total) / rateWindow
}

// Stats is a point-in-time summary of the server.
type Stats struct {
	Status                  ConnectionStatus
	ActiveSubscriptions     int
	PersistentSubscriptions int
	Distributors            int
	UpdatesReceived         int64
	UpdatesPerSecond        float64
}

// Stats returns a summary of the subscription table.
func (s *Server) Stats() Stats {
	st := Stats{
		Status:           s.ConnectionStatus(),
		UpdatesReceived:  s.updates.Load(),
		UpdatesPerSecond: s.UpdatesPerSecond(),
	}
	for _, sub := range s.Subscriptions() {
		st.ActiveSubscriptions++
		if sub.IsPersistent() {
			st.PersistentSubscriptions++
		}
		st.Distributors += len(sub.Distributors())
	}
	return st
}

// NumActiveSubscriptions returns the number of live subscriptions.
func (s *Server) NumActiveSubscriptions() int {
	return int(s.active.Load())
}

// NumUpdatesReceived returns the number of raw ticks received from the feed.
func (s *Server) NumUpdatesReceived() int64 {
	return s.updates.Load()
}

// UpdatesPerSecond is the tick rate averaged over the last minute.
func (s *Server) UpdatesPerSecond() float64 {
	return s.rate.perSecond(s.cfg.Now())
}

// Subscription returns the subscription for a security key.
func (s *Server) Subscription(securityKey string) (*Subscription, bool) {
	sub := s.subscriptionFor(securityKey)
	return sub, sub != nil
}

// SubscriptionForSpec returns the subscription serving a fully qualified spec.
func (s *Server) SubscriptionForSpec(fq model.LiveDataSpec) (*Subscription, bool) {
	d := s.distributorFor(fq)
	if d == nil {
		return nil, false
	}
	return d.sub, true
}

// Subscriptions returns every live subscription ordered by security key.
func (s *Server) Subscriptions() []*Subscription {
	var out []*Subscription
	s.byKey.Range(func(_, v any) bool {
		out = append(out, v.(*Subscription))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].securityKey < out[j].securityKey })
	return out
}

// ActiveSecurityKeys returns the security keys with live subscriptions.
func (s *Server) ActiveSecurityKeys() []string {
	subs := s.Subscriptions()
	out := make([]string, len(subs))
	for i, sub := range subs {
		out[i] = sub.securityKey
	}
	return out
}

// ActiveDistributionAddresses returns every address currently published to.
func (s *Server) ActiveDistributionAddresses() []string {
	var out []string
	s.byFQ.Range(func(_, v any) bool {
		out = append(out, v.(*MarketDataDistributor).spec.Address)
		return true
	})
	sort.Strings(out)
	return out
}

// PersistentSubscriptions returns the persistent subscriptions, keyed by
// security key.
func (s *Server) PersistentSubscriptions() []model.PersistentSubscription {
	var out []model.PersistentSubscription
	for _, sub := range s.Subscriptions() {
		if sub.IsPersistent() {
			out = append(out, model.PersistentSubscription{ID: sub.securityKey})
		}
	}
	return out
}

// IsPersistentlySubscribed reports whether securityKey has a persistent
// subscription.
func (s *Server) IsPersistentlySubscribed(securityKey string) bool {
	sub := s.subscriptionFor(securityKey)
	return sub != nil && sub.IsPersistent()
}

// SubscribePersistent ensures a persistent subscription for securityKey.
func (s *Server) SubscribePersistent(ctx context.Context, securityKey string) error {
	_, err := s.SubscribeKey(ctx, securityKey, true)
	return err
}
