package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/livedata/internal/model"
	"github.com/rickgao/livedata/internal/normalization"
)

// evicted marks an expiry that lost the race to the sweeper.
const evicted int64 = -1

// Subscription is one live feed subscription for a security key. It may
// fan out to several distributors (one per distribution target).
type Subscription struct {
	id          uuid.UUID
	securityKey string
	createdAt   time.Time
	history     *normalization.FieldHistoryStore

	persistent atomic.Bool
	expiry     atomic.Int64 // unix nanos; meaningful only when not persistent

	// deliverMu serializes tick delivery for this security.
	deliverMu sync.Mutex

	mu           sync.RWMutex
	handle       Handle
	distributors map[model.DistributionSpec]*MarketDataDistributor
}

func newSubscription(securityKey string, persistent bool, now time.Time) *Subscription {
	s := &Subscription{
		id:           uuid.New(),
		securityKey:  securityKey,
		createdAt:    now,
		history:      normalization.NewFieldHistoryStore(),
		distributors: make(map[model.DistributionSpec]*MarketDataDistributor),
	}
	s.persistent.Store(persistent)
	return s
}

// ID uniquely identifies this subscription instance.
func (s *Subscription) ID() uuid.UUID { return s.id }

// SecurityKey is the feed's native key.
func (s *Subscription) SecurityKey() string { return s.securityKey }

// CreatedAt is when the subscription was created.
func (s *Subscription) CreatedAt() time.Time { return s.createdAt }

// History is the field history shared by the subscription's distributors.
func (s *Subscription) History() *normalization.FieldHistoryStore { return s.history }

// IsPersistent reports whether the subscription survives heartbeat expiry.
func (s *Subscription) IsPersistent() bool { return s.persistent.Load() }

// Expiry returns the time after which an ephemeral subscription may be evicted.
func (s *Subscription) Expiry() time.Time {
	n := s.expiry.Load()
	if n == evicted {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// extendTo moves expiry forward to t. It never moves expiry backwards and
// fails once the subscription has been claimed for eviction.
func (s *Subscription) extendTo(t time.Time) bool {
	next := t.UnixNano()
	for {
		cur := s.expiry.Load()
		if cur == evicted {
			return false
		}
		if next <= cur {
			return true
		}
		if s.expiry.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// claimExpired atomically marks the subscription evicted if its expiry is
// still before now.
func (s *Subscription) claimExpired(now time.Time) (prev int64, ok bool) {
	cur := s.expiry.Load()
	if cur == evicted || cur >= now.UnixNano() {
		return cur, false
	}
	return cur, s.expiry.CompareAndSwap(cur, evicted)
}

func (s *Subscription) getHandle() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

func (s *Subscription) setHandle(h Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// Distributors returns the distributors in address order.
func (s *Subscription) Distributors() []*MarketDataDistributor {
	s.mu.RLock()
	out := make([]*MarketDataDistributor, 0, len(s.distributors))
	for _, d := range s.distributors {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Address < out[j].spec.Address })
	return out
}

// DistributionSpecs returns the distribution targets of this subscription.
func (s *Subscription) DistributionSpecs() []model.DistributionSpec {
	ds := s.Distributors()
	out := make([]model.DistributionSpec, len(ds))
	for i, d := range ds {
		out[i] = d.spec
	}
	return out
}

func (s *Subscription) distributor(spec model.DistributionSpec) (*MarketDataDistributor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.distributors[spec]
	return d, ok
}

func (s *Subscription) addDistributor(d *MarketDataDistributor) {
	s.mu.Lock()
	s.distributors[d.spec] = d
	s.mu.Unlock()
}

// liveDataReceived hands a raw tick to every distributor, in order.
func (s *Subscription) liveDataReceived(raw model.Fields) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, d := range s.Distributors() {
		d.DistributeLiveData(raw)
	}
}

func (s *Subscription) String() string {
	return fmt.Sprintf("Subscription[%s, persistent=%t, distributors=%d]",
		s.securityKey, s.IsPersistent(), len(s.Distributors()))
}
