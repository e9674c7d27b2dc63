package persistence

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rickgao/livedata/internal/model"
)

// ErrStorage wraps every failure reported by a Store.
var ErrStorage = errors.New("persistent subscription storage")

// Store is durable storage for persistent subscriptions. SaveAll replaces the
// stored set.
type Store interface {
	LoadAll(ctx context.Context) ([]model.PersistentSubscription, error)
	SaveAll(ctx context.Context, subs []model.PersistentSubscription) error
}

// MemoryStore is a Store that lives only as long as the process.
type MemoryStore struct {
	mu    sync.Mutex
	ids   []string
	saves int
}

// NewMemoryStore creates a store holding subs.
func NewMemoryStore(subs ...model.PersistentSubscription) *MemoryStore {
	return &MemoryStore{ids: sortedIDs(subs)}
}

func (s *MemoryStore) LoadAll(context.Context) ([]model.PersistentSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fromIDs(s.ids), nil
}

func (s *MemoryStore) SaveAll(_ context.Context, subs []model.PersistentSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = sortedIDs(subs)
	s.saves++
	return nil
}

// Saves returns how many times SaveAll was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// sortedIDs returns the distinct ids of subs in ascending order.
func sortedIDs(subs []model.PersistentSubscription) []string {
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.ID != "" {
			ids = append(ids, s.ID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func fromIDs(ids []string) []model.PersistentSubscription {
	out := make([]model.PersistentSubscription, len(ids))
	for i, id := range ids {
		out[i] = model.PersistentSubscription{ID: id}
	}
	return out
}
