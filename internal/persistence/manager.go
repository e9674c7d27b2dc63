package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/livedata/internal/model"
)

// DefaultSaveInterval is how often the live set is written back.
const DefaultSaveInterval = 60 * time.Second

// Server is the part of the live data server the manager reconciles against.
type Server interface {
	PersistentSubscriptions() []model.PersistentSubscription
	IsPersistentlySubscribed(securityKey string) bool
	SubscribePersistent(ctx context.Context, securityKey string) error
	ChangePersistent(securityKey string, persistent bool) bool
}

// Stats are counters kept by a Manager.
type Stats struct {
	Refreshes       int64
	RefreshFailures int64 // entries that could not be subscribed
	Saves           int64
	Writes          int64 // saves that reached the store
	Pending         int   // stored entries not yet restored on the server
	LastSavedCount  int
	LastSaveAt      time.Time
	LastError       string
}

// Manager reconciles the server's persistent subscriptions with a Store.
// All public operations are serialized.
type Manager struct {
	server   Server
	store    Store
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	working   map[string]struct{}
	pending   map[string]struct{} // stored but not restored; kept in every save
	lastSaved []string            // nil until the first successful save or refresh
	stats     Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. A zero interval uses DefaultSaveInterval.
func NewManager(server Server, store Store, interval time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	return &Manager{
		server:   server,
		store:    store,
		interval: interval,
		logger:   logger,
		working:  make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Refresh loads the stored set, unions it with the server's persistent set and
// subscribes every entry the server does not already hold persistently. A
// storage failure is returned; per-entry subscribe failures are logged.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Refreshes++
	clear(m.working)
	clear(m.pending)

	stored, err := m.store.LoadAll(ctx)
	if err != nil {
		m.stats.LastError = err.Error()
		return fmt.Errorf("refresh: %w", err)
	}
	for _, s := range stored {
		if s.ID == "" {
			return fmt.Errorf("refresh: %w: stored subscription with empty id", ErrStorage)
		}
		m.working[s.ID] = struct{}{}
	}
	for _, s := range m.server.PersistentSubscriptions() {
		m.working[s.ID] = struct{}{}
	}

	var failed int
	for _, id := range m.workingIDs() {
		if m.server.IsPersistentlySubscribed(id) {
			continue
		}
		if err := m.server.SubscribePersistent(ctx, id); err != nil {
			failed++
			m.pending[id] = struct{}{}
			m.logger.Warn("failed to restore persistent subscription",
				"security_key", id,
				"error", err,
			)
		}
	}
	m.stats.RefreshFailures += int64(failed)
	m.stats.Pending = len(m.pending)

	// a loaded store counts as saved so an unchanged set is not rewritten
	m.lastSaved = sortedIDs(stored)

	m.logger.Info("persistent subscriptions refreshed",
		"stored", len(stored),
		"total", len(m.working),
		"failed", failed,
	)
	return nil
}

// Save retries pending restores, then writes the server's live persistent set
// plus any still-pending entries when it differs from the last saved set.
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx)
}

func (m *Manager) saveLocked(ctx context.Context) error {
	m.stats.Saves++
	m.retryPending(ctx)

	live := m.server.PersistentSubscriptions()
	for id := range m.pending {
		live = append(live, model.PersistentSubscription{ID: id})
	}
	ids := sortedIDs(live)
	if m.lastSaved != nil && slices.Equal(ids, m.lastSaved) {
		return nil
	}

	if err := m.store.SaveAll(ctx, fromIDs(ids)); err != nil {
		m.stats.LastError = err.Error()
		return fmt.Errorf("save: %w", err)
	}

	m.lastSaved = ids
	m.stats.Writes++
	m.stats.LastSavedCount = len(ids)
	m.stats.LastSaveAt = time.Now()
	m.stats.LastError = ""
	m.logger.Debug("persistent subscriptions saved", "count", len(ids))
	return nil
}

// retryPending subscribes stored entries whose restore failed earlier.
func (m *Manager) retryPending(ctx context.Context) {
	for id := range m.pending {
		if !m.server.IsPersistentlySubscribed(id) {
			if err := m.server.SubscribePersistent(ctx, id); err != nil {
				m.logger.Debug("persistent subscription still not restored",
					"security_key", id,
					"error", err,
				)
				continue
			}
			m.logger.Info("restored persistent subscription", "security_key", id)
		}
		delete(m.pending, id)
	}
	m.stats.Pending = len(m.pending)
}

// Add makes securityKey persistent on the server immediately.
func (m *Manager) Add(ctx context.Context, securityKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.server.SubscribePersistent(ctx, securityKey); err != nil {
		return fmt.Errorf("add persistent %s: %w", securityKey, err)
	}
	m.working[securityKey] = struct{}{}
	delete(m.pending, securityKey)
	m.stats.Pending = len(m.pending)
	return nil
}

// Remove demotes securityKey to an ephemeral subscription and drops it from
// the pending restores. It reports whether anything changed.
func (m *Manager) Remove(securityKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.working, securityKey)
	if _, ok := m.pending[securityKey]; ok {
		delete(m.pending, securityKey)
		m.stats.Pending = len(m.pending)
		m.server.ChangePersistent(securityKey, false)
		return true
	}
	return m.server.ChangePersistent(securityKey, false)
}

// Entries returns the working set in order.
func (m *Manager) Entries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workingIDs()
}

func (m *Manager) workingIDs() []string {
	ids := make([]string, 0, len(m.working))
	for id := range m.working {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats returns manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Start runs the save loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.saveLoop()
	m.logger.Info("persistence manager started", "interval", m.interval)
	return nil
}

// Stop stops the save loop and performs a final save.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.Save(ctx); err != nil {
		m.logger.Error("final save failed", "error", err)
		return err
	}
	return nil
}

func (m *Manager) saveLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Save(m.ctx); err != nil {
				m.logger.Warn("save failed, retrying next cycle", "error", err)
			}
		}
	}
}
