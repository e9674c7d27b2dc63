package sender

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/livedata/internal/model"
)

// LogSender writes every update to a logger at debug level.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, update model.ValueUpdate) error {
	s.logger.DebugContext(ctx, "market data",
		"address", update.Address,
		"sequence", update.Sequence,
		"fields", len(update.Fields),
	)
	return nil
}

// MemorySender keeps the most recent updates in memory, oldest first.
type MemorySender struct {
	mu      sync.Mutex
	limit   int
	updates []model.ValueUpdate
	total   int64
}

// NewMemorySender creates a memory sender holding at most limit updates
// (0 keeps all of them).
func NewMemorySender(limit int) *MemorySender {
	return &MemorySender{limit: limit}
}

func (s *MemorySender) Send(_ context.Context, update model.ValueUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	update.Fields = update.Fields.Clone()
	s.updates = append(s.updates, update)
	if s.limit > 0 && len(s.updates) > s.limit {
		s.updates = append(s.updates[:0], s.updates[len(s.updates)-s.limit:]...)
	}
	s.total++
	return nil
}

// Updates returns a copy of the retained updates.
func (s *MemorySender) Updates() []model.ValueUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ValueUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

// Last returns the most recent update sent to address.
func (s *MemorySender) Last(address string) (model.ValueUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].Address == address {
			return s.updates[i], true
		}
	}
	return model.ValueUpdate{}, false
}

// Total returns how many updates were ever sent.
func (s *MemorySender) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
