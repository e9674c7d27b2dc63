package normalization

import (
	"sync"

	"github.com/rickgao/livedata/internal/model"
)

// FieldHistoryStore holds the last seen value of every field for one
// subscription (or one snapshot request).
type FieldHistoryStore struct {
	mu     sync.RWMutex
	fields model.Fields
}

// NewFieldHistoryStore creates an empty store.
func NewFieldHistoryStore() *FieldHistoryStore {
	return &FieldHistoryStore{fields: make(model.Fields)}
}

// Update merges msg into the history.
func (h *FieldHistoryStore) Update(msg model.Fields) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, v := range msg {
		h.fields[k] = v
	}
}

// Set stores a single field.
func (h *FieldHistoryStore) Set(name string, value any) {
	h.mu.Lock()
	h.fields[name] = value
	h.mu.Unlock()
}

// Get returns the last value of a field.
func (h *FieldHistoryStore) Get(name string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.fields[name]
	return v, ok
}

// Snapshot returns a copy of all fields.
func (h *FieldHistoryStore) Snapshot() model.Fields {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.fields.Clone()
}

// Len returns the number of fields held.
func (h *FieldHistoryStore) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.fields)
}
