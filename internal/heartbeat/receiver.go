package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rickgao/livedata/internal/model"
)

// ErrMalformed is returned for a heartbeat that cannot be decoded at all.
var ErrMalformed = errors.New("malformed heartbeat")

// Message is a client heartbeat naming the specifications it still uses.
type Message struct {
	ID    uuid.UUID         `json:"id"`
	User  string            `json:"user"`
	Specs []json.RawMessage `json:"specs"`
}

// Extender extends publication timeouts for live specifications.
type Extender interface {
	HeartbeatReceived(specs []model.LiveDataSpec) int
}

// Stats are counters kept by a Receiver.
type Stats struct {
	Messages       int64
	Malformed      int64
	SkippedEntries int64
	SpecsExtended  int64
}

// Receiver decodes heartbeats and hands valid specifications to an Extender.
type Receiver struct {
	ext    Extender
	logger *slog.Logger

	messages  atomic.Int64
	malformed atomic.Int64
	skipped   atomic.Int64
	extended  atomic.Int64
}

// NewReceiver creates a heartbeat receiver.
func NewReceiver(ext Extender, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{ext: ext, logger: logger}
}

// Handle decodes one heartbeat. Malformed entries are logged and skipped; the
// rest are extended. It returns the number of specifications extended.
func (r *Receiver) Handle(data []byte) (int, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		r.malformed.Add(1)
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r.messages.Add(1)

	specs := make([]model.LiveDataSpec, 0, len(msg.Specs))
	for i, raw := range msg.Specs {
		var spec model.LiveDataSpec
		if err := json.Unmarshal(raw, &spec); err != nil || spec.IsEmpty() {
			r.skipped.Add(1)
			r.logger.Warn("skipping malformed heartbeat entry",
				"heartbeat_id", msg.ID,
				"user", msg.User,
				"index", i,
				"error", err,
			)
			continue
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return 0, nil
	}

	n := r.ext.HeartbeatReceived(specs)
	r.extended.Add(int64(n))
	r.logger.Debug("heartbeat received",
		"heartbeat_id", msg.ID,
		"user", msg.User,
		"specs", len(specs),
		"extended", n,
	)
	return n, nil
}

// Stats returns receiver counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		Messages:       r.messages.Load(),
		Malformed:      r.malformed.Load(),
		SkippedEntries: r.skipped.Load(),
		SpecsExtended:  r.extended.Load(),
	}
}

// Encode builds a heartbeat message for specs.
func Encode(user string, specs []model.LiveDataSpec) ([]byte, error) {
	msg := Message{ID: uuid.New(), User: user, Specs: make([]json.RawMessage, len(specs))}
	for i, s := range specs {
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		msg.Specs[i] = b
	}
	return json.Marshal(msg)
}
