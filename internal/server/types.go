package server

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/livedata/internal/model"
	"github.com/rickgao/livedata/internal/normalization"
)

// Errors
var (
	ErrResolution   = errors.New("specification could not be resolved")
	ErrNotEntitled  = errors.New("not entitled")
	ErrFeedConnect  = errors.New("feed subscribe failed")
	ErrNotConnected = errors.New("market data feed not connected")
	ErrNoRuleSet    = errors.New("unknown normalization rule set")
)

// Handle is an opaque token returned by the feed on subscribe and passed back
// on unsubscribe.
type Handle = any

// Feed is the upstream market data source.
type Feed interface {
	// Scheme is the identification scheme of the feed's native security keys.
	Scheme() string

	// Subscribe starts delivery of ticks for securityKey.
	Subscribe(ctx context.Context, securityKey string) (Handle, error)

	// Unsubscribe stops delivery for a handle returned by Subscribe.
	Unsubscribe(ctx context.Context, handle Handle) error

	// Snapshot returns the current raw fields for each key. Keys with no
	// data are absent from the result.
	Snapshot(ctx context.Context, securityKeys []string) (map[string]model.Fields, error)
}

// Connector is implemented by feeds that hold a connection.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// SnapshotOnSubscribe is implemented by feeds that do not send a full image
// when a subscription starts; the server takes a snapshot to seed history.
type SnapshotOnSubscribe interface {
	SnapshotOnSubscribe() bool
}

// MarketDataSender delivers normalized messages downstream. Senders are
// shared by all distributors and must be safe for concurrent use.
type MarketDataSender interface {
	Send(ctx context.Context, update model.ValueUpdate) error
}

// SubscriptionListener observes changes to the subscription table. Callbacks
// run under the server lock and must not call mutating server methods.
type SubscriptionListener interface {
	Subscribed(sub *Subscription)
	Unsubscribed(sub *Subscription)
	PersistentChanged(sub *Subscription)
}

// UnsubscribeGuard may be implemented by a listener to veto removal.
type UnsubscribeGuard interface {
	AllowUnsubscribe(sub *Subscription) bool
}

// RuleSets looks up normalization rule sets by id.
type RuleSets interface {
	Get(id string) (*normalization.RuleSet, bool)
}

// Outcome classifies what happened to one tick at one distributor.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSuppressed
	OutcomeNormalizationError
	OutcomeSendError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeNormalizationError:
		return "normalization_error"
	case OutcomeSendError:
		return "send_error"
	default:
		return "unknown"
	}
}

// Observer receives counters for monitoring.
type Observer interface {
	Distributed(outcome Outcome)
	Expired()
}

type noopObserver struct{}

func (noopObserver) Distributed(Outcome) {}
func (noopObserver) Expired()            {}

// ConnectionStatus of the upstream feed.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusNotConnected ConnectionStatus = "NOT_CONNECTED"
)

// Config holds server configuration.
type Config struct {
	// TimeoutExtension is how far each heartbeat pushes an ephemeral
	// subscription's expiry.
	TimeoutExtension time.Duration

	// SendTimeout bounds each sender call.
	SendTimeout time.Duration

	// Now is the clock; tests override it.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TimeoutExtension: 15 * time.Minute,
		SendTimeout:      5 * time.Second,
		Now:              time.Now,
	}
}
