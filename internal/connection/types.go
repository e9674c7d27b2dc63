package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/livedata/internal/auth"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrStaleConnection    = errors.New("connection stale (no ping)")
	ErrTimeout            = errors.New("operation timeout")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrNoSnapshotSource   = errors.New("feed has no snapshot source")
	ErrInvalidHandle      = errors.New("invalid subscription handle")
	ErrSubscriptionFailed = errors.New("subscription rejected by feed")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time // when ReadMessage returned
}

// RawMessage is a data message forwarded to the Router.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
	SeqGap     bool // a sequence gap was detected before this message
	GapSize    int  // number of missed messages
}

// Command is a WebSocket command sent upstream.
type Command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params"`
}

// SubscribeParams are parameters for a subscribe command.
type SubscribeParams struct {
	SecurityKey string `json:"security_key"`
}

// UnsubscribeParams are parameters for an unsubscribe command.
type UnsubscribeParams struct {
	SIDs []int64 `json:"sids"`
}

// Response is a command response from upstream.
type Response struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "subscribed", "unsubscribed", "error", "ok"
	Msg  json.RawMessage `json:"msg"`
}

// SubscribedMsg is the message content for a "subscribed" response.
type SubscribedMsg struct {
	SID         int64  `json:"sid"`
	SecurityKey string `json:"security_key"`
}

// ErrorMsg is the message content for an "error" response.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DataMessage is the envelope shared by upstream data messages.
type DataMessage struct {
	Type string `json:"type"`
	SID  int64  `json:"sid"`
	Seq  int64  `json:"seq,omitempty"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string
	Credentials      *auth.Credentials // nil = unsigned handshake
	PingInterval     time.Duration     // how often we ping upstream
	PingTimeout      time.Duration     // max time without ping/pong before the connection is stale
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       10000,
	}
}

// FeedConfig configures the Feed.
type FeedConfig struct {
	Scheme              string // native identification scheme, e.g. "RIC"
	Client              ClientConfig
	CommandTimeout      time.Duration
	ReconnectBaseWait   time.Duration
	ReconnectMaxWait    time.Duration
	MessageBufferSize   int
	SnapshotOnSubscribe bool // take an initial image when subscribing
}

// DefaultFeedConfig returns sensible defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Client:            DefaultClientConfig(),
		CommandTimeout:    10 * time.Second,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  60 * time.Second,
		MessageBufferSize: 100000,
	}
}

// Subscription is the handle the Feed returns for a subscribed key.
type Subscription struct {
	SID          int64
	SecurityKey  string
	SubscribedAt time.Time
}
