package router

import (
	"time"

	"github.com/rickgao/livedata/internal/model"
)

// RouterConfig holds configuration for the Router.
type RouterConfig struct {
	LaneBufferSize int // Initial per-key queue capacity. Default: 64
	MaxLaneSize    int // Per-key cap; oldest ticks are dropped beyond it. Default: 10000
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		LaneBufferSize: 64,
		MaxLaneSize:    10000,
	}
}

// Tick is one parsed market data update.
type Tick struct {
	SecurityKey string
	SID         int64
	Seq         int64
	Fields      model.Fields
	ReceivedAt  time.Time
	SeqGap      bool
	GapSize     int
}

// Sink receives ticks, in order per security key.
type Sink interface {
	LiveDataReceived(securityKey string, fields model.Fields)
}

// tickWire is the wire format for tick messages.
type tickWire struct {
	Type        string         `json:"type"`
	SID         int64          `json:"sid"`
	Seq         int64          `json:"seq"`
	SecurityKey string         `json:"security_key"`
	Fields      map[string]any `json:"fields"`
}

// messageEnvelope is used for fast type extraction.
type messageEnvelope struct {
	Type string `json:"type"`
}
