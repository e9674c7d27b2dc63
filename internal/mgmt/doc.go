// Package mgmt serves the management HTTP API: health, monitoring reads,
// subscription requests, heartbeats, persistence operations and metrics.
package mgmt
