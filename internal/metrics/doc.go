// Package metrics exposes Prometheus metrics for the live data server.
//
// Key metrics:
//   - Active and persistent subscription counts, connection state
//   - Ticks received and the per-distributor outcome of each tick
//   - Subscription lifecycle events and expirations
//   - Router lane drops and sequence gaps
//   - Heartbeats and persistence writes
package metrics
