// Package server implements the live data server: the subscription table,
// per-subscription market data distributors and heartbeat-driven expiry.
//
// Structural changes to the subscription table (subscribe, unsubscribe,
// persistence changes, expiry) are serialized by one server-wide mutex. Tick
// routing and heartbeat extension only read the table and never take it.
//
// Ticks for one security are delivered in order; there is no ordering across
// securities.
package server
