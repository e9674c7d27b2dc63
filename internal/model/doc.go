// Package model defines shared data types used across the live data server.
//
// Conventions:
//   - Identifiers: scheme-scoped values rendered as "SCHEME~VALUE" (e.g. "RIC~AAPL.O")
//   - Specifications: immutable; use Key() when a map key is needed
//   - Field values: float64, int64, string, bool or decimal.Decimal
//   - IDs: uuid.UUID for request correlation
package model
