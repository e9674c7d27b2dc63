// Package connection implements the upstream feed.
//
// The Feed:
//   - Maintains one WebSocket connection to the market data source
//   - Subscribes and unsubscribes security keys with correlated commands
//   - Detects per-subscription sequence gaps
//   - Reconnects with exponential backoff and asks the server to
//     re-establish its subscriptions
//   - Forwards data messages to the Router
package connection
