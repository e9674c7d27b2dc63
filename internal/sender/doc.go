// Package sender delivers normalized market data to downstream transports.
//
// Every sender implements server.MarketDataSender and is shared by all
// distributors, so implementations are safe for concurrent use. The payload
// is the JSON encoding of model.ValueUpdate.
package sender
