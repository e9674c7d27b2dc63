// Package persistence keeps the server's persistent subscriptions and durable
// storage consistent across restarts.
//
// A Manager loads the stored set at startup, subscribes anything the server
// is missing, and periodically writes the live set back when it changes.
// Stores are interchangeable: memory, PostgreSQL, SQLite and Redis.
package persistence
