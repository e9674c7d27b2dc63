// Package database opens the PostgreSQL connection pool used by the
// persistent subscription store.
package database
