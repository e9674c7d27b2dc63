// Package router parses raw feed messages and delivers ticks to the server,
// one ordered lane per security key.
package router
