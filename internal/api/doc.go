// Package api provides the reference data REST client.
//
// Endpoints:
//   - GET /status                         service health
//   - GET /instruments/lookup?scheme=&value= resolve any identifier to a security key
//   - GET /snapshots?keys=a,b             latest raw fields per security key
//
// Requests are retried with jittered exponential backoff on 5xx and 429.
package api
