// Package heartbeat decodes client heartbeats and extends the publication
// timeout of the specifications they name. Heartbeats arrive over Kafka or
// the management HTTP endpoint.
package heartbeat
