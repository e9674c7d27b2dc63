package sender

import (
	"errors"
	"io"
	"log/slog"

	"github.com/rickgao/livedata/internal/server"
)

// Config selects the senders to build.
type Config struct {
	Log         bool
	MemoryLimit int // >0 enables a MemorySender
	Kafka       *KafkaConfig
	Redis       *RedisConfig
}

// Set is the configured senders plus whatever must be closed on shutdown.
type Set struct {
	Senders []server.MarketDataSender
	Memory  *MemorySender // nil unless enabled

	closers []io.Closer
}

// Build creates the senders named by cfg. With nothing enabled it falls back
// to a LogSender so ticks still have somewhere to go.
func Build(cfg Config, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	set := &Set{}

	if cfg.Kafka != nil {
		k, err := NewKafkaSender(*cfg.Kafka, logger.With("sender", "kafka"))
		if err != nil {
			return nil, err
		}
		set.Senders = append(set.Senders, k)
		set.closers = append(set.closers, k)
	}
	if cfg.Redis != nil {
		r := NewRedisSender(*cfg.Redis, logger.With("sender", "redis"))
		set.Senders = append(set.Senders, r)
		set.closers = append(set.closers, r)
	}
	if cfg.MemoryLimit > 0 {
		set.Memory = NewMemorySender(cfg.MemoryLimit)
		set.Senders = append(set.Senders, set.Memory)
	}
	if cfg.Log || len(set.Senders) == 0 {
		set.Senders = append(set.Senders, NewLogSender(logger.With("sender", "log")))
	}

	logger.Info("senders configured", "count", len(set.Senders))
	return set, nil
}

// Close closes every sender that holds a connection.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
