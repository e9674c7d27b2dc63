package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/livedata/internal/model"
)

// publisher is the part of a redis client the sender uses.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisConfig configures a RedisSender.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisSender publishes each update on the pub/sub channel named by its address.
type RedisSender struct {
	client publisher
	closer func() error
	logger *slog.Logger
}

// NewRedisSender creates a Redis sender with its own client.
func NewRedisSender(cfg RedisConfig, logger *slog.Logger) *RedisSender {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := newRedisSender(client, logger)
	s.closer = client.Close
	return s
}

func newRedisSender(client publisher, logger *slog.Logger) *RedisSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSender{client: client, logger: logger}
}

// Send publishes one update.
func (s *RedisSender) Send(ctx context.Context, update model.ValueUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	if err := s.client.Publish(ctx, update.Address, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", update.Address, err)
	}
	return nil
}

// Close closes the client if the sender created it.
func (s *RedisSender) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
