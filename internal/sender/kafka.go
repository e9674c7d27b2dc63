package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rickgao/livedata/internal/model"
)

// messageWriter is the part of *kafka.Writer the sender uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSender.
type KafkaConfig struct {
	Brokers      []string
	BatchSize    int           // messages per write; 0 means 1 so each update is flushed at once
	BatchTimeout time.Duration // only bounds the wait when BatchSize > 1
	AutoCreate   bool
}

// KafkaSender publishes each update to the topic named by its address, keyed
// by the specification so one security stays on one partition.
type KafkaSender struct {
	w      messageWriter
	logger *slog.Logger
}

// NewKafkaSender creates a Kafka sender.
func NewKafkaSender(cfg KafkaConfig, logger *slog.Logger) (*KafkaSender, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("senders.kafka.brokers is required")
	}
	return newKafkaSender(newKafkaWriter(cfg), logger), nil
}

// newKafkaWriter builds the writer. Sends are synchronous and run while the
// subscription's delivery lock is held, so a partial batch would stall every
// tick for the batch timeout.
func newKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	size := cfg.BatchSize
	if size <= 0 {
		size = 1
	}
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              size,
		BatchTimeout:           timeout,
		AllowAutoTopicCreation: cfg.AutoCreate,
	}
}

func newKafkaSender(w messageWriter, logger *slog.Logger) *KafkaSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSender{w: w, logger: logger}
}

// Send writes one update.
func (s *KafkaSender) Send(ctx context.Context, update model.ValueUpdate) error {
	value, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	err = s.w.WriteMessages(ctx, kafka.Message{
		Topic: update.Address,
		Key:   []byte(update.Spec.Key()),
		Value: value,
		Time:  update.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("kafka write to %s: %w", update.Address, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSender) Close() error {
	return s.w.Close()
}
