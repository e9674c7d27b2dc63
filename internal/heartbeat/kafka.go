package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka heartbeat consumer.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer reads heartbeats from a Kafka topic.
type KafkaConsumer struct {
	reader   messageReader
	receiver *Receiver
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaConsumer creates a consumer for cfg.
func NewKafkaConsumer(cfg KafkaConfig, receiver *Receiver, logger *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("heartbeat.kafka.brokers is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("heartbeat.kafka.topic is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
	return newKafkaConsumer(reader, receiver, logger), nil
}

func newKafkaConsumer(reader messageReader, receiver *Receiver, logger *slog.Logger) *KafkaConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{reader: reader, receiver: receiver, logger: logger}
}

// Start begins consuming.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.consumeLoop()
	c.logger.Info("heartbeat consumer started")
	return nil
}

// Stop stops consuming and closes the reader.
func (c *KafkaConsumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("heartbeat consumer stop timed out")
	}
	return c.reader.Close()
}

func (c *KafkaConsumer) consumeLoop() {
	defer c.wg.Done()

	backoff := 100 * time.Millisecond
	for {
		m, err := c.reader.ReadMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("heartbeat read failed", "error", err, "retry_in", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 10*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		if _, err := c.receiver.Handle(m.Value); err != nil {
			c.logger.Warn("dropping heartbeat", "offset", m.Offset, "error", err)
		}
	}
}
