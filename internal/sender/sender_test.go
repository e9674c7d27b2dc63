package sender

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/rickgao/livedata/internal/model"
)

func testUpdate(seq int64) model.ValueUpdate {
	return model.ValueUpdate{
		Sequence:  seq,
		Address:   "md.RIC.AAPL_O.Std",
		Spec:      model.NewLiveDataSpec("Std", model.NewExternalID("RIC", "AAPL.O")),
		Fields:    model.Fields{"BID": 100.0, "ASK": 101.0},
		Timestamp: time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC),
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSender_Send(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSender(w, nil)

	if err := s.Send(context.Background(), testUpdate(7)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != "md.RIC.AAPL_O.Std" {
		t.Errorf("Topic = %q", m.Topic)
	}
	if string(m.Key) != testUpdate(7).Spec.Key() {
		t.Errorf("Key = %q, want %q", m.Key, testUpdate(7).Spec.Key())
	}

	var got model.ValueUpdate
	if err := json.Unmarshal(m.Value, &got); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if got.Sequence != 7 || got.Fields["BID"] != 100.0 {
		t.Errorf("decoded = %+v", got)
	}

	if err := s.Close(); err != nil || !w.closed {
		t.Errorf("Close() = %v, closed = %v", err, w.closed)
	}
}

func TestKafkaSender_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	s := newKafkaSender(&fakeWriter{err: boom}, nil)
	if err := s.Send(context.Background(), testUpdate(1)); !errors.Is(err, boom) {
		t.Errorf("Send() error = %v, want %v", err, boom)
	}
}

func TestNewKafkaWriter_BatchSize(t *testing.T) {
	tests := []struct {
		name string
		cfg  KafkaConfig
		want int
	}{
		{name: "default flushes each update", cfg: KafkaConfig{Brokers: []string{"localhost:9092"}}, want: 1},
		{name: "explicit batch", cfg: KafkaConfig{Brokers: []string{"localhost:9092"}, BatchSize: 50}, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newKafkaWriter(tt.cfg)
			defer w.Close()
			if w.BatchSize != tt.want {
				t.Errorf("BatchSize = %d, want %d", w.BatchSize, tt.want)
			}
			if w.BatchTimeout <= 0 {
				t.Errorf("BatchTimeout = %v, want > 0", w.BatchTimeout)
			}
		})
	}
}

func TestNewKafkaSender_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaSender(KafkaConfig{}, nil); err == nil {
		t.Error("expected error without brokers")
	}
}

type fakePublisher struct {
	channels []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	if p.err != nil {
		return redis.NewIntResult(0, p.err)
	}
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, message.([]byte))
	return redis.NewIntResult(1, nil)
}

func TestRedisSender_Send(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "published"},
		{name: "publish error", err: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePublisher{err: tt.err}
			s := newRedisSender(p, nil)

			err := s.Send(context.Background(), testUpdate(3))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(p.channels) != 1 || p.channels[0] != "md.RIC.AAPL_O.Std" {
				t.Errorf("channels = %v", p.channels)
			}
			var got model.ValueUpdate
			if err := json.Unmarshal(p.payloads[0], &got); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if got.Sequence != 3 {
				t.Errorf("Sequence = %d, want 3", got.Sequence)
			}
			if err := s.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
	}
}

func TestMemorySender_Limit(t *testing.T) {
	s := NewMemorySender(2)
	for i := int64(1); i <= 3; i++ {
		if err := s.Send(context.Background(), testUpdate(i)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	got := s.Updates()
	if len(got) != 2 || got[0].Sequence != 2 || got[1].Sequence != 3 {
		t.Errorf("Updates() sequences = %v", got)
	}
	if s.Total() != 3 {
		t.Errorf("Total() = %d, want 3", s.Total())
	}
	last, ok := s.Last("md.RIC.AAPL_O.Std")
	if !ok || last.Sequence != 3 {
		t.Errorf("Last() = %v, %v", last, ok)
	}
	if _, ok := s.Last("other"); ok {
		t.Error("Last(other) found an update")
	}
}

func TestMemorySender_CopiesFields(t *testing.T) {
	s := NewMemorySender(0)
	u := testUpdate(1)
	_ = s.Send(context.Background(), u)
	u.Fields["BID"] = 0.0

	if got := s.Updates()[0].Fields["BID"]; got != 100.0 {
		t.Errorf("stored BID = %v, want 100", got)
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantCount int
		wantMem   bool
		wantErr   bool
	}{
		{name: "empty falls back to log", cfg: Config{}, wantCount: 1},
		{name: "memory only", cfg: Config{MemoryLimit: 10}, wantCount: 1, wantMem: true},
		{name: "memory and log", cfg: Config{MemoryLimit: 10, Log: true}, wantCount: 2, wantMem: true},
		{name: "redis", cfg: Config{Redis: &RedisConfig{Addr: "localhost:6379"}}, wantCount: 1},
		{name: "kafka", cfg: Config{Kafka: &KafkaConfig{Brokers: []string{"localhost:9092"}}}, wantCount: 1},
		{name: "kafka without brokers", cfg: Config{Kafka: &KafkaConfig{}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Build(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			defer set.Close()
			if len(set.Senders) != tt.wantCount {
				t.Errorf("len(Senders) = %d, want %d", len(set.Senders), tt.wantCount)
			}
			if (set.Memory != nil) != tt.wantMem {
				t.Errorf("Memory = %v, want present %v", set.Memory, tt.wantMem)
			}
		})
	}
}
