package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a KafkaDispatcher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes each batch as one message, keyed by timeframe.
type KafkaDispatcher struct {
	writer messageWriter
	topic  string
}

// NewKafkaDispatcher creates a dispatcher writing to cfg.Topic.
func NewKafkaDispatcher(cfg KafkaConfig) (*KafkaDispatcher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	// One attempt per batch: delivery failures surface to the caller.
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &KafkaDispatcher{writer: writer, topic: cfg.Topic}, nil
}

func (k *KafkaDispatcher) Name() string { return "kafka" }

func (k *KafkaDispatcher) Dispatch(ctx context.Context, updates []SwingUpdate) error {
	value, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("kafka: marshal: %w", err)
	}
	var key []byte
	if len(updates) > 0 {
		key = []byte(updates[0].Timeframe)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()}); err != nil {
		return fmt.Errorf("kafka: write %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaDispatcher) Close() error {
	return k.writer.Close()
}
