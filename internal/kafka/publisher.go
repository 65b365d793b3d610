// Package kafka publishes security events to a Kafka topic for downstream
// consumers (dashboards, ticketing, long-term analytics).
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"bridge-sentinel/internal/schema"
)

// ErrPublisherClosed is returned when publishing after Close.
var ErrPublisherClosed = errors.New("kafka: publisher is closed")

// Config holds Kafka connection and producer behavior.
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	RequiredAcks int           `yaml:"required_acks"` // -1=all, 0=none, 1=leader
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "bridge-security-events",
		BatchSize:    100,
		BatchTimeout: time.Second,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		RequiredAcks: -1,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	return nil
}

// Publisher writes security events to Kafka. It satisfies the orchestrator's
// event sink interface.
type Publisher struct {
	writer *kafka.Writer
	config Config

	published uint64
	bytes     uint64
	errors    uint64
	retries   uint64

	closed atomic.Bool
}

// NewPublisher creates a Publisher.
func NewPublisher(config Config) (*Publisher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		MaxAttempts:  1, // retries are handled here, with backoff
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  kafka.Lz4,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	slog.Info("kafka publisher initialized",
		"brokers", config.Brokers,
		"topic", config.Topic,
		"batch_size", config.BatchSize)

	return &Publisher{writer: writer, config: config}, nil
}

// Publish serializes the event and writes it to the topic. Events are keyed
// by bridge address so all events for one bridge land on one partition in
// order; events without a bridge key by event id.
func (p *Publisher) Publish(ctx context.Context, event *schema.SecurityEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal event %s: %w", event.ID, err)
	}

	key := messageKey(event)

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  event.Timestamp,
	}

	var lastErr error
	backoff := p.config.RetryDelay
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddUint64(&p.retries, 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			lastErr = err
			atomic.AddUint64(&p.errors, 1)
			slog.Warn("kafka publish failed",
				"event_id", event.ID,
				"attempt", attempt+1,
				"error", err)
			continue
		}

		atomic.AddUint64(&p.published, 1)
		atomic.AddUint64(&p.bytes, uint64(len(value)+len(key)))
		return nil
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

func messageKey(event *schema.SecurityEvent) string {
	if event.Bridge != "" {
		return event.Bridge
	}
	return event.ID
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"published": atomic.LoadUint64(&p.published),
		"bytes":     atomic.LoadUint64(&p.bytes),
		"errors":    atomic.LoadUint64(&p.errors),
		"retries":   atomic.LoadUint64(&p.retries),
	}
}

// Close flushes buffered messages and closes the writer.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	slog.Info("closing kafka publisher", "published", atomic.LoadUint64(&p.published))

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}
