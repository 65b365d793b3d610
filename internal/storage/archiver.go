package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bridge-sentinel/internal/schema"
)

// ArchiverConfig holds configuration for the batched event archiver.
type ArchiverConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultArchiverConfig returns the default archiver configuration.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Archiver buffers security events and writes them to ClickHouse in batches.
// It satisfies the orchestrator's event sink interface.
type Archiver struct {
	client *ClickHouseClient
	config ArchiverConfig

	buffer []*schema.SecurityEvent
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewArchiver creates an Archiver.
func NewArchiver(client *ClickHouseClient, cfg ArchiverConfig) *Archiver {
	a := &Archiver{
		client: client,
		config: cfg,
		buffer: make([]*schema.SecurityEvent, 0, cfg.BatchSize),
	}

	a.flushTimer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)

	return a
}

// Publish adds an event to the batch, flushing when the batch is full.
func (a *Archiver) Publish(ctx context.Context, event *schema.SecurityEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrArchiverClosed
	}

	a.buffer = append(a.buffer, event)

	if len(a.buffer) >= a.config.BatchSize {
		return a.flushLocked()
	}

	return nil
}

// timerFlush is called by the flush timer.
func (a *Archiver) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	if len(a.buffer) > 0 {
		if err := a.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}

	a.flushTimer.Reset(a.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (a *Archiver) flushLocked() error {
	if len(a.buffer) == 0 {
		return nil
	}

	events := a.buffer
	a.buffer = make([]*schema.SecurityEvent, 0, a.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.config.RetryDelay * time.Duration(attempt))
		}

		if err := a.insertBatch(events); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", a.config.MaxRetries,
				"error", err)
			continue
		}

		atomic.AddUint64(&a.totalWritten, uint64(len(events)))
		atomic.AddUint64(&a.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&a.totalFailed, uint64(len(events)))
	return fmt.Errorf("%w: after %d retries: %v", ErrBatchInsertFailed, a.config.MaxRetries, lastErr)
}

// insertBatch inserts a batch of events into ClickHouse.
func (a *Archiver) insertBatch(events []*schema.SecurityEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := a.client.PrepareBatch(ctx, `
		INSERT INTO security_events (
			event_id, event_type, severity, timestamp,
			source_component, bridge, network, description,
			evidence, recommended_actions, status, correlation_id
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		evidence, _ := json.Marshal(event.Evidence)

		err := batch.Append(
			event.ID,
			string(event.Type),
			string(event.Severity),
			event.Timestamp,
			event.SourceComponent,
			event.Bridge,
			event.Network,
			event.Description,
			string(evidence),
			event.RecommendedActions,
			string(event.Status),
			event.CorrelationID,
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("batch inserted", "count", len(events))
	return nil
}

// Flush forces a flush of the current buffer.
func (a *Archiver) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// Close stops the flush timer and flushes remaining events.
func (a *Archiver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.flushTimer.Stop()
	err := a.flushLocked()
	a.mu.Unlock()
	return err
}

// Stats returns archiver statistics.
func (a *Archiver) Stats() map[string]interface{} {
	a.mu.Lock()
	pending := len(a.buffer)
	a.mu.Unlock()

	return map[string]interface{}{
		"written": atomic.LoadUint64(&a.totalWritten),
		"failed":  atomic.LoadUint64(&a.totalFailed),
		"batches": atomic.LoadUint64(&a.batchCount),
		"pending": pending,
	}
}
