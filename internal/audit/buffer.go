package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"careledger/internal/platform/metrics"
)

// BufferConfig tunes the write buffer. Zero values fall back to the
// reference behavior: flush at 100 entries or every 3 seconds, abandon
// retries beyond 1000 pending entries.
type BufferConfig struct {
	Capacity      int
	FlushInterval time.Duration
	MaxPending    int
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 3 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1000
	}
	return c
}

// Buffer accumulates audit records in memory and flushes them to the store
// in batches. Submit never performs I/O; the durable write happens on the
// next threshold or timer trigger, decoupled from any caller's control flow.
//
// A failed flush re-prepends its batch so submission order is preserved
// across retries. Pending growth is bounded: beyond MaxPending the oldest
// entries are abandoned, a deliberate data-loss edge under sustained store
// outage, surfaced through metrics and a loud log line.
type Buffer struct {
	store   Store
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     BufferConfig

	mu      sync.Mutex
	pending []EventRecord

	kick chan struct{}
}

// BufferOption configures optional buffer collaborators.
type BufferOption func(*Buffer)

// WithSink attaches a best-effort fan-out sink invoked after each
// successful flush.
func WithSink(sink Sink) BufferOption {
	return func(b *Buffer) { b.sink = sink }
}

// NewBuffer creates a write buffer. Call Run in a background goroutine to
// enable timer and threshold flushing, and Shutdown at process teardown.
func NewBuffer(store Store, logger *slog.Logger, m *metrics.Metrics, cfg BufferConfig, opts ...BufferOption) *Buffer {
	b := &Buffer{
		store:   store,
		logger:  logger,
		metrics: m,
		cfg:     cfg.withDefaults(),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit appends a record to the pending batch and returns immediately.
// Submissions from concurrent callers are serialized only relative to the
// pending list, never relative to the callers' own logic.
func (b *Buffer) Submit(rec EventRecord) {
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	n := len(b.pending)
	b.mu.Unlock()

	b.metrics.EventsSubmitted.Inc()
	b.metrics.BufferPending.Set(float64(n))

	if n >= b.cfg.Capacity {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of records currently pending.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush swaps out the pending batch and attempts one atomic batch insert.
// Failures are absorbed: the batch is re-queued at the front, bounded by
// MaxPending. Errors never propagate to submitters.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := b.store.InsertBatch(ctx, batch); err != nil {
		b.metrics.FlushFailures.Inc()
		b.logger.WarnContext(ctx, "audit flush failed, re-buffering batch",
			"batch_size", len(batch),
			"error", err,
		)
		b.requeue(batch)
		return
	}

	b.metrics.EventsFlushed.Add(float64(len(batch)))
	b.metrics.BufferPending.Set(float64(b.Len()))

	if b.sink != nil {
		b.sink.Publish(ctx, batch)
	}
}

// requeue puts a failed batch back at the front of the pending list,
// preserving submission order, then trims the oldest entries if the bound
// is exceeded.
func (b *Buffer) requeue(batch []EventRecord) {
	b.mu.Lock()
	b.pending = append(batch, b.pending...)
	dropped := len(b.pending) - b.cfg.MaxPending
	if dropped > 0 {
		b.pending = b.pending[dropped:]
	}
	n := len(b.pending)
	b.mu.Unlock()

	b.metrics.BufferPending.Set(float64(n))
	if dropped > 0 {
		b.metrics.EventsDropped.Add(float64(dropped))
		b.logger.Error("audit buffer overflow, abandoning oldest entries",
			"dropped", dropped,
			"max_pending", b.cfg.MaxPending,
		)
	}
}

// Run drives timer and threshold flushing until the context is cancelled.
// Individual callers never await their own flush.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Flush(context.WithoutCancel(ctx))
		case <-b.kick:
			b.Flush(context.WithoutCancel(ctx))
		}
	}
}

// Shutdown performs one final synchronous flush so no buffered record is
// lost on a clean process exit.
func (b *Buffer) Shutdown(ctx context.Context) {
	b.Flush(ctx)
}
