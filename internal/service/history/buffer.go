// Package history records terminal pipeline runs and serves them back.
//
// Records are accumulated in memory and flushed to a storage.Store in
// batches, either when the batch size is reached or on a timer. Recording
// never blocks a request: when the buffer is at capacity the record is
// dropped and counted.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// Buffer accumulates run records in memory and flushes them to a Store
// when either the batch size or the flush interval is reached.
type Buffer struct {
	store        storage.Store
	logger       *slog.Logger
	batchSize    int
	capacity     int
	flushTimeout time.Duration

	mu      sync.Mutex
	records []model.RunRecord
	saving  []model.RunRecord // batch handed to the store, not yet committed

	dropped atomic.Int64 // records dropped because the buffer was full

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewBuffer creates a buffer that flushes every batchSize records or every
// flushTimeout, and holds at most capacity unflushed records.
func NewBuffer(store storage.Store, logger *slog.Logger, batchSize, capacity int, flushTimeout time.Duration) *Buffer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if capacity < batchSize {
		capacity = batchSize
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &Buffer{
		store:        store,
		logger:       logger,
		batchSize:    batchSize,
		capacity:     capacity,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record summarizes a terminal run and queues it. Its signature matches
// pipeline.Observer.
func (b *Buffer) Record(_ context.Context, run *model.PipelineRun) {
	if run == nil || !run.Status.Terminal() {
		return
	}
	rec := model.RecordFromRun(run)

	b.mu.Lock()
	if len(b.records) >= b.capacity {
		b.mu.Unlock()
		b.dropped.Add(1)
		b.logger.Warn("history: buffer at capacity, dropping run record", "run_id", rec.ID)
		return
	}
	b.records = append(b.records, rec)
	full := len(b.records) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Get returns a run record, looking at unflushed records first.
func (b *Buffer) Get(ctx context.Context, id uuid.UUID) (model.RunRecord, error) {
	b.mu.Lock()
	for _, set := range [][]model.RunRecord{b.records, b.saving} {
		for i := len(set) - 1; i >= 0; i-- {
			if set[i].ID == id {
				rec := set[i]
				b.mu.Unlock()
				return rec, nil
			}
		}
	}
	b.mu.Unlock()
	return b.store.GetRun(ctx, id)
}

// List returns up to limit of the most recently started runs, merging
// unflushed records with stored ones.
func (b *Buffer) List(ctx context.Context, limit int) ([]model.RunRecord, error) {
	limit = storage.ClampLimit(limit)

	b.mu.Lock()
	pending := make([]model.RunRecord, 0, len(b.records)+len(b.saving))
	pending = append(pending, b.records...)
	pending = append(pending, b.saving...)
	b.mu.Unlock()

	stored, err := b.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool, len(pending)+len(stored))
	out := make([]model.RunRecord, 0, len(pending)+len(stored))
	for _, set := range [][]model.RunRecord{pending, stored} {
		for _, r := range set {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	storage.SortRecords(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush needs the drain context.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.records) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.records
	b.records = nil
	b.saving = batch
	b.mu.Unlock()

	start := time.Now()
	count, err := b.store.SaveRuns(ctx, batch)
	duration := time.Since(start)

	// The batch leaves saving in the same critical section that requeues
	// it, so readers never see a gap.
	b.mu.Lock()
	b.saving = nil
	if err == nil {
		b.mu.Unlock()
		b.logger.Debug("history: batch flushed",
			"batch_size", count,
			"flush_duration_ms", duration.Milliseconds(),
		)
		return
	}
	dropped := 0
	switch {
	case errors.Is(err, context.Canceled):
		dropped = len(batch)
	case len(b.records)+len(batch) <= b.capacity:
		// Put records back for retry.
		b.records = append(batch, b.records...)
	default:
		dropped = len(batch)
	}
	b.mu.Unlock()

	b.logger.Error("history: flush failed", "error", err, "batch_size", len(batch))
	if dropped > 0 {
		b.dropped.Add(int64(dropped))
		b.logger.Error("history: dropping run records after flush failure", "dropped", dropped)
	}
}

// Drain signals the background flush loop to stop, waits for it to complete
// its final flush, and returns. ctx bounds both the wait and the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	} else {
		b.flush(ctx)
		return
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("history: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health.
// Called from Start() after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kensa/history")

	_, _ = meter.Int64ObservableGauge("kensa.history.depth",
		metric.WithDescription("Run records waiting to be flushed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kensa.history.dropped_total",
		metric.WithDescription("Run records dropped because the buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}

// Len returns the number of unflushed records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped returns the total number of records dropped. A non-zero value
// means history is incomplete.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// Ping checks the underlying store.
func (b *Buffer) Ping(ctx context.Context) error { return b.store.Ping(ctx) }
