// Package collector buffers incoming metrics and plan events between the
// producers and the storage engine, and owns the flush policy.
package collector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/NotMyself/claude-hall-monitor/internal/emitter"
	"github.com/NotMyself/claude-hall-monitor/internal/model"
	"github.com/NotMyself/claude-hall-monitor/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered entries to prevent
// OOM when the store is down for an extended period. A failed flush requeues
// its batch; only overflow beyond this cap is dropped (and counted).
const maxBufferCapacity = 100_000

// Store is the persistence surface the collector flushes to. Both batch
// operations are transactional: a failure never leaves a partial write.
type Store interface {
	InsertMetricBatch(ctx context.Context, entries []model.MetricEntry) error
	InsertPlanEventBatch(ctx context.Context, events []model.PlanEvent) error
}

// Collector accumulates entries in memory and flushes them to the store when
// the buffer reaches MaxBufferSize or the flush interval elapses.
type Collector struct {
	store         Store
	bus           *emitter.Emitter
	logger        *slog.Logger
	maxBufferSize int
	flushInterval time.Duration

	mu      sync.Mutex
	metrics []model.MetricEntry
	plans   []model.PlanEvent

	started atomic.Bool
	stopped atomic.Bool
	dropped atomic.Int64

	cancelLoop context.CancelFunc
	done       chan struct{}
}

// New creates a Collector. Call Start to begin the periodic flush loop.
func New(store Store, bus *emitter.Emitter, logger *slog.Logger, maxBufferSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		bus:           bus,
		logger:        logger,
		maxBufferSize: maxBufferSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start launches the periodic flush loop and registers buffer gauges.
// A second call is a no-op.
func (c *Collector) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("collector: already started")
		return
	}
	c.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelLoop = cancel
	go c.flushLoop(loopCtx)
}

// Collect appends entry to the buffer and emits it on the bus without waiting
// for subscribers. Reaching MaxBufferSize triggers an immediate flush. Entries
// collected after Shutdown are still buffered but are only persisted by an
// explicit Flush.
func (c *Collector) Collect(entry model.MetricEntry) {
	c.mu.Lock()
	if len(c.metrics)+len(c.plans) >= maxBufferCapacity {
		c.mu.Unlock()
		c.dropped.Add(1)
		c.logger.Error("collector: buffer at capacity, dropping entry", "id", entry.ID)
		return
	}
	c.metrics = append(c.metrics, entry)
	full := len(c.metrics)+len(c.plans) >= c.maxBufferSize
	c.mu.Unlock()

	go c.bus.Emit(emitter.EventMetric, entry)

	if full && !c.stopped.Load() {
		c.Flush(context.Background())
	}
}

// CollectPlanEvent is Collect for plan events.
func (c *Collector) CollectPlanEvent(event model.PlanEvent) {
	c.mu.Lock()
	if len(c.metrics)+len(c.plans) >= maxBufferCapacity {
		c.mu.Unlock()
		c.dropped.Add(1)
		c.logger.Error("collector: buffer at capacity, dropping plan event", "id", event.ID)
		return
	}
	c.plans = append(c.plans, event)
	full := len(c.metrics)+len(c.plans) >= c.maxBufferSize
	c.mu.Unlock()

	go c.bus.Emit(emitter.EventPlanEvent, event)

	if full && !c.stopped.Load() {
		c.Flush(context.Background())
	}
}

func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(c.done)
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush atomically drains the buffer and writes the drained batches to the
// store. A failed batch is pushed back to the front of the live buffer in
// original order for the next attempt; the batch insert is transactional, so
// a failure never leaves a partial write to duplicate against. Flushing an
// empty buffer is a no-op and emits nothing; a successful flush emits a
// "flush" event with the persisted count.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.metrics) == 0 && len(c.plans) == 0 {
		c.mu.Unlock()
		return
	}
	metricBatch := c.metrics
	planBatch := c.plans
	c.metrics = nil
	c.plans = nil
	c.mu.Unlock()

	start := time.Now()
	persisted := 0

	if len(metricBatch) > 0 {
		if err := c.store.InsertMetricBatch(ctx, metricBatch); err != nil {
			c.logger.Error("collector: metric flush failed, requeueing batch",
				"error", err, "batch_size", len(metricBatch))
			c.requeueMetrics(metricBatch)
		} else {
			persisted += len(metricBatch)
		}
	}
	if len(planBatch) > 0 {
		if err := c.store.InsertPlanEventBatch(ctx, planBatch); err != nil {
			c.logger.Error("collector: plan event flush failed, requeueing batch",
				"error", err, "batch_size", len(planBatch))
			c.requeuePlans(planBatch)
		} else {
			persisted += len(planBatch)
		}
	}

	if persisted > 0 {
		c.logger.Debug("collector: batch flushed",
			"count", persisted,
			"flush_duration_ms", time.Since(start).Milliseconds())
		c.bus.Emit(emitter.EventFlush, persisted)
	}
}

func (c *Collector) requeueMetrics(batch []model.MetricEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(batch)+len(c.metrics) > maxBufferCapacity {
		c.dropped.Add(int64(len(batch)))
		c.logger.Error("collector: dropping metric batch, buffer at capacity", "dropped", len(batch))
		return
	}
	c.metrics = append(batch, c.metrics...)
}

func (c *Collector) requeuePlans(batch []model.PlanEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(batch)+len(c.plans) > maxBufferCapacity {
		c.dropped.Add(int64(len(batch)))
		c.logger.Error("collector: dropping plan batch, buffer at capacity", "dropped", len(batch))
		return
	}
	c.plans = append(batch, c.plans...)
}

// Shutdown stops the periodic flush loop, performs one final flush to drain
// whatever remains, and emits a "shutdown" event. Safe to call once; later
// Collect calls still buffer but nothing auto-flushes.
func (c *Collector) Shutdown(ctx context.Context) {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	if c.cancelLoop != nil {
		c.cancelLoop()
		select {
		case <-c.done:
		case <-ctx.Done():
			c.logger.Warn("collector: shutdown timed out waiting for flush loop")
		}
	}
	c.Flush(ctx)
	c.bus.Emit(emitter.EventShutdown, nil)
}

// Len returns the current number of buffered entries of both kinds.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.metrics) + len(c.plans)
}

// Capacity returns the hard buffer capacity.
func (c *Collector) Capacity() int {
	return maxBufferCapacity
}

// Dropped returns the total entries dropped at capacity. Non-zero means data loss.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// registerMetrics registers observable gauges for buffer health.
func (c *Collector) registerMetrics() {
	meter := telemetry.Meter("hall-monitor/collector")

	_, _ = meter.Int64ObservableGauge("hallmonitor.collector.depth",
		metric.WithDescription("Current number of buffered entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("hallmonitor.collector.dropped_total",
		metric.WithDescription("Total entries dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.Dropped())
			return nil
		}),
	)
}
