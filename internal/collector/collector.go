// Package collector buffers task results and flushes them to the control
// channel in batches, either when the buffer reaches its size limit or when
// a periodic timer fires — the same batching shape as original_source's
// TaskResultCollector, reworked so the network send never happens while the
// buffer lock is held: a flush swaps the buffer for a fresh one under lock,
// then sends the swapped-out slice unlocked.
package collector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/netprobe-agent/internal/executor"
)

const (
	defaultBatchSize           = 10
	defaultBatchTimeoutSeconds = 30
)

// Batch is what gets handed to the SendFunc: one agent's accumulated
// results since the last flush.
type Batch struct {
	AgentID   string            `json:"agent_id"`
	Timestamp time.Time         `json:"timestamp"`
	Results   []executor.Result `json:"results"`
}

// SendFunc transmits one batch to the control plane. A non-nil error means
// the batch was not delivered; Collector logs and drops it rather than
// retrying, since a result is only a point-in-time probe measurement and a
// retry would arrive stale.
type SendFunc func(ctx context.Context, batch Batch) error

// Config configures a new Collector.
type Config struct {
	AgentID      string
	BatchSize    int
	BatchTimeout time.Duration
	Send         SendFunc
}

// Collector accumulates task results and flushes them in batches.
type Collector struct {
	agentID      string
	batchSize    int
	batchTimeout time.Duration
	send         SendFunc
	logger       *zap.Logger

	mu      sync.Mutex
	buffer  []executor.Result
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Collector. Call Start to begin the periodic flush timer.
func New(cfg Config, logger *zap.Logger) *Collector {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeoutSeconds * time.Second
	}

	return &Collector{
		agentID:      cfg.AgentID,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		send:         cfg.Send,
		logger:       logger.Named("collector"),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the periodic batch-sender loop.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.batchSenderLoop(ctx)
	c.logger.Info("collector started",
		zap.Int("batch_size", c.batchSize), zap.Duration("batch_timeout", c.batchTimeout))
}

// Stop ends the periodic loop and flushes whatever remains buffered.
func (c *Collector) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh

	c.flush(ctx)
	c.logger.Info("collector stopped")
}

// Collect appends a result to the buffer, flushing immediately if the
// buffer has reached batch_size.
func (c *Collector) Collect(ctx context.Context, result executor.Result) {
	c.mu.Lock()
	c.buffer = append(c.buffer, result)
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if full {
		c.flush(ctx)
	}
}

func (c *Collector) batchSenderLoop(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// flush swaps out the buffer under lock, then sends the swapped-out slice
// without holding the lock — Collect can keep appending to the new buffer
// while the previous batch is still in flight over the network.
func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if c.send == nil {
		return
	}

	batch := Batch{
		AgentID:   c.agentID,
		Timestamp: time.Now(),
		Results:   pending,
	}

	if err := c.send(ctx, batch); err != nil {
		c.logger.Warn("failed to send result batch, dropping",
			zap.Int("batch_size", len(pending)), zap.Error(err))
		return
	}
	c.logger.Debug("sent result batch", zap.Int("batch_size", len(pending)))
}

// BufferStatus reports the collector's current buffering state.
type BufferStatus struct {
	BufferSize   int
	BatchSize    int
	BatchTimeout time.Duration
	Running      bool
}

// Status returns a snapshot of the collector's buffer state.
func (c *Collector) Status() BufferStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return BufferStatus{
		BufferSize:   len(c.buffer),
		BatchSize:    c.batchSize,
		BatchTimeout: c.batchTimeout,
		Running:      c.running,
	}
}
