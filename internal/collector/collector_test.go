package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/netprobe-agent/internal/executor"
)

type fakeSender struct {
	mu      sync.Mutex
	batches []Batch
}

func (f *fakeSender) send(_ context.Context, batch Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestCollectFlushesAtBatchSize(t *testing.T) {
	sender := &fakeSender{}
	c := New(Config{
		AgentID:      "agent-1",
		BatchSize:    2,
		BatchTimeout: time.Hour,
		Send:         sender.send,
	}, zap.NewNop())

	ctx := context.Background()
	c.Collect(ctx, executor.Result{TaskID: "t1"})
	if sender.count() != 0 {
		t.Fatalf("expected no flush yet, got %d batches", sender.count())
	}
	c.Collect(ctx, executor.Result{TaskID: "t2"})

	if sender.count() != 1 {
		t.Fatalf("expected 1 batch after reaching batch size, got %d", sender.count())
	}
	if len(sender.batches[0].Results) != 2 {
		t.Fatalf("expected 2 results in batch, got %d", len(sender.batches[0].Results))
	}
}

func TestStopFlushesRemainder(t *testing.T) {
	sender := &fakeSender{}
	c := New(Config{
		AgentID:      "agent-1",
		BatchSize:    10,
		BatchTimeout: time.Hour,
		Send:         sender.send,
	}, zap.NewNop())

	ctx := context.Background()
	c.Start(ctx)
	c.Collect(ctx, executor.Result{TaskID: "t1"})
	c.Stop(ctx)

	if sender.count() != 1 {
		t.Fatalf("expected final flush on stop, got %d batches", sender.count())
	}
}

func TestFlushWithEmptyBufferIsNoop(t *testing.T) {
	sender := &fakeSender{}
	c := New(Config{AgentID: "agent-1", Send: sender.send}, zap.NewNop())
	c.flush(context.Background())
	if sender.count() != 0 {
		t.Fatalf("expected no send for empty buffer, got %d", sender.count())
	}
}

func TestSendFailureDropsBatch(t *testing.T) {
	c := New(Config{
		AgentID: "agent-1",
		Send: func(context.Context, Batch) error {
			return context.DeadlineExceeded
		},
	}, zap.NewNop())

	ctx := context.Background()
	c.Collect(ctx, executor.Result{TaskID: "t1"})
	c.flush(ctx)

	status := c.Status()
	if status.BufferSize != 0 {
		t.Fatalf("expected buffer cleared even on send failure, got %d", status.BufferSize)
	}
}
