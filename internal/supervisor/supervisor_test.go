package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testSupervisor() *Supervisor {
	return &Supervisor{
		agentID:      "agent-1",
		restartDelay: 10 * time.Millisecond,
		logger:       zap.NewNop(),
	}
}

func TestRunCriticalRespawnsOnError(t *testing.T) {
	s := testSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	done := make(chan struct{})

	s.runCritical(ctx, "test-loop", func(context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n >= 3 {
			close(done)
			return nil
		}
		return errors.New("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected loop to be respawned at least 3 times")
	}
}

func TestRunCriticalStopsOnContextCancel(t *testing.T) {
	s := testSupervisor()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	s.runCritical(ctx, "test-loop", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	time.Sleep(25 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	countAfterCancel := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != countAfterCancel {
		t.Fatal("expected loop to stop respawning after context cancellation")
	}
}
