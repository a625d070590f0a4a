package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/netprobe-agent/internal/registry"
)

func newTestExecutor(t *testing.T, maxConcurrent int, collect func(Result)) *Executor {
	t.Helper()
	reg := registry.New()

	reg.Register("ok", registry.HandlerFunc(func(ctx context.Context, target string, port int, params map[string]any, deadline time.Time) (registry.Result, error) {
		return registry.Result{Protocol: "ok", Target: target, Port: port, Status: registry.StatusSuccess}, nil
	}))
	reg.Register("slow", registry.HandlerFunc(func(ctx context.Context, target string, port int, params map[string]any, deadline time.Time) (registry.Result, error) {
		select {
		case <-time.After(time.Second):
			return registry.Result{Status: registry.StatusSuccess}, nil
		case <-ctx.Done():
			return registry.Result{}, ctx.Err()
		}
	}))
	reg.Register("err", registry.HandlerFunc(func(ctx context.Context, target string, port int, params map[string]any, deadline time.Time) (registry.Result, error) {
		return registry.Result{}, errors.New("probe failed")
	}))

	e := New(Config{
		AgentID:            "agent-1",
		MaxConcurrentTasks: maxConcurrent,
		DefaultTimeout:     time.Second,
		Registry:           reg,
		ResultCallback:     collect,
	}, zap.NewNop())
	e.Start()
	return e
}

func TestSubmitBeforeStartFails(t *testing.T) {
	reg := registry.New()
	e := New(Config{AgentID: "agent-1", MaxConcurrentTasks: 1, Registry: reg}, zap.NewNop())

	if err := e.Submit(context.Background(), Task{ID: "t1", Protocol: "ok"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit = %v, want ErrNotRunning", err)
	}
}

func TestSubmitSuccessDeliversResult(t *testing.T) {
	var mu sync.Mutex
	var got *Result
	done := make(chan struct{})

	e := newTestExecutor(t, 4, func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		got = &r
		close(done)
	})
	defer e.Stop()

	if err := e.Submit(context.Background(), Task{ID: "t1", Protocol: "ok", Target: "example.com"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %v, want completed", got.Status)
	}
	if got.ProbeStatus != registry.StatusSuccess {
		t.Fatalf("ProbeStatus = %v, want success", got.ProbeStatus)
	}
}

func TestSubmitDuplicateTaskIDFails(t *testing.T) {
	e := newTestExecutor(t, 4, func(Result) {})
	defer e.Stop()

	if err := e.Submit(context.Background(), Task{ID: "dup", Protocol: "slow"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Submit(context.Background(), Task{ID: "dup", Protocol: "slow"}); !errors.Is(err, ErrAlreadyExecuting) {
		t.Fatalf("Submit (duplicate) = %v, want ErrAlreadyExecuting", err)
	}
}

func TestSubmitAtCapacityFails(t *testing.T) {
	e := newTestExecutor(t, 1, func(Result) {})
	defer e.Stop()

	if err := e.Submit(context.Background(), Task{ID: "a", Protocol: "slow"}); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	if err := e.Submit(context.Background(), Task{ID: "b", Protocol: "slow"}); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("Submit b = %v, want ErrAtCapacity", err)
	}
}

func TestTaskTimeout(t *testing.T) {
	var mu sync.Mutex
	var got *Result
	done := make(chan struct{})

	e := newTestExecutor(t, 1, func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			got = &r
			close(done)
		}
	})
	defer e.Stop()

	task := Task{ID: "timeout-1", Protocol: "slow", Timeout: 20 * time.Millisecond, MaxRetries: -1}
	if err := e.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Status != StatusTimeout {
		t.Fatalf("Status = %v, want timeout", got.Status)
	}
}

func TestCancelRunningTask(t *testing.T) {
	var mu sync.Mutex
	var got *Result
	done := make(chan struct{})

	e := newTestExecutor(t, 1, func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			got = &r
			close(done)
		}
	})
	defer e.Stop()

	if err := e.Submit(context.Background(), Task{ID: "cancel-me", Protocol: "slow", MaxRetries: -1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if !e.Cancel("cancel-me") {
		t.Fatal("expected Cancel to find the running task")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Status != StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", got.Status)
	}
}

func TestCancelUnknownTaskReturnsFalse(t *testing.T) {
	e := newTestExecutor(t, 1, func(Result) {})
	defer e.Stop()

	if e.Cancel("does-not-exist") {
		t.Fatal("expected Cancel to return false for unknown task")
	}
}

func TestStatisticsReflectTerminalStates(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)

	e := newTestExecutor(t, 4, func(Result) { wg.Done() })
	defer e.Stop()

	if err := e.Submit(context.Background(), Task{ID: "ok-1", Protocol: "ok"}); err != nil {
		t.Fatalf("Submit ok: %v", err)
	}
	if err := e.Submit(context.Background(), Task{ID: "err-1", Protocol: "err", MaxRetries: -1}); err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both results")
	}

	stats := e.Statistics()
	if stats.TotalSuccessful < 1 {
		t.Fatalf("TotalSuccessful = %d, want >= 1", stats.TotalSuccessful)
	}
	if stats.TotalFailed < 1 {
		t.Fatalf("TotalFailed = %d, want >= 1", stats.TotalFailed)
	}
}
