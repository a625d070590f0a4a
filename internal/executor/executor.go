// Package executor runs probe tasks concurrently, bounded by a semaphore,
// with per-task timeout, retry-with-backoff, and result emission — the same
// queue-and-worker shape as arkeep's executor package, reworked from a
// single sequential backup-job queue into a bounded-concurrency pool since
// probe tasks are short, independent, and meant to run in parallel.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/netprobe-agent/internal/registry"
)

// Status mirrors original_source's ExecutionStatus enum.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Task is one probe assignment received from the control channel.
type Task struct {
	ID         string
	Protocol   string
	Target     string
	Port       int
	Timeout    time.Duration
	Parameters map[string]any
	MaxRetries int
}

// Execution tracks one task's lifecycle, mirroring original_source's
// TaskExecution dataclass.
type Execution struct {
	Task       Task
	Status     Status
	StartTime  time.Time
	EndTime    time.Time
	Result     registry.Result
	HasResult  bool
	ErrMessage string
	RetryCount int
}

// DurationMS returns the execution's wall time once both timestamps are set.
func (e *Execution) DurationMS() float64 {
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return 0
	}
	return float64(e.EndTime.Sub(e.StartTime)) / float64(time.Millisecond)
}

func (e *Execution) canRetry() bool {
	max := e.Task.MaxRetries
	if max == 0 {
		max = defaultMaxRetries
	}
	return e.Status == StatusFailed && e.RetryCount < max
}

// Result is the payload handed to the ResultCallback after a task reaches a
// terminal state — this is what feeds the collector's batch buffer.
type Result struct {
	TaskID        string
	AgentID       string
	ExecutionTime time.Time
	DurationMS    float64
	Status        Status
	ErrorMessage  string
	RetryCount    int
	ProbeStatus   registry.Status
	Metrics       map[string]any
	RawData       map[string]any
}

// ResultCallback receives one task's terminal result. Implementations must
// not block for long — the executor calls it synchronously from the worker
// goroutine handling that task.
type ResultCallback func(Result)

const (
	defaultMaxConcurrentTasks = 10
	defaultTimeout            = 30 * time.Second
	defaultMaxRetries         = 3
	maxRetryBackoffSeconds    = 60
)

// ErrNotRunning is returned by Submit when the executor has not been started.
var ErrNotRunning = errors.New("executor: not running")

// ErrAlreadyExecuting is returned by Submit for a duplicate task ID.
var ErrAlreadyExecuting = errors.New("executor: task already executing")

// ErrAtCapacity is returned by Submit when max concurrent tasks is reached.
var ErrAtCapacity = errors.New("executor: at max concurrent tasks")

// Stats is a snapshot of the executor's running counters.
type Stats struct {
	TotalExecuted    int
	TotalSuccessful  int
	TotalFailed      int
	TotalTimeout     int
	TotalCancelled   int
	AvgExecutionMS   float64
	CurrentlyRunning int
}

// Executor runs probe tasks with bounded concurrency.
type Executor struct {
	agentID            string
	maxConcurrentTasks int
	defaultTimeout     time.Duration
	registry           *registry.Registry
	callback           ResultCallback
	logger             *zap.Logger

	sem chan struct{}

	mu         sync.Mutex
	running    bool
	executions map[string]*Execution
	cancels    map[string]context.CancelFunc

	statsMu sync.Mutex
	stats   Stats
}

// Config configures a new Executor.
type Config struct {
	AgentID            string
	MaxConcurrentTasks int
	DefaultTimeout     time.Duration
	Registry           *registry.Registry
	ResultCallback     ResultCallback
}

// New constructs an Executor. Call Start before Submit.
func New(cfg Config, logger *zap.Logger) *Executor {
	maxConcurrent := cfg.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentTasks
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Executor{
		agentID:            cfg.AgentID,
		maxConcurrentTasks: maxConcurrent,
		defaultTimeout:     timeout,
		registry:           cfg.Registry,
		callback:           cfg.ResultCallback,
		logger:             logger.Named("executor"),
		sem:                make(chan struct{}, maxConcurrent),
		executions:         make(map[string]*Execution),
		cancels:            make(map[string]context.CancelFunc),
	}
}

// Start marks the executor as accepting tasks.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.logger.Info("executor started", zap.Int("max_concurrent_tasks", e.maxConcurrentTasks))
}

// Stop cancels every in-flight execution and waits for them to release their
// semaphore slot. Submit returns ErrNotRunning for any call after Stop begins.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.running = false
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, cancel := range e.cancels {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	for i := 0; i < e.maxConcurrentTasks; i++ {
		e.sem <- struct{}{}
	}
	for i := 0; i < e.maxConcurrentTasks; i++ {
		<-e.sem
	}

	e.logger.Info("executor stopped")
}

// Submit admits a task for execution. Returns an error immediately if the
// executor is stopped, the task ID is already running, the agent is at its
// concurrency cap, or no handler is registered for the task's protocol —
// the supervisor reports each of these to the control plane as a
// task_assign_response with status "rejected".
func (e *Executor) Submit(ctx context.Context, task Task) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if _, exists := e.executions[task.ID]; exists {
		e.mu.Unlock()
		return ErrAlreadyExecuting
	}
	if len(e.executions) >= e.maxConcurrentTasks {
		e.mu.Unlock()
		return ErrAtCapacity
	}
	if _, err := e.registry.Get(task.Protocol); err != nil {
		e.mu.Unlock()
		return err
	}

	if task.Timeout <= 0 {
		task.Timeout = e.defaultTimeout
	}

	execution := &Execution{Task: task, Status: StatusPending, StartTime: time.Now()}
	e.executions[task.ID] = execution
	e.mu.Unlock()

	go e.run(ctx, execution)
	e.logger.Info("task submitted", zap.String("task_id", task.ID), zap.String("protocol", task.Protocol))
	return nil
}

// Cancel stops a running task by ID. Returns false if the task is unknown.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Statistics returns a snapshot of the executor's running counters.
func (e *Executor) Statistics() Stats {
	e.statsMu.Lock()
	stats := e.stats
	e.statsMu.Unlock()

	e.mu.Lock()
	stats.CurrentlyRunning = len(e.executions)
	e.mu.Unlock()
	return stats
}

// run is the per-task goroutine: acquire the semaphore slot, perform the
// probe, emit the result, then either schedule a retry or drop the record.
func (e *Executor) run(parentCtx context.Context, execution *Execution) {
	select {
	case e.sem <- struct{}{}:
	case <-parentCtx.Done():
		e.finalize(execution, StatusCancelled, "", registry.Result{}, false)
		e.updateStats(execution)
		e.sendResult(execution)
		e.removeExecution(execution.Task.ID)
		return
	}
	defer func() { <-e.sem }()

	taskCtx, cancel := context.WithTimeout(parentCtx, execution.Task.Timeout)
	e.mu.Lock()
	e.cancels[execution.Task.ID] = cancel
	e.mu.Unlock()

	e.perform(taskCtx, execution)
	cancel()
	e.mu.Lock()
	delete(e.cancels, execution.Task.ID)
	e.mu.Unlock()

	e.updateStats(execution)

	if execution.canRetry() {
		execution.RetryCount++
		backoffSeconds := math.Min(math.Pow(2, float64(execution.RetryCount)), maxRetryBackoffSeconds)
		backoff := time.Duration(backoffSeconds) * time.Second
		e.logger.Info("retrying task", zap.String("task_id", execution.Task.ID),
			zap.Int("retry_count", execution.RetryCount), zap.Duration("backoff", backoff))

		execution.Status = StatusPending
		execution.EndTime = time.Time{}
		execution.ErrMessage = ""

		select {
		case <-time.After(backoff):
		case <-parentCtx.Done():
			// The window between the backoff sleep and re-dispatch has no
			// in-flight worker to surface cancellation, so the terminal
			// record has to be emitted here or it's lost entirely.
			e.finalize(execution, StatusCancelled, "task cancelled during retry backoff", registry.Result{}, false)
			e.sendResult(execution)
			e.removeExecution(execution.Task.ID)
			return
		}
		execution.StartTime = time.Now()
		e.run(parentCtx, execution)
		return
	}

	e.sendResult(execution)
	e.removeExecution(execution.Task.ID)
}

func (e *Executor) removeExecution(taskID string) {
	e.mu.Lock()
	delete(e.executions, taskID)
	e.mu.Unlock()
}

func (e *Executor) perform(ctx context.Context, execution *Execution) {
	handler, err := e.registry.Get(execution.Task.Protocol)
	if err != nil {
		e.finalize(execution, StatusFailed, err.Error(), registry.Result{}, false)
		return
	}

	execution.Status = StatusRunning
	execution.StartTime = time.Now()

	deadline, _ := ctx.Deadline()
	resultCh := make(chan registry.Result, 1)
	errCh := make(chan error, 1)

	go func() {
		result, err := handler.Probe(ctx, execution.Task.Target, execution.Task.Port, execution.Task.Parameters, deadline)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	var handlerErr error
	select {
	case result := <-resultCh:
		e.finalize(execution, StatusCompleted, "", result, true)
		return
	case handlerErr = <-errCh:
	case <-ctx.Done():
	}

	// A handler that returns ctx.Err() races the ctx.Done case above; the
	// context's state decides the terminal status either way.
	switch {
	case ctx.Err() == nil:
		e.finalize(execution, StatusFailed, handlerErr.Error(), registry.Result{}, false)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.finalize(execution, StatusTimeout, fmt.Sprintf("task exceeded %s timeout", execution.Task.Timeout), registry.Result{}, false)
	default:
		e.finalize(execution, StatusCancelled, "task cancelled", registry.Result{}, false)
	}
}

func (e *Executor) finalize(execution *Execution, status Status, errMsg string, result registry.Result, hasResult bool) {
	execution.Status = status
	execution.EndTime = time.Now()
	execution.ErrMessage = errMsg
	execution.Result = result
	execution.HasResult = hasResult
}

func (e *Executor) updateStats(execution *Execution) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.TotalExecuted++
	switch execution.Status {
	case StatusCompleted:
		e.stats.TotalSuccessful++
	case StatusFailed:
		e.stats.TotalFailed++
	case StatusTimeout:
		e.stats.TotalTimeout++
	case StatusCancelled:
		e.stats.TotalCancelled++
	}

	if d := execution.DurationMS(); d > 0 {
		total := e.stats.AvgExecutionMS * float64(e.stats.TotalExecuted-1)
		e.stats.AvgExecutionMS = (total + d) / float64(e.stats.TotalExecuted)
	}
}

func (e *Executor) sendResult(execution *Execution) {
	if e.callback == nil {
		return
	}

	result := Result{
		TaskID:        execution.Task.ID,
		AgentID:       e.agentID,
		ExecutionTime: execution.StartTime,
		DurationMS:    execution.DurationMS(),
		Status:        execution.Status,
		ErrorMessage:  execution.ErrMessage,
		RetryCount:    execution.RetryCount,
	}
	if execution.HasResult {
		result.ProbeStatus = execution.Result.Status
		result.Metrics = execution.Result.Metrics
		result.RawData = execution.Result.RawData
	}

	e.callback(result)
}
