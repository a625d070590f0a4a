// Package supervisor owns the agent's lifecycle: it wires the control
// channel, task executor, result collector, and update client together,
// routes inbound control messages to the right component, runs the
// periodic resource-report loop, and respawns its own critical background
// loops if one dies unexpectedly — the same respawn responsibility
// original_source's Agent._run_forever holds over its connection_monitor
// and resource_monitor tasks, reworked from asyncio.Task polling into a
// goroutine-per-loop model with a restart wrapper.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/arkeep-io/netprobe-agent/internal/channel"
	"github.com/arkeep-io/netprobe-agent/internal/collector"
	"github.com/arkeep-io/netprobe-agent/internal/config"
	"github.com/arkeep-io/netprobe-agent/internal/executor"
	"github.com/arkeep-io/netprobe-agent/internal/metrics"
	"github.com/arkeep-io/netprobe-agent/internal/registry"
	"github.com/arkeep-io/netprobe-agent/internal/update"
)

// restartDelay is how long the scheduled restart script sleeps before
// relaunching the binary, giving the agent_command_response time to flush.
const restartDelay = 3 * time.Second

// Config configures a Supervisor.
type Config struct {
	AgentID   string
	Channel   *channel.Client
	Executor  *executor.Executor
	Collector *collector.Collector
	Metrics   *metrics.Collector
	Registry  *registry.Registry
	Configs   *config.Store

	// Update is the OTA update client. Nil if no update server is
	// configured; the restart agent_command is then acknowledged but
	// inert.
	Update *update.Client

	// RestartDelay is how long to wait before respawning a critical loop
	// that exited unexpectedly. Defaults to 5s.
	RestartDelay time.Duration
}

// Supervisor is the agent's top-level lifecycle owner.
type Supervisor struct {
	agentID      string
	channel      *channel.Client
	executor     *executor.Executor
	collector    *collector.Collector
	metrics      *metrics.Collector
	registry     *registry.Registry
	configs      *config.Store
	update       *update.Client
	restartDelay time.Duration
	logger       *zap.Logger
}

// New constructs a Supervisor and registers its control-message handlers on
// the given channel client.
func New(cfg Config, logger *zap.Logger) *Supervisor {
	restartDelay := cfg.RestartDelay
	if restartDelay <= 0 {
		restartDelay = 5 * time.Second
	}

	s := &Supervisor{
		agentID:      cfg.AgentID,
		channel:      cfg.Channel,
		executor:     cfg.Executor,
		collector:    cfg.Collector,
		metrics:      cfg.Metrics,
		registry:     cfg.Registry,
		configs:      cfg.Configs,
		update:       cfg.Update,
		restartDelay: restartDelay,
		logger:       logger.Named("supervisor"),
	}
	s.registerHandlers()
	return s
}

func (s *Supervisor) registerHandlers() {
	s.channel.RegisterHandler(channel.TypeTaskAssign, s.handleTaskAssign)
	s.channel.RegisterHandler(channel.TypeTaskCancel, s.handleTaskCancel)
	s.channel.RegisterHandler(channel.TypeConfigUpdate, s.handleConfigUpdate)
	s.channel.RegisterHandler(channel.TypeAgentCommand, s.handleAgentCommand)
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// everything down in reverse dependency order: executor (stop accepting
// and cancel in-flight work) before collector (flush what executor handed
// it) before the channel (nothing left to send).
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("agent starting", zap.String("agent_id", s.agentID))

	s.collector.Start(ctx)
	s.executor.Start()

	// The channel has its own context so it stays up until the collector's
	// final flush has gone out.
	channelCtx, stopChannel := context.WithCancel(context.Background())
	defer stopChannel()
	s.runCritical(channelCtx, "control_channel", func(ctx context.Context) error {
		s.channel.Run(ctx)
		return nil
	})
	s.runCritical(ctx, "resource_monitor", s.resourceReportLoop)

	<-ctx.Done()
	s.logger.Info("agent stopping")

	s.executor.Stop()
	s.collector.Stop(context.Background())
	stopChannel()

	s.logger.Info("agent stopped")
	return nil
}

// runCritical runs fn in its own goroutine and restarts it after
// restartDelay if it returns before ctx is cancelled — mirroring the
// original agent's respawn of connection_monitor/resource_monitor whenever
// either task exited with an exception.
func (s *Supervisor) runCritical(ctx context.Context, name string, fn func(context.Context) error) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			err := fn(ctx)

			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Error("critical loop exited with error, respawning",
					zap.String("loop", name), zap.Error(err))
			} else {
				s.logger.Warn("critical loop exited unexpectedly, respawning", zap.String("loop", name))
			}

			select {
			case <-time.After(s.restartDelay):
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Supervisor) resourceReportLoop(ctx context.Context) error {
	interval := s.configs.Get().ResourceReportInterval()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportResources(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Supervisor) reportResources(ctx context.Context) {
	if !s.channel.Connected() {
		s.logger.Debug("control channel not connected, skipping resource report")
		return
	}

	snap, err := s.metrics.Collect(ctx)
	if err != nil {
		s.logger.Warn("failed to collect resource metrics", zap.Error(err))
		return
	}

	msg, err := channel.NewMessage(channel.TypeResourceReport, resourceReportData{
		AgentID: s.agentID,
		Metrics: snap,
	})
	if err != nil {
		s.logger.Warn("failed to build resource report message", zap.Error(err))
		return
	}
	if err := s.channel.Send(msg); err != nil {
		s.logger.Warn("failed to send resource report", zap.Error(err))
	}
}

type resourceReportData struct {
	AgentID string          `json:"agent_id"`
	Metrics metrics.Snapshot `json:"metrics"`
}

// taskAssignData is the task_assign message's data payload.
type taskAssignData struct {
	TaskID     string         `json:"task_id"`
	Protocol   string         `json:"protocol"`
	Target     string         `json:"target"`
	Port       int            `json:"port"`
	TimeoutSec int            `json:"timeout_seconds"`
	MaxRetries int            `json:"max_retries"`
	Parameters map[string]any `json:"parameters"`
}

type taskAssignResponseData struct {
	TaskID       string `json:"task_id"`
	AgentID      string `json:"agent_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Supervisor) handleTaskAssign(ctx context.Context, msg channel.Message) {
	var data taskAssignData
	if err := msg.Decode(&data); err != nil {
		s.logger.Warn("failed to decode task_assign payload", zap.Error(err))
		return
	}

	task := executor.Task{
		ID:         data.TaskID,
		Protocol:   data.Protocol,
		Target:     data.Target,
		Port:       data.Port,
		Parameters: data.Parameters,
		MaxRetries: data.MaxRetries,
	}
	if data.TimeoutSec > 0 {
		task.Timeout = time.Duration(data.TimeoutSec) * time.Second
	}

	status := "accepted"
	errMsg := ""
	if err := s.executor.Submit(ctx, task); err != nil {
		status = "rejected"
		errMsg = err.Error()
		s.logger.Warn("rejected task assignment", zap.String("task_id", data.TaskID), zap.Error(err))
	} else {
		s.logger.Info("accepted task assignment", zap.String("task_id", data.TaskID), zap.String("protocol", data.Protocol))
	}

	s.respond(channel.TypeTaskAssignResponse, taskAssignResponseData{
		TaskID:       data.TaskID,
		AgentID:      s.agentID,
		Status:       status,
		ErrorMessage: errMsg,
	})
}

type taskCancelData struct {
	TaskID string `json:"task_id"`
}

type taskCancelResponseData struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func (s *Supervisor) handleTaskCancel(_ context.Context, msg channel.Message) {
	var data taskCancelData
	if err := msg.Decode(&data); err != nil {
		s.logger.Warn("failed to decode task_cancel payload", zap.Error(err))
		return
	}

	status := "not_found"
	if s.executor.Cancel(data.TaskID) {
		status = "cancelled"
	}

	s.respond(channel.TypeTaskCancelResponse, taskCancelResponseData{
		TaskID:  data.TaskID,
		AgentID: s.agentID,
		Status:  status,
	})
}

type configUpdateResponseData struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func (s *Supervisor) handleConfigUpdate(_ context.Context, msg channel.Message) {
	_, err := s.configs.Update(msg.Data)
	status := "updated"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
		s.logger.Warn("failed to apply config update", zap.Error(err))
	} else {
		s.logger.Info("applied config update")
	}

	s.respond(channel.TypeConfigUpdateResponse, configUpdateResponseData{
		AgentID: s.agentID,
		Status:  status,
		Error:   errMsg,
	})
}

type agentCommandData struct {
	Command string `json:"command"`
}

type agentCommandResponseData struct {
	Command string `json:"command"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// handleAgentCommand implements the closed command set {status,
// reload_config, restart}. reload_config is a no-op beyond acknowledgement
// since config.Store always reflects the live value; restart schedules the
// update client's restart script if one is configured, otherwise it's
// acknowledged but inert.
func (s *Supervisor) handleAgentCommand(ctx context.Context, msg channel.Message) {
	var data agentCommandData
	if err := msg.Decode(&data); err != nil {
		s.logger.Warn("failed to decode agent_command payload", zap.Error(err))
		return
	}

	resp := agentCommandResponseData{Command: data.Command, AgentID: s.agentID, Status: "unknown"}

	switch data.Command {
	case "status":
		resp.Status = "success"
		resp.Result = s.executor.Statistics()
	case "reload_config":
		resp.Status = "success"
	case "restart":
		s.handleRestart(ctx, &resp)
	default:
		resp.Status = "error"
		resp.Message = fmt.Sprintf("unknown command: %s", data.Command)
	}

	s.respond(channel.TypeAgentCommandResponse, resp)
}

func (s *Supervisor) handleRestart(ctx context.Context, resp *agentCommandResponseData) {
	if s.update == nil {
		resp.Status = "success"
		resp.Message = "restart command received, no update client configured"
		return
	}

	binaryPath, err := os.Executable()
	if err != nil {
		resp.Status = "error"
		resp.Message = fmt.Sprintf("resolve running binary: %s", err)
		return
	}

	if err := s.update.ScheduleRestart(ctx, restartDelay, binaryPath); err != nil {
		resp.Status = "error"
		resp.Message = err.Error()
		s.logger.Warn("failed to schedule restart", zap.Error(err))
		return
	}

	resp.Status = "success"
	resp.Message = "restart scheduled"
}

func (s *Supervisor) respond(msgType string, data any) {
	msg, err := channel.NewMessage(msgType, data)
	if err != nil {
		s.logger.Warn("failed to build response message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := s.channel.Send(msg); err != nil {
		s.logger.Warn("failed to send response", zap.String("type", msgType), zap.Error(err))
	}
}

// SendBatch adapts collector.SendFunc to the control channel, wrapping a
// result batch in a task_results_batch message.
func SendBatch(ch *channel.Client) collector.SendFunc {
	return func(_ context.Context, batch collector.Batch) error {
		msg, err := channel.NewMessage(channel.TypeTaskResultsBatch, batch)
		if err != nil {
			return fmt.Errorf("supervisor: build task_results_batch message: %w", err)
		}
		if !ch.Connected() {
			return channel.ErrNotConnected
		}
		return ch.Send(msg)
	}
}
