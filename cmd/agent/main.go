// Package main is the entry point for the netprobe-agent binary.
// It wires all internal packages together and starts the supervisor.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load local config, resolve/persist the agent's stable ID
//  4. Build the protocol registry and register every compiled-in handler
//  5. Build the control channel client, executor, collector, and update client
//  6. Hand everything to the supervisor and run until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arkeep-io/netprobe-agent/internal/agentid"
	"github.com/arkeep-io/netprobe-agent/internal/channel"
	"github.com/arkeep-io/netprobe-agent/internal/collector"
	"github.com/arkeep-io/netprobe-agent/internal/config"
	"github.com/arkeep-io/netprobe-agent/internal/executor"
	"github.com/arkeep-io/netprobe-agent/internal/metrics"
	"github.com/arkeep-io/netprobe-agent/internal/probe"
	"github.com/arkeep-io/netprobe-agent/internal/registry"
	"github.com/arkeep-io/netprobe-agent/internal/supervisor"
	"github.com/arkeep-io/netprobe-agent/internal/update"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	configPath string
	logLevel   string
	logFile    string
	noConsole  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "netprobe-agent",
		Short: "Network probe agent — dials TCP/UDP/HTTP/HTTPS/ICMP targets on command",
		Long: `netprobe-agent runs on a host and connects to a control plane over a
persistent, mutually-authenticated JSON message stream. It executes probe
tasks the control plane assigns (TCP, UDP, HTTP/HTTPS, ICMP) and reports
results back in batches.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	defaultConfigPath, _ := config.DefaultPath()
	root.PersistentFlags().StringVar(&cfg.configPath, "config", envOrDefault("NETPROBE_CONFIG", defaultConfigPath), "Path to agent config file")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NETPROBE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.logFile, "log-file", envOrDefault("NETPROBE_LOG_FILE", ""), "Path to a log file (in addition to, or instead of, stdout)")
	root.PersistentFlags().BoolVar(&cfg.noConsole, "no-console", false, "Suppress stdout logging (requires --log-file)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netprobe-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cliCfg *cliConfig) error {
	logger, err := buildLogger(cliCfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configStore := config.NewStore(cliCfg.configPath, logger)
	cfg := configStore.Get()

	stateDir := os.ExpandEnv("$HOME/.agent")
	agentID := cfg.AgentID
	if agentID == "" {
		id, err := agentid.LoadOrCreate(stateDir)
		if err != nil {
			return fmt.Errorf("failed to resolve agent id: %w", err)
		}
		agentID = id
		cfg.AgentID = agentID
		if err := configStore.Save(cfg); err != nil {
			logger.Warn("failed to persist agent id to config", zap.Error(err))
		}
	}

	logger.Info("starting netprobe agent",
		zap.String("version", version),
		zap.String("agent_id", agentID),
		zap.String("server", cfg.ServerURL),
	)

	protocolRegistry := registry.New()
	protocolRegistry.Register("tcp", &probe.TCP{})
	protocolRegistry.Register("udp", &probe.UDP{})
	protocolRegistry.Register("http", &probe.HTTP{})
	protocolRegistry.Register("https", &probe.HTTP{ForceTLS: true})
	protocolRegistry.Register("icmp", &probe.ICMP{})

	channelClient := channel.New(channel.Config{
		ServerURL:           cfg.ServerURL,
		AgentID:             agentID,
		SharedSecret:        cfg.SharedSecret,
		AgentVersion:        version,
		Capabilities:        protocolRegistry.Capabilities(),
		HeartbeatInterval:   cfg.HeartbeatInterval(),
		MaxMissedHeartbeats: 0,
	}, logger)

	resultCollector := collector.New(collector.Config{
		AgentID:      agentID,
		BatchSize:    cfg.ResultBatchSize,
		BatchTimeout: cfg.ResultBatchTimeout(),
		Send:         supervisor.SendBatch(channelClient),
	}, logger)

	taskExecutor := executor.New(executor.Config{
		AgentID:            agentID,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		DefaultTimeout:     cfg.DefaultTaskTimeout(),
		Registry:           protocolRegistry,
		ResultCallback: func(r executor.Result) {
			resultCollector.Collect(context.Background(), r)
		},
	}, logger)

	metricsCollector := metrics.New("/")

	var updateClient *update.Client
	if cfg.UpdateServerURL != "" {
		updateClient, err = buildUpdateClient(cfg, agentID, logger)
		if err != nil {
			logger.Warn("update client unavailable", zap.Error(err))
		}
	}

	sup := supervisor.New(supervisor.Config{
		AgentID:   agentID,
		Channel:   channelClient,
		Executor:  taskExecutor,
		Collector: resultCollector,
		Metrics:   metricsCollector,
		Registry:  protocolRegistry,
		Configs:   configStore,
		Update:    updateClient,
	}, logger)

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor exited with error: %w", err)
	}

	logger.Info("netprobe agent stopped")
	return nil
}

// buildUpdateClient constructs the OTA update client when the config names
// an update server. Construction creates the install and backup
// directories, so a failure there is reported at startup. Nothing in this
// binary calls CheckForUpdates; the supervisor uses the client only for the
// restart agent_command.
func buildUpdateClient(cfg config.Config, agentID string, logger *zap.Logger) (*update.Client, error) {
	return update.New(update.Config{
		ServerURL:  cfg.UpdateServerURL,
		AgentID:    agentID,
		APIKey:     cfg.UpdateAPIKey,
		InstallDir: cfg.InstallDir,
	}, logger)
}

func buildLogger(cfg *cliConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	switch cfg.logLevel {
	case "debug":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.logLevel {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	var outputs []string
	if !cfg.noConsole {
		outputs = append(outputs, "stdout")
	}
	if cfg.logFile != "" {
		outputs = append(outputs, cfg.logFile)
	}
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapCfg.OutputPaths = outputs
	zapCfg.ErrorOutputPaths = outputs

	return zapCfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
