// Package config loads and persists the agent's local configuration file,
// the same atomic temp-file-plus-rename pattern agentid uses for its state
// file — so a crash mid-write never leaves a corrupt config on disk. A
// malformed or missing file falls back to built-in defaults rather than
// failing startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config is the agent's local configuration, loaded from ~/.agent/config.json
// and updatable live via config_update control messages.
type Config struct {
	ServerURL             string   `json:"server_url"`
	AgentID               string   `json:"agent_id"`
	AgentName             string   `json:"agent_name"`
	SharedSecret          string   `json:"shared_secret"`
	HeartbeatIntervalSec  int      `json:"heartbeat_interval_seconds"`
	ResourceReportSec     int      `json:"resource_report_interval_seconds"`
	MaxConcurrentTasks    int      `json:"max_concurrent_tasks"`
	DefaultTaskTimeoutSec int      `json:"default_task_timeout_seconds"`
	ResultBatchSize       int      `json:"result_batch_size"`
	ResultBatchTimeoutSec int      `json:"result_batch_timeout_seconds"`
	UpdateServerURL       string   `json:"update_server_url"`
	UpdateAPIKey          string   `json:"update_api_key"`
	InstallDir            string   `json:"install_dir"`
	Capabilities          []string `json:"capabilities,omitempty"`
}

// Defaults returns the built-in configuration used when no config file is
// present or the file on disk cannot be parsed.
func Defaults() Config {
	return Config{
		ServerURL:             "wss://localhost:8443/agent",
		HeartbeatIntervalSec:  30,
		ResourceReportSec:     60,
		MaxConcurrentTasks:    10,
		DefaultTaskTimeoutSec: 30,
		ResultBatchSize:       10,
		ResultBatchTimeoutSec: 30,
		InstallDir:            "/opt/netprobe-agent",
	}
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c Config) ResourceReportInterval() time.Duration {
	return time.Duration(c.ResourceReportSec) * time.Second
}

func (c Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.DefaultTaskTimeoutSec) * time.Second
}

func (c Config) ResultBatchTimeout() time.Duration {
	return time.Duration(c.ResultBatchTimeoutSec) * time.Second
}

// DefaultPath returns ~/.agent/config.json, creating no directories.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".agent", "config.json"), nil
}

// Load reads the config file at path, falling back to Defaults() and
// logging a warning if it is missing or malformed — a bad config file
// never prevents the agent from starting.
func Load(path string, logger *zap.Logger) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read config file, using defaults", zap.String("path", path), zap.Error(err))
		}
		return Defaults()
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		logger.Warn("config file is malformed, using defaults", zap.String("path", path), zap.Error(err))
		return Defaults()
	}
	return cfg
}

// Store wraps a Config with a mutex and the atomic-persist path, so
// config_update control messages can merge into the live value and persist
// it without racing the supervisor's readers.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg Config
}

// NewStore constructs a Store, loading the initial value from path (or
// defaults, per Load).
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, cfg: Load(path, logger)}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update merges the fields in patch into the live config (patch values
// override current ones only when the corresponding JSON field was
// present) and persists the result.
func (s *Store) Update(patch json.RawMessage) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.cfg
	if err := json.Unmarshal(patch, &merged); err != nil {
		return Config{}, fmt.Errorf("config: apply update: %w", err)
	}

	if err := save(s.path, merged); err != nil {
		return Config{}, err
	}
	s.cfg = merged
	return merged, nil
}

// Save persists cfg as the new live value.
func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := save(s.path, cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config.*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	ok = true
	return nil
}
