// Package agentid persists the agent's stable identifier across restarts,
// the same temp-file-plus-rename pattern arkeep's connection package uses
// for agent-state.json — so the control plane recognizes this agent on
// reconnect instead of minting a new record every time the process restarts.
package agentid

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type state struct {
	AgentID string `json:"agent_id"`
}

func filePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-id.json")
}

// LoadOrCreate reads the persisted agent ID from stateDir, generating and
// saving a fresh UUID if none exists yet.
func LoadOrCreate(stateDir string) (string, error) {
	data, err := os.ReadFile(filePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			id := uuid.NewString()
			if err := save(stateDir, id); err != nil {
				return "", err
			}
			return id, nil
		}
		return "", fmt.Errorf("agentid: read state file: %w", err)
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil || s.AgentID == "" {
		id := uuid.NewString()
		if err := save(stateDir, id); err != nil {
			return "", err
		}
		return id, nil
	}
	return s.AgentID, nil
}

func save(stateDir string, id string) error {
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("agentid: create state dir: %w", err)
	}

	data, err := json.Marshal(state{AgentID: id})
	if err != nil {
		return fmt.Errorf("agentid: marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(stateDir, "agent-id.*.tmp")
	if err != nil {
		return fmt.Errorf("agentid: create temp file: %w", err)
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
		return fmt.Errorf("agentid: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agentid: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath(stateDir)); err != nil {
		return fmt.Errorf("agentid: rename temp file: %w", err)
	}
	ok = true
	return nil
}
