package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop())
	if !reflect.DeepEqual(cfg, Defaults()) {
		t.Fatalf("expected defaults for missing file, got %+v", cfg)
	}
}

func TestLoadMalformedFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write malformed config: %v", err)
	}

	cfg := Load(path, zap.NewNop())
	if !reflect.DeepEqual(cfg, Defaults()) {
		t.Fatalf("expected defaults for malformed file, got %+v", cfg)
	}
}

func TestStoreUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path, zap.NewNop())

	updated, err := store.Update([]byte(`{"max_concurrent_tasks": 25}`))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.MaxConcurrentTasks != 25 {
		t.Fatalf("MaxConcurrentTasks = %d, want 25", updated.MaxConcurrentTasks)
	}

	reloaded := Load(path, zap.NewNop())
	if reloaded.MaxConcurrentTasks != 25 {
		t.Fatalf("reloaded MaxConcurrentTasks = %d, want 25", reloaded.MaxConcurrentTasks)
	}
}

func TestStoreGetReturnsCurrentValue(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "config.json"), zap.NewNop())
	if store.Get().MaxConcurrentTasks != Defaults().MaxConcurrentTasks {
		t.Fatalf("expected default max concurrent tasks before any update")
	}
}
