package agentid

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty agent id")
	}

	if _, err := os.Stat(filePath(dir)); err != nil {
		t.Fatalf("expected state file to exist: %v", err)
	}

	again, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate (second call): %v", err)
	}
	if again != id {
		t.Fatalf("expected stable id across calls, got %q then %q", id, again)
	}
}

func TestLoadOrCreateRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filePath(dir), []byte("not json"), 0644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}

	id, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id == "" {
		t.Fatal("expected a freshly generated id")
	}
}

func TestLoadOrCreateDifferentDirsGetDifferentIDs(t *testing.T) {
	a, err := LoadOrCreate(filepath.Join(t.TempDir(), "a"))
	if err != nil {
		t.Fatalf("LoadOrCreate a: %v", err)
	}
	b, err := LoadOrCreate(filepath.Join(t.TempDir(), "b"))
	if err != nil {
		t.Fatalf("LoadOrCreate b: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct ids for distinct state dirs")
	}
}
