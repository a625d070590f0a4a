package hooks

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	name := "script.sh"
	if runtime.GOOS == "windows" {
		name = "script.bat"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture targets unix shells")
	}
	script := writeScript(t, t.TempDir(), "#!/bin/sh\necho hello\nexit 0\n")

	r := NewRunner(time.Second)
	result, err := r.Run(context.Background(), script)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture targets unix shells")
	}
	script := writeScript(t, t.TempDir(), "#!/bin/sh\nexit 3\n")

	r := NewRunner(time.Second)
	_, err := r.Run(context.Background(), script)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestRunTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture targets unix shells")
	}
	script := writeScript(t, t.TempDir(), "#!/bin/sh\nsleep 5\n")

	r := NewRunner(20 * time.Millisecond)
	_, err := r.Run(context.Background(), script)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRunPassesEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture targets unix shells")
	}
	script := writeScript(t, t.TempDir(), "#!/bin/sh\ntest \"$INSTALL_DIR\" = /opt/example\n")

	r := NewRunner(time.Second)
	r.Env = []string{"INSTALL_DIR=/opt/example"}
	if _, err := r.Run(context.Background(), script); err != nil {
		t.Fatalf("expected env var to be visible to script: %v", err)
	}
}

func TestRunEmptyPathIsNoop(t *testing.T) {
	r := NewRunner(time.Second)
	result, err := r.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
}
