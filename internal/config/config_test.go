package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAtCreatesDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".agentward")

	cfg, err := LoadAt(dir)
	if err != nil {
		t.Fatalf("LoadAt failed: %v", err)
	}

	for _, d := range []string{cfg.AgentwardDir, cfg.LogDir} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", d)
		}
	}
	if cfg.AuditDBPath != filepath.Join(dir, "audit.db") {
		t.Errorf("AuditDBPath = %q", cfg.AuditDBPath)
	}
	if cfg.CheckpointPath != filepath.Join(dir, "checkpoints.db") {
		t.Errorf("CheckpointPath = %q", cfg.CheckpointPath)
	}
}

func TestSettingsFromEnvironment(t *testing.T) {
	t.Setenv("AGENTWARD_LOG_LEVEL", "debug")
	t.Setenv("AGENTWARD_APPROVAL_TIMEOUT", "30s")

	cfg, err := LoadAt(filepath.Join(t.TempDir(), ".agentward"))
	if err != nil {
		t.Fatalf("LoadAt failed: %v", err)
	}

	if cfg.Settings.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Settings.LogLevel)
	}
	if cfg.Settings.ApprovalTimeout != 30*time.Second {
		t.Errorf("ApprovalTimeout = %v, want 30s", cfg.Settings.ApprovalTimeout)
	}
}

func TestSettingsDefaults(t *testing.T) {
	cfg, err := LoadAt(filepath.Join(t.TempDir(), ".agentward"))
	if err != nil {
		t.Fatalf("LoadAt failed: %v", err)
	}

	if cfg.Settings.ApprovalTimeout != 5*time.Minute {
		t.Errorf("default ApprovalTimeout = %v, want 5m", cfg.Settings.ApprovalTimeout)
	}
	if cfg.Settings.WatchDebounce != 200*time.Millisecond {
		t.Errorf("default WatchDebounce = %v, want 200ms", cfg.Settings.WatchDebounce)
	}
}

func TestBoundaryManifestPath(t *testing.T) {
	cfg, err := LoadAt(filepath.Join(t.TempDir(), ".agentward"))
	if err != nil {
		t.Fatalf("LoadAt failed: %v", err)
	}

	got := cfg.BoundaryManifestPath("/work/ws1")
	want := filepath.Join("/work/ws1", ".agentward", "boundary.yaml")
	if got != want {
		t.Errorf("BoundaryManifestPath = %q, want %q", got, want)
	}
}
