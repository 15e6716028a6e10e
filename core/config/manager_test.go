package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Store.WorkspaceID != "default" {
		t.Errorf("Store.WorkspaceID: got %s, want default", cfg.Store.WorkspaceID)
	}
	if cfg.Lock.EscalationThreshold != 16 {
		t.Errorf("Lock.EscalationThreshold: got %d, want 16", cfg.Lock.EscalationThreshold)
	}
	if cfg.Merge.MaxApplyRetries != 3 {
		t.Errorf("Merge.MaxApplyRetries: got %d, want 3", cfg.Merge.MaxApplyRetries)
	}
	if cfg.Session.TTL(0) != 30*time.Minute {
		t.Errorf("Session TTL: got %v, want 30m", cfg.Session.TTL(0))
	}
}

func TestManagerGet(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "loom.yaml"))

	cfg := m.Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level: got %s, want info", cfg.Log.Level)
	}
}

func TestManagerLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "loom.yaml")
	configContent := `
store:
  workspace_id: team-a
lock:
  escalation_threshold: 8
merge:
  max_apply_retries: 5
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	m := NewManager(configPath)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := m.Get()
	if cfg.Store.WorkspaceID != "team-a" {
		t.Errorf("WorkspaceID: got %s, want team-a", cfg.Store.WorkspaceID)
	}
	if cfg.Lock.EscalationThreshold != 8 {
		t.Errorf("EscalationThreshold: got %d, want 8", cfg.Lock.EscalationThreshold)
	}
	if cfg.Merge.MaxApplyRetries != 5 {
		t.Errorf("MaxApplyRetries: got %d, want 5", cfg.Merge.MaxApplyRetries)
	}
	// Fields the file omits keep their defaults.
	if cfg.Store.DBPath != filepath.Join(".loom", "workspace.db") {
		t.Errorf("DBPath should keep its default, got %s", cfg.Store.DBPath)
	}
}

func TestManagerLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))
	if err := m.Load(); err != nil {
		t.Fatalf("Load with missing file should not fail: %v", err)
	}
	if m.Get().Lock.EscalationThreshold != 16 {
		t.Error("Missing file should leave defaults intact")
	}
}

func TestManagerEnvironmentOverride(t *testing.T) {
	t.Setenv("LOOM_STORE_WORKSPACE_ID", "env-ws")
	t.Setenv("LOOM_LOCK_ESCALATION_THRESHOLD", "32")
	t.Setenv("LOOM_LOG_LEVEL", "DEBUG")

	m := NewManager(filepath.Join(t.TempDir(), "loom.yaml"))
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := m.Get()
	if cfg.Store.WorkspaceID != "env-ws" {
		t.Errorf("WorkspaceID: got %s, want env-ws", cfg.Store.WorkspaceID)
	}
	if cfg.Lock.EscalationThreshold != 32 {
		t.Errorf("EscalationThreshold: got %d, want 32", cfg.Lock.EscalationThreshold)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %s, want debug", cfg.Log.Level)
	}
}

func TestManagerOnChange(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "loom.yaml"))

	called := false
	m.OnChange(func(cfg *Config) {
		called = true
	})

	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !called {
		t.Error("OnChange callback should have been called")
	}
}

func TestManagerReload(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(configPath, []byte("merge:\n  max_apply_retries: 3"), 0644); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	m := NewManager(configPath)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("merge:\n  max_apply_retries: 7"), 0644); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if m.Get().Merge.MaxApplyRetries != 7 {
		t.Errorf("Reloaded MaxApplyRetries: got %d, want 7", m.Get().Merge.MaxApplyRetries)
	}
}

func TestDurationHelpers(t *testing.T) {
	c := LockConfig{AcquireTimeout: "45s", SweepInterval: "bogus"}

	if c.Timeout(time.Second) != 45*time.Second {
		t.Errorf("Timeout: got %v, want 45s", c.Timeout(time.Second))
	}
	if c.Sweep(2*time.Second) != 2*time.Second {
		t.Errorf("Malformed duration should fall back, got %v", c.Sweep(2*time.Second))
	}
	if c.TTL(time.Minute) != time.Minute {
		t.Errorf("Empty duration should fall back, got %v", c.TTL(time.Minute))
	}
}

func TestManagerClose(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "loom.yaml"))

	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Double close should not fail: %v", err)
	}
}
