package poolconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Max != 10 {
		t.Errorf("expected default pool.max=10, got %d", cfg.Pool.Max)
	}
	if cfg.Pool.MaxIdleTime != 300*time.Second {
		t.Errorf("expected default pool.max_idle_time=300s, got %v", cfg.Pool.MaxIdleTime)
	}
	if cfg.RPC.SocketPath != "/tmp/poolcore.sock" {
		t.Errorf("unexpected default rpc.socket_path: %q", cfg.RPC.SocketPath)
	}
}

func TestLoad_YamlOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolcore.yaml")
	yaml := []byte("pool:\n  max: 42\n  max_idle_time: 60\nrpc:\n  socket_path: /var/run/poolcore.sock\n")
	if err := os.WriteFile(path, yaml, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Max != 42 {
		t.Errorf("expected pool.max=42, got %d", cfg.Pool.Max)
	}
	if cfg.Pool.MaxIdleTime != 60*time.Second {
		t.Errorf("expected pool.max_idle_time=60s, got %v", cfg.Pool.MaxIdleTime)
	}
	if cfg.RPC.SocketPath != "/var/run/poolcore.sock" {
		t.Errorf("expected rpc.socket_path override, got %q", cfg.RPC.SocketPath)
	}
}

func TestLoad_EnvOverridesYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolcore.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  max: 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POOLCORE_POOL_MAX", "99")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Max != 99 {
		t.Errorf("expected env override pool.max=99, got %d", cfg.Pool.Max)
	}
}
