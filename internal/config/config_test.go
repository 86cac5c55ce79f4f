package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playground.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
server:
  listen_addr: ":9090"
worker:
  command: python3
  args: ["-u", "src/python/main.py"]
  port: 8101
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("Server.ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Worker.Command != "python3" {
		t.Errorf("Worker.Command = %q, want python3", cfg.Worker.Command)
	}
	if len(cfg.Worker.Args) != 2 || cfg.Worker.Args[1] != "src/python/main.py" {
		t.Errorf("Worker.Args = %v", cfg.Worker.Args)
	}
	if cfg.Worker.Port != 8101 {
		t.Errorf("Worker.Port = %d, want 8101", cfg.Worker.Port)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_WORKER_CMD", "/opt/agent/worker")

	yaml := `
worker:
  command: ${TEST_WORKER_CMD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.Command != "/opt/agent/worker" {
		t.Errorf("Worker.Command = %q, want /opt/agent/worker", cfg.Worker.Command)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
worker:
  command: python3
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", cfg.Server.ListenAddr, DefaultListenAddr)
	}
	if cfg.Worker.HostEnv != DefaultWorkerHostEnv {
		t.Errorf("HostEnv = %q, want default %q", cfg.Worker.HostEnv, DefaultWorkerHostEnv)
	}
	if cfg.Worker.ReadyMarker != DefaultWorkerReadyMarker {
		t.Errorf("ReadyMarker = %q, want default", cfg.Worker.ReadyMarker)
	}
	if cfg.Worker.MessageTimeout != 30*time.Second {
		t.Errorf("MessageTimeout = %s, want 30s", cfg.Worker.MessageTimeout)
	}
	if cfg.Worker.MaxRestartAttempts != DefaultMaxRestartAttempts {
		t.Errorf("MaxRestartAttempts = %d, want default", cfg.Worker.MaxRestartAttempts)
	}
	if cfg.Hub.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %s, want default", cfg.Hub.HeartbeatInterval)
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Log.Level = %q, want default", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.Worker.Command = "python3"
		cfg.applyDefaults()
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing command", func(c *Config) { c.Worker.Command = "" }},
		{"bad port", func(c *Config) { c.Worker.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"pong grace too long", func(c *Config) { c.Hub.PongGrace = c.Hub.HeartbeatInterval * 2 }},
		{"negative message timeout", func(c *Config) { c.Worker.MessageTimeout = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadAndValidate_MissingFile(t *testing.T) {
	if _, err := LoadAndValidate(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
