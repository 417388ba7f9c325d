package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.Agent.Bin != "codex" {
		t.Errorf("agent.bin = %q", cfg.Agent.Bin)
	}
	if cfg.Gateway.Bind != "127.0.0.1:8787" {
		t.Errorf("gateway.bind = %q", cfg.Gateway.Bind)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Bin != "codex" {
		t.Errorf("defaults not returned: %+v", cfg.Agent)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
agent:
  bin: my-agent
  model: o3
  startup_timeout: 5s
gateway:
  token: hunter2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.Bin != "my-agent" || cfg.Agent.Model != "o3" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Agent.StartupTimeout != Duration(5*time.Second) {
		t.Errorf("startup_timeout = %v", cfg.Agent.StartupTimeout)
	}
	if cfg.Gateway.Token != "hunter2" {
		t.Errorf("token = %q", cfg.Gateway.Token)
	}
	// Untouched values keep their defaults.
	if cfg.Gateway.ClientQueueSize != 256 {
		t.Errorf("client_queue_size = %d", cfg.Gateway.ClientQueueSize)
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("agent: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("broken YAML accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bin", func(c *Config) { c.Agent.Bin = "" }},
		{"empty bind", func(c *Config) { c.Gateway.Bind = "" }},
		{"zero queue", func(c *Config) { c.Gateway.ClientQueueSize = 0 }},
		{"zero timeout", func(c *Config) { c.Agent.StartupTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
