// Package config handles configuration loading for the bridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/tether/internal/appdir"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// AgentConfig describes how the agent subprocess is invoked.
type AgentConfig struct {
	// Bin is the agent binary. Empty means "codex" resolved from PATH.
	Bin string `yaml:"bin"`
	// Args is an optional shell-style argument string appended after the
	// server-controlled base arguments. Parsed with shlex at spawn time.
	Args string `yaml:"args"`
	// Model is the model the supervisor enforces on every spawn.
	Model string `yaml:"model"`
	// ReasoningEffort is the reasoning effort the supervisor enforces.
	ReasoningEffort string `yaml:"reasoning_effort"`
	// WorkingDir is the default working directory for spawned agents.
	WorkingDir string `yaml:"working_dir"`
	// StartupTimeout bounds how long a spawn may take before it is
	// reported as failed.
	StartupTimeout Duration `yaml:"startup_timeout"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	// Bind is the listen address, e.g. "127.0.0.1:8787".
	Bind string `yaml:"bind"`
	// Token, when non-empty, is required from every client (Authorization
	// bearer header or ?token= query parameter).
	Token string `yaml:"token"`
	// AllowedOrigins restricts WebSocket origins. Empty allows all, which
	// is only sane behind a tunnel that authenticates for us.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ClientQueueSize is the per-client delivery queue capacity. A client
	// that falls further behind gets a resync.gap frame.
	ClientQueueSize int `yaml:"client_queue_size"`
	// CommandsPerSecond rate-limits client commands per connection.
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	// CommandBurst is the rate limiter burst size.
	CommandBurst int `yaml:"command_burst"`
}

// StoreConfig holds session log store settings.
type StoreConfig struct {
	// Dir is the base directory of the session log tree.
	// Default: ~/.tether/sessions.
	Dir string `yaml:"dir"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	File       string   `yaml:"file"`
	JSON       bool     `yaml:"json"`
	Components []string `yaml:"components"`
}

// Config is the complete bridge configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Gateway GatewayConfig `yaml:"gateway"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Bin:             "codex",
			Model:           "gpt-5",
			ReasoningEffort: "high",
			StartupTimeout:  Duration(30 * time.Second),
		},
		Gateway: GatewayConfig{
			Bind:              "127.0.0.1:8787",
			ClientQueueSize:   256,
			CommandsPerSecond: 10,
			CommandBurst:      20,
		},
		Store: StoreConfig{
			Dir: defaultSessionsDir(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	if envPath := os.Getenv("TETHER_CONFIG"); envPath != "" {
		return envPath
	}
	path, err := appdir.ConfigPath()
	if err != nil {
		return filepath.Join(".", "tether.yaml")
	}
	return path
}

func defaultSessionsDir() string {
	dir, err := appdir.SessionsDir()
	if err != nil {
		return filepath.Join(".", "sessions")
	}
	return dir
}

// Load reads the configuration file at path and merges it over the defaults.
// A missing file is not an error: the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Agent.Bin == "" {
		return fmt.Errorf("agent.bin must not be empty")
	}
	if c.Gateway.Bind == "" {
		return fmt.Errorf("gateway.bind must not be empty")
	}
	if c.Gateway.ClientQueueSize <= 0 {
		return fmt.Errorf("gateway.client_queue_size must be positive")
	}
	if c.Agent.StartupTimeout <= 0 {
		return fmt.Errorf("agent.startup_timeout must be positive")
	}
	return nil
}
