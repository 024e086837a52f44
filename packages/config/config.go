// Package config loads the server configuration from defaults, an optional
// YAML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Runner    RunnerConfig    `yaml:"runner"`
	Store     StoreConfig     `yaml:"store"`
	Tenant    TenantConfig    `yaml:"tenant"`
	Execution ExecutionConfig `yaml:"execution"`
	Stream    StreamConfig    `yaml:"stream"`
	Sandboxes []Sandbox       `yaml:"sandboxes"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// RunnerConfig describes the external test-runner process.
type RunnerConfig struct {
	// Command is a shell command line; run arguments are appended to it.
	Command string `yaml:"command"`
	Workdir string `yaml:"workdir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type TenantConfig struct {
	DefaultID int64 `yaml:"defaultId"`
}

type ExecutionConfig struct {
	RetainAfterExit time.Duration `yaml:"retainAfterExit"`
	MaxConcurrency  int           `yaml:"maxConcurrency"`
}

type StreamConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// Sandbox is a named environment preset bound to literal endpoints and
// credentials.
type Sandbox struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	FlowiseEndpoint   string `yaml:"flowiseEndpoint"`
	FlowiseAPIKey     string `yaml:"flowiseApiKey"`
	LangfuseHost      string `yaml:"langfuseHost"`
	LangfusePublicKey string `yaml:"langfusePublicKey"`
	LangfuseSecretKey string `yaml:"langfuseSecretKey"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "3001", Env: "production"},
		Runner: RunnerConfig{Command: "npx ts-node src/index.ts run", Workdir: "../test-agent"},
		Store:  StoreConfig{Path: "data/goaltest.db"},
		Tenant: TenantConfig{DefaultID: 1},
		Execution: ExecutionConfig{
			RetainAfterExit: 60 * time.Second,
			MaxConcurrency:  10,
		},
		Stream: StreamConfig{
			PollInterval: time.Second,
			IdleTimeout:  5 * time.Minute,
		},
	}
}

// For mocking in tests
var lookupEnv = os.LookupEnv

// Load layers the YAML file at path (optional, may be empty) and the
// environment over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
		default:
			cfg = merge(cfg, fileCfg)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a Config from a YAML file without defaults.
func LoadFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(base, overlay Config) Config {
	out := base
	if overlay.Server.Port != "" {
		out.Server.Port = overlay.Server.Port
	}
	if overlay.Server.Env != "" {
		out.Server.Env = overlay.Server.Env
	}
	if overlay.Runner.Command != "" {
		out.Runner.Command = overlay.Runner.Command
	}
	if overlay.Runner.Workdir != "" {
		out.Runner.Workdir = overlay.Runner.Workdir
	}
	if overlay.Store.Path != "" {
		out.Store.Path = overlay.Store.Path
	}
	if overlay.Tenant.DefaultID != 0 {
		out.Tenant.DefaultID = overlay.Tenant.DefaultID
	}
	if overlay.Execution.RetainAfterExit != 0 {
		out.Execution.RetainAfterExit = overlay.Execution.RetainAfterExit
	}
	if overlay.Execution.MaxConcurrency != 0 {
		out.Execution.MaxConcurrency = overlay.Execution.MaxConcurrency
	}
	if overlay.Stream.PollInterval != 0 {
		out.Stream.PollInterval = overlay.Stream.PollInterval
	}
	if overlay.Stream.IdleTimeout != 0 {
		out.Stream.IdleTimeout = overlay.Stream.IdleTimeout
	}
	if overlay.Sandboxes != nil {
		out.Sandboxes = overlay.Sandboxes
	}
	return out
}

func applyEnv(cfg *Config) error {
	if v, ok := lookupEnv("PORT"); ok && v != "" {
		cfg.Server.Port = v
	}
	if v, ok := lookupEnv("ENV"); ok && v != "" {
		cfg.Server.Env = v
	}
	if v, ok := lookupEnv("GOALTEST_RUNNER_COMMAND"); ok && v != "" {
		cfg.Runner.Command = v
	}
	if v, ok := lookupEnv("GOALTEST_DB_PATH"); ok && v != "" {
		cfg.Store.Path = v
	}
	if v, ok := lookupEnv("GOALTEST_TENANT_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid GOALTEST_TENANT_ID %q: %w", v, err)
		}
		cfg.Tenant.DefaultID = id
	}
	return nil
}

// Validate checks the values the server cannot run without.
func (c Config) Validate() error {
	if c.Runner.Command == "" {
		return errors.New("runner.command is required")
	}
	if c.Execution.MaxConcurrency < 1 {
		return fmt.Errorf("execution.maxConcurrency must be positive, got %d", c.Execution.MaxConcurrency)
	}
	if c.Stream.PollInterval <= 0 {
		return errors.New("stream.pollInterval must be positive")
	}
	return validateSandboxes(c.Sandboxes)
}

func validateSandboxes(sandboxes []Sandbox) error {
	seen := make(map[string]bool, len(sandboxes))
	for _, sb := range sandboxes {
		if sb.ID == "" {
			return errors.New("sandbox id is required")
		}
		if seen[sb.ID] {
			return fmt.Errorf("duplicate sandbox id %q", sb.ID)
		}
		seen[sb.ID] = true
	}
	return nil
}
