// Package config loads the step engine configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the step engine.
type Config struct {
	Version   int             `yaml:"version"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Engine    EngineConfig    `yaml:"engine"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Templates TemplatesConfig `yaml:"templates"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" jsonschema:"enum=json,enum=text"`
}

// SandboxConfig controls where script step programs run.
type SandboxConfig struct {
	// Backend is "process" or "docker".
	Backend        string        `yaml:"backend" jsonschema:"enum=process,enum=docker"`
	Interpreter    string        `yaml:"interpreter"`
	Command        []string      `yaml:"command"`
	DockerImage    string        `yaml:"docker_image"`
	MemoryMB       int           `yaml:"memory_mb"`
	CPUMillis      int           `yaml:"cpu_millis"`
	NetworkEnabled bool          `yaml:"network_enabled"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	Env            []string      `yaml:"env"`
}

type EngineConfig struct {
	EndTurnTool string `yaml:"end_turn_tool"`
	MaxSteps    int    `yaml:"max_steps"`

	// ToolAllowlist rejects tool calls missing from the agent template's
	// tool names.
	ToolAllowlist bool `yaml:"tool_allowlist"`
}

// LedgerConfig selects where step accounting is written.
type LedgerConfig struct {
	// Driver is "memory", "postgres" or "sqlite".
	Driver          string        `yaml:"driver" jsonschema:"enum=memory,enum=postgres,enum=sqlite"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	CreateSchema    bool          `yaml:"create_schema"`
}

type TemplatesConfig struct {
	Dirs            []string      `yaml:"dirs"`
	Watch           bool          `yaml:"watch"`
	WatchDebounce   time.Duration `yaml:"watch_debounce"`
	SchemaCacheSize int           `yaml:"schema_cache_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document. ${VAR} references are expanded from the
// environment first and unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = "process"
	}
	if cfg.Sandbox.Interpreter == "" {
		cfg.Sandbox.Interpreter = "node"
	}
	if cfg.Sandbox.DockerImage == "" {
		cfg.Sandbox.DockerImage = "node:20-alpine"
	}
	if cfg.Sandbox.MemoryMB == 0 {
		cfg.Sandbox.MemoryMB = 256
	}
	if cfg.Sandbox.CPUMillis == 0 {
		cfg.Sandbox.CPUMillis = 1000
	}
	if cfg.Sandbox.StartTimeout == 0 {
		cfg.Sandbox.StartTimeout = 10 * time.Second
	}
	if cfg.Engine.EndTurnTool == "" {
		cfg.Engine.EndTurnTool = "end_turn"
	}
	if cfg.Engine.MaxSteps == 0 {
		cfg.Engine.MaxSteps = 25
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = "memory"
	}
	if cfg.Templates.WatchDebounce == 0 {
		cfg.Templates.WatchDebounce = 250 * time.Millisecond
	}
	if cfg.Templates.SchemaCacheSize == 0 {
		cfg.Templates.SchemaCacheSize = 128
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "stepengine"
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Logging.Level)) {
		issues = append(issues, fmt.Sprintf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		issues = append(issues, fmt.Sprintf("logging.format: must be json or text, got %q", c.Logging.Format))
	}
	if c.Sandbox.Backend != "process" && c.Sandbox.Backend != "docker" {
		issues = append(issues, fmt.Sprintf("sandbox.backend: must be process or docker, got %q", c.Sandbox.Backend))
	}
	if c.Sandbox.MemoryMB < 0 {
		issues = append(issues, "sandbox.memory_mb: must not be negative")
	}
	if c.Sandbox.CPUMillis < 0 {
		issues = append(issues, "sandbox.cpu_millis: must not be negative")
	}
	if c.Sandbox.StartTimeout < 0 {
		issues = append(issues, "sandbox.start_timeout: must not be negative")
	}
	if c.Engine.MaxSteps < 0 {
		issues = append(issues, "engine.max_steps: must not be negative")
	}
	switch c.Ledger.Driver {
	case "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			issues = append(issues, fmt.Sprintf("ledger.dsn: required for driver %s", c.Ledger.Driver))
		}
	default:
		issues = append(issues, fmt.Sprintf("ledger.driver: must be memory, postgres or sqlite, got %q", c.Ledger.Driver))
	}
	if c.Templates.SchemaCacheSize < 0 {
		issues = append(issues, "templates.schema_cache_size: must not be negative")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate: must be between 0 and 1")
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
