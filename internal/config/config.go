// Package config provides configuration loading for orchd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SCHEDULER_MAX_PARALLEL, AGENT_COMMAND, ...)
//  2. YAML config file (.orchd/config.yaml in the target repository)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// maxConfigFileSize bounds the YAML file to keep a corrupt or hostile
// config from exhausting memory.
const maxConfigFileSize = 1024 * 1024

// DefaultDir is the orchd state directory inside the target repository.
const DefaultDir = ".orchd"

// Config is the root orchd configuration.
type Config struct {
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Criteria   CriteriaConfig   `koanf:"criteria"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Agent      AgentConfig      `koanf:"agent"`
	Records    RecordsConfig    `koanf:"records"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// SchedulerConfig controls the execution loop.
type SchedulerConfig struct {
	MaxParallel int `koanf:"max_parallel"`
	MaxAttempts int `koanf:"max_attempts"`
}

// CriteriaConfig controls success-criterion execution.
type CriteriaConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// CheckpointConfig controls per-phase git checkpoints.
type CheckpointConfig struct {
	Enabled bool `koanf:"enabled"`
}

// AgentConfig controls how the coding agent is invoked.
type AgentConfig struct {
	Command string        `koanf:"command"`
	Timeout time.Duration `koanf:"timeout"`
}

// RecordsConfig controls execution record storage.
type RecordsConfig struct {
	Dir string `koanf:"dir"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls OTLP export.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
}

// DefaultPath returns the config file path for a target repository.
func DefaultPath(repoDir string) string {
	return filepath.Join(repoDir, DefaultDir, "config.yaml")
}

// Load reads configuration from the YAML file at path, if it exists, then
// overrides from environment variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			// Open once and read through the descriptor to avoid a
			// TOCTOU race between stat and read.
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("open config file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return nil, fmt.Errorf("stat config file: %w", err)
			}
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}

			content, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	// Environment variables are uppercased with an underscore separator:
	// SCHEDULER_MAX_PARALLEL -> scheduler.max_parallel. The split is on
	// the first underscore only so field names keep theirs.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Scheduler.MaxParallel == 0 {
		cfg.Scheduler.MaxParallel = 2
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = 3
	}
	if cfg.Criteria.Timeout == 0 {
		cfg.Criteria.Timeout = 30 * time.Second
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 30 * time.Minute
	}
	if cfg.Records.Dir == "" {
		cfg.Records.Dir = filepath.Join(DefaultDir, "records")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Scheduler.MaxParallel < 1 {
		return fmt.Errorf("scheduler.max_parallel must be at least 1, got %d", c.Scheduler.MaxParallel)
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be at least 1, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Criteria.Timeout < 0 {
		return fmt.Errorf("criteria.timeout must not be negative")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}
