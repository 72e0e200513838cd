// Package config loads checkpointer configuration from a YAML file with
// optional command-line flag overrides supplied by the embedding
// application.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"flowpoint/checkpoint"
)

// Config represents the library configuration an embedding application
// loads before constructing a Checkpointer.
type Config struct {
	Checkpoint  Checkpoint `yaml:"checkpoint"`
	LogLevel    string     `yaml:"log_level"`
	MetricsAddr string     `yaml:"metrics_addr"`
}

// Checkpoint represents checkpoint-engine configuration.
type Checkpoint struct {
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	RedisAddr    string `yaml:"redis_addr"`
	RecoveryMode string `yaml:"recovery_mode"`
}

// Load loads configuration from a YAML file and applies overrides from
// flags. Both arguments are optional: an empty filename skips the file,
// a nil flag set skips overrides.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Checkpoint: Checkpoint{
			Backend:      checkpoint.BackendMemory,
			Path:         checkpoint.DefaultSQLitePath,
			RecoveryMode: string(checkpoint.ResumeFromLast),
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("checkpoint-backend") {
		cfg.Checkpoint.Backend, _ = flags.GetString("checkpoint-backend")
	}
	if flags.Changed("checkpoint-path") {
		cfg.Checkpoint.Path, _ = flags.GetString("checkpoint-path")
	}
	if flags.Changed("checkpoint-redis-addr") {
		cfg.Checkpoint.RedisAddr, _ = flags.GetString("checkpoint-redis-addr")
	}
	if flags.Changed("recovery-mode") {
		cfg.Checkpoint.RecoveryMode, _ = flags.GetString("recovery-mode")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	return nil
}

// RegisterFlags adds the flags Load understands to an application's
// flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("checkpoint-backend", checkpoint.BackendMemory, "Checkpoint backend (memory/sqlite/redis)")
	flags.String("checkpoint-path", checkpoint.DefaultSQLitePath, "Checkpoint database file (sqlite backend)")
	flags.String("checkpoint-redis-addr", "", "Redis address (redis backend)")
	flags.String("recovery-mode", string(checkpoint.ResumeFromLast), "Recovery mode (resume_from_last/restart_task/skip_failed/manual)")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.String("metrics-addr", "", "Address for the Prometheus /metrics server (disabled when empty)")
}

func (c *Config) validate() error {
	switch c.Checkpoint.Backend {
	case checkpoint.BackendMemory, checkpoint.BackendSQLite, checkpoint.BackendRedis:
	default:
		return fmt.Errorf("unknown checkpoint backend: %q", c.Checkpoint.Backend)
	}

	if c.Checkpoint.Backend == checkpoint.BackendSQLite && c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint path is required for the sqlite backend")
	}
	if c.Checkpoint.Backend == checkpoint.BackendRedis && c.Checkpoint.RedisAddr == "" {
		return fmt.Errorf("redis address is required for the redis backend")
	}

	if _, err := checkpoint.ParseRecoveryMode(c.Checkpoint.RecoveryMode); err != nil {
		return err
	}

	return nil
}

// RecoveryMode returns the parsed recovery mode. Load validated it, so
// the zero value only appears for a hand-built, unvalidated Config.
func (c *Config) RecoveryMode() checkpoint.RecoveryMode {
	mode, _ := checkpoint.ParseRecoveryMode(c.Checkpoint.RecoveryMode)
	return mode
}
