// Package config loads and validates the traceloom configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig registers one event producer.
type SourceConfig struct {
	// Name is the source identity stamped on every event it produces.
	Name string `yaml:"name"`
	// Path is the newline-delimited payload file the producer appends to.
	Path string `yaml:"path"`
	// Advisory marks the source as a recommendation feed; intents coming
	// from advisory sources feed the advice-acted ratio.
	Advisory bool `yaml:"advisory"`
}

// RotationConfig bounds the active log segment.
type RotationConfig struct {
	MaxSizeBytes int64         `yaml:"max_size_bytes"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// Config is the full daemon configuration.
type Config struct {
	// Path is where the config was loaded from; set by Load, not the file.
	Path string `yaml:"-"`

	// DataDir holds the event log, checkpoints, snapshots, and dead letters.
	DataDir string `yaml:"data_dir"`

	PollInterval  time.Duration `yaml:"poll_interval"`
	SourceTimeout time.Duration `yaml:"source_timeout"`

	// Listen is the read API bind address; empty disables the API.
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// Strict rejects a source's whole batch when any record fails
	// validation, instead of dead-lettering just the bad ones.
	Strict bool `yaml:"strict"`

	Rotation RotationConfig `yaml:"rotation"`

	// Retention is how long sealed archives are kept before compaction.
	Retention time.Duration `yaml:"retention"`
	// KPIWindow bounds the windowed success and failure counters.
	KPIWindow time.Duration `yaml:"kpi_window"`
	// TraceRetention is how long a terminal trace stays materialized
	// before it is folded into the lifetime counters. Clamped to at
	// least KPIWindow.
	TraceRetention time.Duration `yaml:"trace_retention"`

	Sources []SourceConfig `yaml:"sources"`
}

func defaultConfig() Config {
	return Config{
		DataDir:        defaultDataDir(),
		PollInterval:   2 * time.Second,
		SourceTimeout:  2 * time.Second,
		Listen:         "127.0.0.1:7410",
		LogLevel:       "info",
		Rotation:       RotationConfig{MaxSizeBytes: 64 << 20, MaxAge: 24 * time.Hour},
		Retention:      30 * 24 * time.Hour,
		KPIWindow:      24 * time.Hour,
		TraceRetention: 7 * 24 * time.Hour,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".traceloom"
	}
	return filepath.Join(home, ".traceloom")
}

// Load reads the config file at path, or defaults when path is empty and
// no file exists at the default location.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}
	cfg.Path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRACELOOM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TRACELOOM_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("TRACELOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 2 * time.Second
	}
	if cfg.Rotation.MaxSizeBytes <= 0 {
		cfg.Rotation.MaxSizeBytes = 64 << 20
	}
	if cfg.Rotation.MaxAge <= 0 {
		cfg.Rotation.MaxAge = 24 * time.Hour
	}
	if cfg.KPIWindow <= 0 {
		cfg.KPIWindow = 24 * time.Hour
	}
	if cfg.TraceRetention < cfg.KPIWindow {
		cfg.TraceRetention = cfg.KPIWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("config: sources[%d] missing name", i)
		}
		if src.Path == "" {
			return fmt.Errorf("config: source %q missing path", src.Name)
		}
		if seen[src.Name] {
			return fmt.Errorf("config: duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
	}
	return nil
}

// AdvisorySources lists the names of sources marked advisory.
func (c *Config) AdvisorySources() []string {
	var names []string
	for _, src := range c.Sources {
		if src.Advisory {
			names = append(names, src.Name)
		}
	}
	return names
}
