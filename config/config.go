// Package config loads client settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/internal/support"
	"github.com/zylisp/nrepl/progress"
	"github.com/zylisp/nrepl/transport"
)

// Environment variables consulted by Load.
const (
	EnvConfig     = "NREPLC_CONFIG"
	EnvDebug      = "NREPLC_DEBUG"
	EnvPrintQuota = "NREPLC_PRINT_QUOTA"
)

// Config holds the client settings.
type Config struct {
	// PortFiles are searched in order to resolve the "auto" address.
	PortFiles []string `yaml:"port_files"`

	// EvalShared is evaluated once per connection after the handshake.
	EvalShared string `yaml:"eval_shared"`

	// PrintQuota limits printed results in the enhanced dialect. 0 disables it.
	PrintQuota int `yaml:"print_quota"`

	ProgressPhases     []string `yaml:"progress_phases"`
	ProgressIntervalMs int      `yaml:"progress_interval_ms"`

	// ElapsedThresholdMs hides timings below it. Negative hides all timings.
	ElapsedThresholdMs int `yaml:"elapsed_threshold_ms"`

	// ConnectTimeoutMs bounds the socket connect. 0 means no timeout.
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`

	// SupportDir overrides the embedded support code.
	SupportDir string `yaml:"support_dir"`

	Debug bool `yaml:"debug"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		PortFiles:          append([]string(nil), transport.DefaultPortFiles...),
		PrintQuota:         client.DefaultPrintQuota,
		ProgressPhases:     append([]string(nil), progress.DefaultPhases...),
		ProgressIntervalMs: int(progress.DefaultInterval / time.Millisecond),
		ElapsedThresholdMs: 100,
		ConnectTimeoutMs:   5000,
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path falls back to $NREPLC_CONFIG; a missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebug, err)
		}
		c.Debug = debug
	}
	if v := os.Getenv(EnvPrintQuota); v != "" {
		quota, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPrintQuota, err)
		}
		c.PrintQuota = quota
	}
	return nil
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	if c.PrintQuota < 0 {
		return fmt.Errorf("print_quota must not be negative, got %d", c.PrintQuota)
	}
	if c.ProgressIntervalMs <= 0 {
		return fmt.Errorf("progress_interval_ms must be positive, got %d", c.ProgressIntervalMs)
	}
	if c.ConnectTimeoutMs < 0 {
		return fmt.Errorf("connect_timeout_ms must not be negative, got %d", c.ConnectTimeoutMs)
	}
	return nil
}

// ProgressInterval returns the progress tick as a duration.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMs) * time.Millisecond
}

// ElapsedThreshold returns the timing display threshold.
func (c *Config) ElapsedThreshold() time.Duration {
	if c.ElapsedThresholdMs < 0 {
		return -1
	}
	return time.Duration(c.ElapsedThresholdMs) * time.Millisecond
}

// ConnectTimeout returns the socket connect bound.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// Support loads the support code, honouring SupportDir.
func (c *Config) Support() (support.Bundle, error) {
	if c.SupportDir == "" {
		return support.Default(), nil
	}
	return support.Load(c.SupportDir)
}
