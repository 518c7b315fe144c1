// Package config provides configuration management for the scheduling
// service: the three recognized options from the core's external
// interface (MAX_WORKERS, MAX_ACTIVE_USERS, DISPATCH_INTERVAL_MS), with
// environment-variable overrides and optional file hot-reload.
//
// Configuration Sources (in order of precedence):
//  1. Environment variables (highest priority)
//  2. Configuration file (JSON format)
//  3. Default values (lowest priority)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds the scheduler's tunable limits.
type Config struct {
	// MaxWorkers is the global running-job cap W.
	MaxWorkers int `json:"max_workers"`
	// MaxActiveUsers is the admission cap A.
	MaxActiveUsers int `json:"max_active_users"`
	// DispatchIntervalMS is the scheduler loop's sleep interval.
	DispatchIntervalMS int `json:"dispatch_interval_ms"`
}

// DefaultConfig returns the spec-mandated defaults: W=10, A=3, 100ms.
func DefaultConfig() *Config {
	return &Config{
		MaxWorkers:         10,
		MaxActiveUsers:     3,
		DispatchIntervalMS: 100,
	}
}

// LoadConfig builds a Config from defaults, an optional JSON file, and
// environment variable overrides, in that order of precedence. A
// missing configPath is silently ignored (default-only configuration is
// valid); configPath == "" skips file loading entirely.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies SCHEDULER_* environment variables.
// Invalid integer values are silently ignored so a malformed override
// doesn't prevent startup.
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("SCHEDULER_MAX_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxWorkers = n
		}
	}
	if val := os.Getenv("SCHEDULER_MAX_ACTIVE_USERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxActiveUsers = n
		}
	}
	if val := os.Getenv("SCHEDULER_DISPATCH_INTERVAL_MS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.DispatchIntervalMS = n
		}
	}
}

// Validate rejects non-positive limits.
func (c *Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.MaxActiveUsers <= 0 {
		return fmt.Errorf("max_active_users must be positive, got %d", c.MaxActiveUsers)
	}
	if c.DispatchIntervalMS <= 0 {
		return fmt.Errorf("dispatch_interval_ms must be positive, got %d", c.DispatchIntervalMS)
	}
	return nil
}

// SaveToFile writes c as indented JSON to path.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
