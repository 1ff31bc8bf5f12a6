// Package config models the supervisor's static configuration: a flat
// JSON file describing the set of services to supervise, their worker
// counts, timeouts, and exec specs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ServiceConfig describes one supervised service.
type ServiceConfig struct {
	Name string `json:"name"`

	// Num is the desired, fixed worker count for this service.
	Num int `json:"num"`

	// HeartbeatTimeoutSec is how long a Running worker may go without
	// a heartbeat before it is considered failed.
	HeartbeatTimeoutSec int `json:"heartbeat_timeout_sec"`
	// StartupTimeoutSec is how long a Starting worker has to send
	// `loaded` before it is killed.
	StartupTimeoutSec int `json:"startup_timeout_sec"`
	// ShutdownTimeoutSec is how long a Stopping worker has to exit
	// after `stop`+SIGTERM before it is SIGKILLed.
	ShutdownTimeoutSec int `json:"shutdown_timeout_sec"`

	Exec    string            `json:"exec"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Workdir string            `json:"workdir"`

	// MinRestartIntervalMS is the minimum wall-clock gap between two
	// respawns of the same slot. Zero means the default of 1s.
	MinRestartIntervalMS int `json:"min_restart_interval_ms"`
	// RestartBackoffFactor multiplies MinRestartInterval by itself to
	// the power of (consecutive restarts - 1). A zero or 1 value
	// disables growth; the wait stays flat.
	RestartBackoffFactor float64 `json:"restart_backoff_factor"`
	// MaxRestarts caps consecutive restarts before the slot is treated
	// as permanently failed. Zero means unlimited.
	MaxRestarts int `json:"max_restarts"`
}

// HeartbeatTimeout returns the configured heartbeat timeout, or a
// zero-avoiding default of 10s.
func (c ServiceConfig) HeartbeatTimeout() time.Duration {
	if c.HeartbeatTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// StartupTimeout returns the configured startup timeout, or a
// zero-avoiding default of 10s.
func (c ServiceConfig) StartupTimeout() time.Duration {
	if c.StartupTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

// ShutdownTimeout returns the configured shutdown timeout, or a
// zero-avoiding default of 10s.
func (c ServiceConfig) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

// MinRestartInterval returns the configured restart cooldown.
func (c ServiceConfig) MinRestartInterval() time.Duration {
	return time.Duration(c.MinRestartIntervalMS) * time.Millisecond
}

// Config is the top-level supervisor configuration: a set of services
// with unique names.
type Config struct {
	Services []ServiceConfig `json:"services"`
}

// Load reads and parses a JSON config file, rejecting duplicate
// service names and non-positive worker counts up front so the
// CommandCenter never has to handle a malformed Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the supervisor assumes
// hold by construction: unique service names and a positive slot
// count.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("config: service with empty name")
		}
		if seen[svc.Name] {
			return fmt.Errorf("config: duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
		if svc.Num <= 0 {
			return fmt.Errorf("config: service %q: num must be positive, got %d", svc.Name, svc.Num)
		}
		if svc.Exec == "" {
			return fmt.Errorf("config: service %q: exec is required", svc.Name)
		}
	}
	return nil
}
