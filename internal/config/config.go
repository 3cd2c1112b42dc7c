// Package config provides configuration management for the DAP relay.
//
// Configuration controls:
//   - Backend bootstrap: the Python interpreter and the pydevd entry script
//   - Bounded waits: backend connect-back, process event, pid file, dial
//   - Lifecycle policy: liveness polling, post-termination grace, zombie kills
//   - Server mode limits: maximum concurrent sessions
//
// Configuration can be loaded from a JSON or YAML file or use sensible
// defaults. A handful of environment variables, honored for compatibility
// with existing pydevd launchers, override whatever the file says.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvConnectTimeout      = "PYDEVD_CONNECT_TIMEOUT"
	EnvKillZombieProcesses = "PYDEVD_KILL_ZOMBIE_PROCESSES"
	EnvLaunchEnvScript     = "PYDEVD_LAUNCH_ENV_SCRIPT"
	EnvDefaultTimeout      = "DAP_RELAY_DEFAULT_TIMEOUT"
	EnvPydevdFile          = "DAP_RELAY_PYDEVD_FILE"
	EnvPython              = "DAP_RELAY_PYTHON"
)

// Duration is a time.Duration that reads "30s"-style strings (or plain
// numbers of seconds) from JSON and YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch val := v.(type) {
	case string:
		parsed, err := parseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(val * float64(time.Second))
	case int:
		*d = Duration(time.Duration(val) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Config holds the relay configuration
type Config struct {
	// Backend bootstrap. An empty PythonPath means "detect per launch".
	PythonPath string `json:"pythonPath" yaml:"pythonPath"`
	PydevdFile string `json:"pydevdFile" yaml:"pydevdFile"`

	// Multiprocess adds --multiprocess to the bootstrap command line and
	// enables the subprocess tunnel.
	Multiprocess bool `json:"multiprocess" yaml:"multiprocess"`

	// Bounded waits
	DefaultTimeout Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
	PidFileTimeout Duration `json:"pidFileTimeout" yaml:"pidFileTimeout"`
	ConnectTimeout Duration `json:"connectTimeout" yaml:"connectTimeout"`

	// Lifecycle
	LivenessInterval    Duration `json:"livenessInterval" yaml:"livenessInterval"`
	TerminateGrace      Duration `json:"terminateGrace" yaml:"terminateGrace"`
	KillZombieProcesses bool     `json:"killZombieProcesses" yaml:"killZombieProcesses"`
	LaunchEnvScript     bool     `json:"launchEnvScript" yaml:"launchEnvScript"`

	// Limits for server mode
	MaxSessions int `json:"maxSessions" yaml:"maxSessions"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PydevdFile:       "pydevd.py",
		Multiprocess:     true,
		DefaultTimeout:   Duration(30 * time.Second),
		PidFileTimeout:   Duration(15 * time.Second),
		ConnectTimeout:   Duration(10 * time.Second),
		LivenessInterval: Duration(200 * time.Millisecond),
		TerminateGrace:   Duration(100 * time.Millisecond),
		LaunchEnvScript:  true,
		MaxSessions:      10,
	}
}

// LoadConfig loads configuration from a JSON or YAML file (picked by
// extension), then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvConnectTimeout); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvConnectTimeout, v, err)
		}
		c.ConnectTimeout = Duration(d)
	}
	if v, ok := lookup(EnvDefaultTimeout); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvDefaultTimeout, v, err)
		}
		c.DefaultTimeout = Duration(d)
	}
	if v, ok := lookup(EnvKillZombieProcesses); ok {
		c.KillZombieProcesses = isTruthy(v)
	}
	if v, ok := lookup(EnvLaunchEnvScript); ok && v != "" {
		c.LaunchEnvScript = isTruthy(v)
	}
	if v, ok := lookup(EnvPydevdFile); ok && v != "" {
		c.PydevdFile = v
	}
	if v, ok := lookup(EnvPython); ok && v != "" {
		c.PythonPath = v
	}
	return nil
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	for name, d := range map[string]Duration{
		"defaultTimeout":   c.DefaultTimeout,
		"pidFileTimeout":   c.PidFileTimeout,
		"connectTimeout":   c.ConnectTimeout,
		"livenessInterval": c.LivenessInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	if c.TerminateGrace < 0 {
		return fmt.Errorf("config: terminateGrace must not be negative, got %s", c.TerminateGrace)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: maxSessions must be positive, got %d", c.MaxSessions)
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
