// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads shellgate configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/shellgate/internal/log"
	"github.com/tombee/shellgate/internal/secrets"
	"github.com/tombee/shellgate/internal/target"
	"github.com/tombee/shellgate/internal/tracing"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
	"github.com/tombee/shellgate/pkg/security"
)

// Binding modes.
const (
	ModeStdio = "stdio"
	ModeHTTP  = "http"
)

// Config represents the complete shellgate configuration.
type Config struct {
	Server         ServerConfig            `yaml:"server"`
	Log            LogConfig               `yaml:"log"`
	Session        SessionConfig           `yaml:"session"`
	CommandTimeout time.Duration           `yaml:"command_timeout"`
	SSH            SSHConfig               `yaml:"ssh"`
	Filter         security.FilterConfig   `yaml:"filter"`
	Targets        map[string]target.Entry `yaml:"targets,omitempty"`
	Audit          AuditConfig             `yaml:"audit"`
	Tracing        tracing.Config          `yaml:"tracing"`
	Metrics        MetricsConfig           `yaml:"metrics"`
}

// ServerConfig configures the protocol bindings.
type ServerConfig struct {
	// Name and Version are reported to clients as serverInfo.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Mode selects the binding: stdio or http.
	// Environment: SHELLGATE_MODE
	Mode string `yaml:"mode"`

	// Host and Port are the HTTP listen address.
	// Environment: SHELLGATE_HOST, SHELLGATE_PORT
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RateLimit is requests per second per HTTP client. 0 disables.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// CallRate bounds tool calls per second across a binding. 0 disables.
	CallRate  float64 `yaml:"call_rate,omitempty"`
	CallBurst int     `yaml:"call_burst,omitempty"`

	// Heartbeat is the SSE ping interval.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// CORSOrigin is "*" or a comma separated list of origins.
	CORSOrigin string `yaml:"cors_origin"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Auth AuthConfig `yaml:"auth,omitempty"`
}

// AuthConfig enables bearer-token authentication on the HTTP binding.
type AuthConfig struct {
	// SecretRef locates the HS256 signing secret, e.g. env:SHELLGATE_JWT_SECRET
	// or keychain:shellgate-jwt. Empty disables authentication.
	// Environment: SHELLGATE_AUTH_SECRET_REF
	SecretRef string `yaml:"secret_ref,omitempty"`

	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

// Enabled reports whether tokens are required.
func (a AuthConfig) Enabled() bool {
	return a.SecretRef != ""
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is trace, debug, info, warn or error.
	// Environment: LOG_LEVEL
	Level string `yaml:"level"`

	// Format is json or text.
	// Environment: LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds file:line to records.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// SessionConfig configures the session store.
type SessionConfig struct {
	// Timeout is how long a session may sit idle before it is swept. 0 disables.
	// Environment: SHELLGATE_SESSION_TIMEOUT
	Timeout time.Duration `yaml:"timeout"`

	// SweepInterval is how often idle sessions and pool handles are checked.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SSHConfig configures remote execution and the connection pool.
type SSHConfig struct {
	DefaultKeyFile string        `yaml:"default_key_file"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BorrowTimeout  time.Duration `yaml:"borrow_timeout"`

	// MaxConnections caps open connections across all targets.
	// Environment: SHELLGATE_SSH_MAX_CONNECTIONS
	MaxConnections int `yaml:"max_connections"`

	// MaxPerTarget caps connections to one target. 0 means only the global cap.
	MaxPerTarget int `yaml:"max_per_target"`

	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// KnownHosts is a known_hosts file. Empty accepts any host key.
	KnownHosts string `yaml:"known_hosts"`

	// ConfigFile is an OpenSSH client config consulted for host aliases.
	ConfigFile string `yaml:"ssh_config"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Buffer  int    `yaml:"buffer"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "shell-mcp-server",
			Version:         "1.0.0",
			Mode:            ModeStdio,
			Host:            "127.0.0.1",
			Port:            8000,
			RateLimit:       20,
			RateBurst:       40,
			Heartbeat:       30 * time.Second,
			CORSOrigin:      "*",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Session: SessionConfig{
			Timeout:       1200 * time.Second,
			SweepInterval: 60 * time.Second,
		},
		CommandTimeout: 300 * time.Second,
		SSH: SSHConfig{
			DefaultKeyFile: "~/.ssh/id_rsa",
			ConnectTimeout: 30 * time.Second,
			BorrowTimeout:  30 * time.Second,
			MaxConnections: 10,
			IdleTimeout:    600 * time.Second,
			ConfigFile:     "~/.ssh/config",
		},
		Filter: security.DefaultFilterConfig(),
		Audit: AuditConfig{
			Path:   DefaultAuditPath(),
			Buffer: 256,
		},
		Tracing: tracing.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds a Config from defaults, the YAML file at configPath, and the
// environment. An empty configPath uses the default location, which may be
// absent. An explicit path must exist.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	path := configPath
	required := path != ""
	if !required {
		if p, err := ConfigPath(); err == nil {
			path = p
		}
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			if required || !errors.Is(err, os.ErrNotExist) {
				return nil, &gwerrors.ConfigError{
					Key:    "config_file",
					Reason: fmt.Sprintf("failed to load from %s", path),
					Cause:  err,
				}
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML without consulting the environment. The result is
// validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &gwerrors.ConfigError{Key: "config_file", Reason: "failed to parse YAML", Cause: err}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a sparse file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Name == "" {
		c.Server.Name = defaults.Server.Name
	}
	if c.Server.Version == "" {
		c.Server.Version = defaults.Server.Version
	}
	if c.Server.Mode == "" {
		c.Server.Mode = defaults.Server.Mode
	}
	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.Heartbeat == 0 {
		c.Server.Heartbeat = defaults.Server.Heartbeat
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = defaults.Session.SweepInterval
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaults.CommandTimeout
	}

	if c.SSH.ConnectTimeout == 0 {
		c.SSH.ConnectTimeout = defaults.SSH.ConnectTimeout
	}
	if c.SSH.BorrowTimeout == 0 {
		c.SSH.BorrowTimeout = defaults.SSH.BorrowTimeout
	}
	if c.SSH.MaxConnections == 0 {
		c.SSH.MaxConnections = defaults.SSH.MaxConnections
	}

	if c.Filter.Blacklist == nil {
		c.Filter.Blacklist = defaults.Filter.Blacklist
	}

	if c.Audit.Path == "" {
		c.Audit.Path = defaults.Audit.Path
	}
	if c.Audit.Buffer == 0 {
		c.Audit.Buffer = defaults.Audit.Buffer
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaults.Metrics.Path
	}
}

// loadFromFile merges a YAML file over c.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(target.ExpandHome(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides. Malformed values are
// configuration errors.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("SHELLGATE_MODE"); val != "" {
		c.Server.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("SHELLGATE_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("SHELLGATE_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return envError("SHELLGATE_PORT", val, err)
		}
		c.Server.Port = port
	}
	if val := os.Getenv("SHELLGATE_AUTH_SECRET_REF"); val != "" {
		c.Server.Auth.SecretRef = val
	}
	if val := os.Getenv("SHELLGATE_SESSION_TIMEOUT"); val != "" {
		d, err := parseSeconds(val)
		if err != nil {
			return envError("SHELLGATE_SESSION_TIMEOUT", val, err)
		}
		c.Session.Timeout = d
	}
	if val := os.Getenv("SHELLGATE_COMMAND_TIMEOUT"); val != "" {
		d, err := parseSeconds(val)
		if err != nil {
			return envError("SHELLGATE_COMMAND_TIMEOUT", val, err)
		}
		c.CommandTimeout = d
	}
	if val := os.Getenv("SHELLGATE_SSH_MAX_CONNECTIONS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return envError("SHELLGATE_SSH_MAX_CONNECTIONS", val, err)
		}
		c.SSH.MaxConnections = n
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
	return nil
}

// parseSeconds accepts a Go duration or a bare number of seconds.
func parseSeconds(val string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(val)
}

func envError(key, val string, cause error) error {
	return &gwerrors.ConfigError{
		Key:    key,
		Reason: fmt.Sprintf("invalid value %q", val),
		Cause:  cause,
	}
}

// Validate checks that the configuration is usable. All problems are
// reported together; Key names the first.
func (c *Config) Validate() error {
	var (
		keys []string
		errs []string
	)
	fail := func(key, format string, args ...any) {
		keys = append(keys, key)
		errs = append(errs, key+": "+fmt.Sprintf(format, args...))
	}

	if c.Server.Mode != ModeStdio && c.Server.Mode != ModeHTTP {
		fail("server.mode", "must be one of [stdio, http], got %q", c.Server.Mode)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit < 0 || c.Server.CallRate < 0 {
		fail("server.rate_limit", "must not be negative")
	}
	if c.Server.Auth.Enabled() {
		if _, _, err := secrets.ParseReference(c.Server.Auth.SecretRef); err != nil {
			fail("server.auth.secret_ref", "must be a secret reference such as env:NAME, got %q", c.Server.Auth.SecretRef)
		}
	}
	if c.Server.Heartbeat < 0 {
		fail("server.heartbeat", "must not be negative, got %v", c.Server.Heartbeat)
	}

	if !log.ValidLevel(c.Log.Level) {
		fail("log.level", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		fail("log.format", "must be one of [json, text], got %q", c.Log.Format)
	}

	if c.Session.Timeout < 0 {
		fail("session.timeout", "must not be negative, got %v", c.Session.Timeout)
	}
	if c.Session.SweepInterval <= 0 {
		fail("session.sweep_interval", "must be positive, got %v", c.Session.SweepInterval)
	}
	if c.CommandTimeout <= 0 {
		fail("command_timeout", "must be positive, got %v", c.CommandTimeout)
	}

	if c.SSH.MaxConnections < 1 {
		fail("ssh.max_connections", "must be at least 1, got %d", c.SSH.MaxConnections)
	}
	if c.SSH.MaxPerTarget < 0 || c.SSH.MaxPerTarget > c.SSH.MaxConnections {
		fail("ssh.max_per_target", "must be between 0 and max_connections, got %d", c.SSH.MaxPerTarget)
	}
	if c.SSH.ConnectTimeout <= 0 {
		fail("ssh.connect_timeout", "must be positive, got %v", c.SSH.ConnectTimeout)
	}
	if c.SSH.BorrowTimeout <= 0 {
		fail("ssh.borrow_timeout", "must be positive, got %v", c.SSH.BorrowTimeout)
	}
	if c.SSH.IdleTimeout < 0 {
		fail("ssh.idle_timeout", "must not be negative, got %v", c.SSH.IdleTimeout)
	}

	if _, err := security.NewEngine(c.Filter); err != nil {
		fail("filter", "%v", err)
	}

	for name, entry := range c.Targets {
		if name == "" {
			fail("targets", "target names must not be empty")
		}
		if entry.Host == "" {
			fail("targets."+name+".host", "is required")
		}
		if entry.Port < 0 || entry.Port > 65535 {
			fail("targets."+name+".port", "must be between 1 and 65535, got %d", entry.Port)
		}
	}

	if c.Audit.Enabled {
		if c.Audit.Path == "" {
			fail("audit.path", "is required when audit is enabled")
		}
		if c.Audit.Buffer < 1 {
			fail("audit.buffer", "must be at least 1, got %d", c.Audit.Buffer)
		}
	}

	if err := c.Tracing.Validate(); err != nil {
		fail("tracing", "%v", err)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		fail("metrics.path", "must start with /, got %q", c.Metrics.Path)
	}

	if len(errs) == 0 {
		return nil
	}
	return &gwerrors.ConfigError{
		Key:    keys[0],
		Reason: strings.Join(errs, "; "),
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LoggerConfig converts the log section for log.New.
func (c *Config) LoggerConfig() *log.Config {
	return &log.Config{
		Level:     c.Log.Level,
		Format:    log.Format(c.Log.Format),
		Output:    os.Stderr,
		AddSource: c.Log.AddSource,
	}
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes c to path atomically, creating parent directories.
func Save(path string, c *Config) error {
	path = target.ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}
