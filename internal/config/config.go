// ABOUTME: Configuration loading and parsing for mcpmux
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/mcpmux/internal/transport"
)

// Config represents the complete mcpmux configuration
type Config struct {
	Servers   []ServerConfig  `yaml:"servers" toml:"servers"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig describes one MCP server and how to reach it
type ServerConfig struct {
	ID        string            `yaml:"id" toml:"id"`
	Name      string            `yaml:"name" toml:"name"`
	Transport string            `yaml:"transport" toml:"transport"`
	Command   string            `yaml:"command" toml:"command"`
	Args      []string          `yaml:"args" toml:"args"`
	Env       map[string]string `yaml:"env" toml:"env"`
	Path      string            `yaml:"path" toml:"path"`
	URL       string            `yaml:"url" toml:"url"`
	Headers   map[string]string `yaml:"headers" toml:"headers"`
}

// ClientConfig holds the identity presented to servers during the handshake
type ClientConfig struct {
	Name    string `yaml:"name" toml:"name"`
	Version string `yaml:"version" toml:"version"`

	CallTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	CallTimeoutRaw string `yaml:"call_timeout" toml:"call_timeout"`
}

// HealthConfig holds liveness probe timing configuration
type HealthConfig struct {
	ProbeInterval    time.Duration `yaml:"-" toml:"-"`
	DegradedInterval time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout     time.Duration `yaml:"-" toml:"-"`
	MissThreshold    int           `yaml:"miss_threshold" toml:"miss_threshold"`
	FailThreshold    int           `yaml:"fail_threshold" toml:"fail_threshold"`

	// Raw string values for unmarshaling
	ProbeIntervalRaw    string `yaml:"probe_interval" toml:"probe_interval"`
	DegradedIntervalRaw string `yaml:"degraded_interval" toml:"degraded_interval"`
	ProbeTimeoutRaw     string `yaml:"probe_timeout" toml:"probe_timeout"`
}

// ReconnectConfig holds reconnection policy configuration
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts" toml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	BaseBackoffRaw string `yaml:"base_backoff" toml:"base_backoff"`
	MaxBackoffRaw  string `yaml:"max_backoff" toml:"max_backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. The format is chosen by file extension: .toml parses as TOML,
// everything else as YAML. Environment variables in the format ${VAR_NAME}
// are expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server is required")
	}

	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true

		if _, err := s.Descriptor(); err != nil {
			return fmt.Errorf("servers[%d] (%s): %w", i, s.ID, err)
		}
	}

	return nil
}

// Descriptor converts the server entry into a transport descriptor.
func (s ServerConfig) Descriptor() (transport.Descriptor, error) {
	var kind transport.Kind
	switch s.Transport {
	case "stdio", "":
		kind = transport.KindStdio
	case "socket", "unix":
		kind = transport.KindSocket
	case "http":
		kind = transport.KindHTTP
	default:
		return transport.Descriptor{}, fmt.Errorf("unknown transport %q", s.Transport)
	}

	d := transport.Descriptor{
		Kind:    kind,
		Command: s.Command,
		Args:    s.Args,
		Env:     s.Env,
		Path:    s.Path,
		URL:     s.URL,
		Headers: s.Headers,
	}
	if err := d.Validate(); err != nil {
		return transport.Descriptor{}, err
	}
	return d, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Client.CallTimeoutRaw, &cfg.Client.CallTimeout, "call_timeout"},
		{cfg.Health.ProbeIntervalRaw, &cfg.Health.ProbeInterval, "probe_interval"},
		{cfg.Health.DegradedIntervalRaw, &cfg.Health.DegradedInterval, "degraded_interval"},
		{cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout, "probe_timeout"},
		{cfg.Reconnect.BaseBackoffRaw, &cfg.Reconnect.BaseBackoff, "base_backoff"},
		{cfg.Reconnect.MaxBackoffRaw, &cfg.Reconnect.MaxBackoff, "max_backoff"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
