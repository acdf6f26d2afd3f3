// Package config loads the daemon configuration from defaults, an
// optional YAML file, environment variables, and command-line flags, in
// that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the environment variable prefix, e.g. MESH_LOG_LEVEL.
const EnvPrefix = "MESH_"

// Config holds the daemon configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Transport TransportConfig `koanf:"transport"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	NATS      NATSConfig      `koanf:"nats"`
	Runtime   RuntimeConfig   `koanf:"runtime"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is the btclog level name (trace, debug, info, warn, error).
	Level string `koanf:"level"`

	// Dir is the log file directory; empty disables file logging.
	Dir string `koanf:"dir"`

	// MaxFiles is the number of rotated log files to keep.
	MaxFiles int `koanf:"max_files"`

	// MaxFileSize is the log file size in MB before rotation.
	MaxFileSize int `koanf:"max_file_size"`
}

// TransportConfig selects the delivery binding.
type TransportConfig struct {
	// Mode is one of "inproc", "http", or "nats".
	Mode string `koanf:"mode"`
}

// GatewayConfig holds the HTTP gateway settings.
type GatewayConfig struct {
	// Listen is the address the gateway server binds; empty disables
	// serving the gateway.
	Listen string `koanf:"listen"`

	// URL is the gateway endpoint the HTTP client binding dials.
	URL string `koanf:"url"`
}

// NATSConfig holds the broker binding settings.
type NATSConfig struct {
	// URL is the broker endpoint.
	URL string `koanf:"url"`

	// Name identifies this connection to the broker.
	Name string `koanf:"name"`

	// ReconnectBackoffCap is the reconnect delay ceiling, as a duration
	// string.
	ReconnectBackoffCap string `koanf:"reconnect_backoff_cap"`
}

// RuntimeConfig holds the runtime's enumerated options, durations as
// strings.
type RuntimeConfig struct {
	DeactivationInterval      string `koanf:"deactivation_interval"`
	RequestTimeout            string `koanf:"request_timeout"`
	DiscoveryAggregateTimeout string `koanf:"discovery_aggregate_timeout"`
	DiscoveryMaxReplies       int    `koanf:"discovery_max_replies"`
	InboxSize                 int    `koanf:"inbox_size"`
}

// defaults is the base configuration layer.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"log.level":                 "info",
		"log.dir":                   "",
		"log.max_files":             10,
		"log.max_file_size":         20,
		"transport.mode":            "inproc",
		"gateway.listen":            ":8080",
		"gateway.url":               "http://localhost:8080",
		"nats.url":                  "nats://localhost:4222",
		"nats.name":                 "meshd",
		"nats.reconnect_backoff_cap": "30s",
		"runtime.deactivation_interval":       "5m",
		"runtime.request_timeout":             "10s",
		"runtime.discovery_aggregate_timeout": "2s",
		"runtime.discovery_max_replies":       64,
		"runtime.inbox_size":                  64,
	}
}

// Option configures Load.
type Option func(*loadOptions)

// loadOptions holds option values during loading.
type loadOptions struct {
	file  string
	flags *pflag.FlagSet
}

// WithFile loads configuration from a YAML file.
func WithFile(path string) Option {
	return func(opts *loadOptions) {
		opts.file = path
	}
}

// WithFlags overlays a parsed pflag set as the highest-precedence layer.
func WithFlags(flags *pflag.FlagSet) Option {
	return func(opts *loadOptions) {
		opts.flags = flags
	}
}

// Load assembles the configuration from its layers.
func Load(opts ...Option) (*Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if lo.file != "" {
		raw, err := os.ReadFile(lo.file)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(
			rawbytes.Provider(raw), yaml.Parser(),
		); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// MESH_NATS_URL becomes nats.url; single-word sections need no
	// mapping beyond lowercasing and swapping the first underscore.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

		return strings.Replace(key, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if lo.flags != nil {
		if err := k.Load(
			posflag.Provider(lo.flags, ".", k), nil,
		); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate rejects unusable configurations early.
func (c *Config) validate() error {
	switch c.Transport.Mode {
	case "inproc", "http", "nats":
	default:
		return fmt.Errorf("unknown transport mode %q",
			c.Transport.Mode)
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"nats.reconnect_backoff_cap", c.NATS.ReconnectBackoffCap},
		{"runtime.deactivation_interval",
			c.Runtime.DeactivationInterval},
		{"runtime.request_timeout", c.Runtime.RequestTimeout},
		{"runtime.discovery_aggregate_timeout",
			c.Runtime.DiscoveryAggregateTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}

	return nil
}

// duration parses a validated duration string, returning zero for empty.
func duration(value string) time.Duration {
	if value == "" {
		return 0
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}

	return d
}

// ReconnectBackoffCapDuration returns the parsed broker backoff ceiling.
func (c *NATSConfig) ReconnectBackoffCapDuration() time.Duration {
	return duration(c.ReconnectBackoffCap)
}

// DeactivationIntervalDuration returns the parsed deactivation interval.
func (c *RuntimeConfig) DeactivationIntervalDuration() time.Duration {
	return duration(c.DeactivationInterval)
}

// RequestTimeoutDuration returns the parsed default request timeout.
func (c *RuntimeConfig) RequestTimeoutDuration() time.Duration {
	return duration(c.RequestTimeout)
}

// DiscoveryAggregateTimeoutDuration returns the parsed discovery
// aggregation window.
func (c *RuntimeConfig) DiscoveryAggregateTimeoutDuration() time.Duration {
	return duration(c.DiscoveryAggregateTimeout)
}
