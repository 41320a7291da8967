// Package config loads, defaults and validates the gatefs configuration.
//
// Configuration sources, highest precedence first:
//  1. CLI flag overrides (applied via ApplyOverrides)
//  2. Environment variables (GATEFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the complete gatefs configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains the listener, multiplexer and session settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// RateLimit bounds the sustained request rate across all connections
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// Metrics controls the optional Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

// ServerConfig contains the front-end server settings.
type ServerConfig struct {
	// Port is the TCP listening port (1-65535). Required.
	Port int `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`

	// Directory is the working directory consumed by the file layer. Required.
	Directory string `mapstructure:"directory" yaml:"directory" validate:"required"`

	// SessionTimeout is the idle time after which a session expires. Required.
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout" validate:"required,gt=0"`

	// IPv6 listens on the IPv6 wildcard address instead of IPv4
	IPv6 bool `mapstructure:"ipv6" yaml:"ipv6"`

	// Backlog is the pending-connection queue length for listen(2)
	Backlog int `mapstructure:"backlog" yaml:"backlog" validate:"min=1"`

	// MaxConnections bounds simultaneously open client connections
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections" validate:"min=1"`

	// PollTimeout bounds each readiness wait; shutdown latency is at most
	// this long
	PollTimeout time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout" validate:"gt=0"`

	// Workers is the worker pool size
	Workers int `mapstructure:"workers" yaml:"workers" validate:"min=0"`
}

// RateLimitConfig bounds the request rate. Zero requests per second disables
// limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate (0 = unlimited)
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the bucket capacity; defaults to RequestsPerSecond
	Burst uint `mapstructure:"burst" yaml:"burst"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	// Enabled turns metrics collection on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the HTTP listen address for /metrics (e.g. ":9090")
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Load loads configuration from file and environment. Defaults are applied
// but validation is NOT run here: CLI overrides may still fill required
// fields. Call Validate after ApplyOverrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// YAML renders the effective configuration, e.g. for -print-config.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// setupViper configures environment variable support and the config file
// location. Environment variables use the GATEFS_ prefix with underscores,
// e.g. GATEFS_SERVER_PORT=9000.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("GATEFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing file
// is acceptable; everything then comes from environment and defaults.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/gatefs, ~/.config/gatefs, or the
// current directory as a last resort.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gatefs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "gatefs")
	}
	return "."
}
