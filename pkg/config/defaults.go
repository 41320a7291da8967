package config

import (
	"strings"
	"time"
)

// Protocol-traditional defaults for the multiplexer and worker pool.
const (
	DefaultBacklog        = 16
	DefaultMaxConnections = 10
	DefaultPollTimeout    = 6 * time.Second
	DefaultWorkers        = 10
)

// ApplyDefaults fills any unspecified configuration fields. Zero values are
// replaced; explicit values are preserved. Required fields (port, directory,
// session timeout) have no defaults and are enforced by Validate.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Backlog == 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Listen == "" {
		cfg.Listen = ":9090"
	}
}
