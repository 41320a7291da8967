// Package metrics provides Prometheus metrics for the server.
//
// Metrics are optional: if InitRegistry is never called, constructors return
// no-op implementations with zero overhead, so components can record metrics
// unconditionally.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Safe to call more
// than once; subsequent calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// ServerMetrics records request outcomes and resource gauges for the
// front-end server.
type ServerMetrics interface {
	// RecordRequest counts one completed request by operation name and
	// response status.
	RecordRequest(op, status string)

	// SetActiveConnections updates the open-connection gauge.
	SetActiveConnections(n int)

	// SetQueueDepth updates the worker-pool queue depth gauge.
	SetQueueDepth(n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequest(string, string) {}
func (noopMetrics) SetActiveConnections(int)     {}
func (noopMetrics) SetQueueDepth(int)            {}

// NewNoopServerMetrics returns a metrics sink that discards everything.
func NewNoopServerMetrics() ServerMetrics {
	return noopMetrics{}
}
