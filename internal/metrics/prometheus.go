package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/gatefs/internal/logger"
)

type serverMetrics struct {
	requestsTotal     *prometheus.CounterVec
	activeConnections prometheus.Gauge
	queueDepth        prometheus.Gauge
}

// NewServerMetrics creates a Prometheus-backed ServerMetrics instance, or a
// no-op one when InitRegistry has not been called.
func NewServerMetrics() ServerMetrics {
	if !IsEnabled() {
		return NewNoopServerMetrics()
	}

	reg := GetRegistry()

	return &serverMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatefs_requests_total",
				Help: "Total number of requests by operation and response status",
			},
			[]string{"op", "status"},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "gatefs_active_connections",
				Help: "Current number of open client connections",
			},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "gatefs_worker_queue_depth",
				Help: "Jobs waiting in the worker pool queue",
			},
		),
	}
}

func (m *serverMetrics) RecordRequest(op, status string) {
	m.requestsTotal.WithLabelValues(op, status).Inc()
}

func (m *serverMetrics) SetActiveConnections(n int) {
	m.activeConnections.Set(float64(n))
}

func (m *serverMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// ServeHTTP exposes /metrics on the given listen address. It returns
// immediately; the HTTP server runs until the process exits. Errors are
// logged, never fatal: metrics are best-effort.
func ServeHTTP(listen string) {
	if !IsEnabled() {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint failed: %v", err)
		}
	}()
}
