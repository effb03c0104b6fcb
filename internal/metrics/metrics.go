// Package metrics provides Prometheus metrics for the catalog daemon
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "catalogd"

// Metrics holds all Prometheus metrics of the daemon. It implements
// catalogservice.Recorder.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Catalog service metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	CatalogsTotal     prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
		stop:            make(chan struct{}),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "Duration of gRPC requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "grpc_requests_in_flight",
			Help:      "Number of gRPC requests currently being processed",
		},
	)

	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of catalog service operations by catalog and status",
		},
		[]string{"operation", "catalog", "status"},
	)

	m.OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of catalog service and backend operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "catalog"},
	)

	m.CatalogsTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalogs_registered",
			Help:      "Number of catalogs registered with the service",
		},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds",
		},
	)

	return m
}

// StartUptime updates the uptime gauge every interval until Stop
func (m *Metrics) StartUptime(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends the uptime updater
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Observe records one catalog service operation. Service-level operations
// carry an empty catalog id.
func (m *Metrics) Observe(op, catalogID string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(op, catalogID, status).Inc()
	m.OperationDuration.WithLabelValues(op, catalogID).Observe(d.Seconds())
}

// SetCatalogs records the number of registered catalogs
func (m *Metrics) SetCatalogs(n int) {
	m.CatalogsTotal.Set(float64(n))
}
