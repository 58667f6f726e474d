// Package telemetry provides observability primitives for the orchd gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	FailoversTotal   *prometheus.CounterVec
	RpmRejects       prometheus.Counter
	StreamTruncated  *prometheus.CounterVec
	LogQueueLength   prometheus.Gauge
	LogQueueDropped  prometheus.Counter
	HealthProbes     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "orchd",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchd",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "orchd",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"group", "provider"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"group", "status"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "retries_total",
			Help:      "Total in-group retry attempts.",
		}, []string{"group", "action"}),

		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "failovers_total",
			Help:      "Total group failovers within a single request.",
		}, []string{"from_group"}),

		RpmRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "rpm_rejects_total",
			Help:      "Total requests rejected by RPM admission.",
		}),

		StreamTruncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "stream_truncated_total",
			Help:      "Total upstream streams classified as truncated.",
		}, []string{"group"}),

		LogQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchd",
			Name:      "log_queue_length",
			Help:      "Current number of queued request log items.",
		}),

		LogQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "log_queue_dropped_total",
			Help:      "Total request log items dropped by the queue.",
		}),

		HealthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchd",
			Name:      "health_probes_total",
			Help:      "Total health check probes by tier and outcome.",
		}, []string{"check_type", "outcome"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RetriesTotal,
		m.FailoversTotal,
		m.RpmRejects,
		m.StreamTruncated,
		m.LogQueueLength,
		m.LogQueueDropped,
		m.HealthProbes,
	)

	return m
}
