// Package metrics declares the Prometheus metrics of the service. They are
// registered with the default registry through promauto and served by
// promhttp.Handler() on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Media operation metrics
var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasqueeze_operations_total",
			Help: "Total number of media operations by result",
		},
		[]string{"operation", "result"}, // result: "success" or an error kind
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediasqueeze_operation_duration_seconds",
			Help:    "Media operation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	OperationBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediasqueeze_operation_bytes",
			Help:    "Size of media operation inputs and outputs in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		},
		[]string{"operation", "direction"}, // "in", "out"
	)

	HardwareEncoderAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediasqueeze_hardware_encoder_available",
			Help: "1 if the hardware video encoder passed its probe, 0 otherwise",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediasqueeze_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediasqueeze_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Job metrics
var (
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediasqueeze_jobs_in_flight",
			Help: "Number of jobs currently being processed",
		},
	)
)

// SetHardwareEncoder records the outcome of the hardware encoder probe.
func SetHardwareEncoder(available bool) {
	if available {
		HardwareEncoderAvailable.Set(1)
		return
	}
	HardwareEncoderAvailable.Set(0)
}
