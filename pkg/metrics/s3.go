package metrics

import (
	"sync"
	"time"

	"github.com/marmos91/ext4bridge/pkg/blockdev"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// s3Metrics is the Prometheus implementation of blockdev.Metrics for the
// individual requests the S3 device issues.
//
// This implementation collects metrics about S3 operations including:
//   - Request counts (GetObject, PutObject, ListObjectsV2, HeadBucket)
//   - Request latency
//   - Bytes transferred
//   - Error rates
type s3Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

var (
	s3Instance *s3Metrics
	s3Once     sync.Once
)

// NewS3Metrics returns the Prometheus-backed S3 request metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// causes the S3 device to use the built-in no-op implementation. Every call
// returns the same collectors.
func NewS3Metrics() blockdev.Metrics {
	if !IsEnabled() {
		return nil // S3 device will use the no-op implementation
	}

	s3Once.Do(func() {
		reg := GetRegistry()

		s3Instance = &s3Metrics{
			operationsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ext4bridge_s3_operations_total",
					Help: "Total number of S3 operations by operation type and status",
				},
				[]string{"operation", "status"},
			),
			operationDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "ext4bridge_s3_operation_duration_seconds",
					Help: "Duration of S3 operations in seconds",
					Buckets: []float64{
						0.01,  // 10ms
						0.025, // 25ms
						0.05,  // 50ms
						0.1,   // 100ms
						0.25,  // 250ms
						0.5,   // 500ms
						1.0,   // 1s
						2.5,   // 2.5s
						5.0,   // 5s
						10.0,  // 10s
						30.0,  // 30s
					},
				},
				[]string{"operation"},
			),
			bytesTransferred: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ext4bridge_s3_bytes_transferred_total",
					Help: "Total bytes transferred in S3 operations",
				},
				[]string{"operation"},
			),
			errorsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ext4bridge_s3_errors_total",
					Help: "Total number of S3 operation errors by operation type",
				},
				[]string{"operation"},
			),
		}
	})

	return s3Instance
}

// ObserveOperation implements blockdev.Metrics.ObserveOperation
func (m *s3Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.errorsTotal.WithLabelValues(operation).Inc()
	}

	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBytes implements blockdev.Metrics.RecordBytes
func (m *s3Metrics) RecordBytes(operation string, bytes int64) {
	m.bytesTransferred.WithLabelValues(operation).Add(float64(bytes))
}
