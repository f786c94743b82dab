package metrics

import (
	"sync"
	"time"

	"github.com/marmos91/ext4bridge/pkg/blockdev"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// deviceVecs holds the block device collectors. They are registered once
// per process and shared by every device, labelled by backend.
type deviceVecs struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

var (
	devices     *deviceVecs
	devicesOnce sync.Once
)

func deviceCollectors(reg *prometheus.Registry) *deviceVecs {
	devicesOnce.Do(func() {
		devices = &deviceVecs{
			operationsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ext4bridge_blockdev_operations_total",
					Help: "Total number of block device operations by backend, operation and status",
				},
				[]string{"backend", "operation", "status"},
			),
			operationDuration: promauto.With(reg).NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "ext4bridge_blockdev_operation_duration_seconds",
					Help: "Duration of block device operations in seconds",
					Buckets: []float64{
						0.00001, // 10us
						0.0001,  // 100us
						0.001,   // 1ms
						0.005,   // 5ms
						0.01,    // 10ms
						0.05,    // 50ms
						0.1,     // 100ms
						0.5,     // 500ms
						1.0,     // 1s
						5.0,     // 5s
					},
				},
				[]string{"backend", "operation"},
			),
			bytesTransferred: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ext4bridge_blockdev_bytes_total",
					Help: "Total bytes transferred by block device operations",
				},
				[]string{"backend", "operation"}, // read or write
			),
			errorsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "ext4bridge_blockdev_errors_total",
					Help: "Total number of failed block device operations",
				},
				[]string{"backend", "operation"},
			),
		}
	})
	return devices
}

// deviceMetrics is the Prometheus implementation of blockdev.Metrics for
// one backend.
type deviceMetrics struct {
	backend string
	vecs    *deviceVecs
}

// NewDeviceMetrics creates Prometheus-backed block device metrics labelled
// with backend ("memory", "file", "badger", "s3").
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// makes blockdev.Instrument return the device unwrapped.
func NewDeviceMetrics(backend string) blockdev.Metrics {
	if !IsEnabled() {
		return nil
	}

	return &deviceMetrics{
		backend: backend,
		vecs:    deviceCollectors(GetRegistry()),
	}
}

// ObserveOperation implements blockdev.Metrics.ObserveOperation
func (m *deviceMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.vecs.errorsTotal.WithLabelValues(m.backend, operation).Inc()
	}

	m.vecs.operationsTotal.WithLabelValues(m.backend, operation, status).Inc()
	m.vecs.operationDuration.WithLabelValues(m.backend, operation).Observe(duration.Seconds())
}

// RecordBytes implements blockdev.Metrics.RecordBytes
func (m *deviceMetrics) RecordBytes(operation string, bytes int64) {
	if bytes <= 0 {
		return
	}
	m.vecs.bytesTransferred.WithLabelValues(m.backend, operation).Add(float64(bytes))
}
