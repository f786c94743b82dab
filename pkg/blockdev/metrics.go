package blockdev

import (
	"time"
)

// Metrics receives block device observations.
//
// This interface is implemented by pkg/metrics. Pass nil wherever a Metrics
// is accepted to disable collection.
type Metrics interface {
	// ObserveOperation records one operation ("read", "write", "sync", ...)
	// with its duration and outcome.
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records bytes moved by an operation.
	RecordBytes(operation string, bytes int64)
}

// noopMetrics discards everything.
type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) RecordBytes(string, int64)                     {}

// OrNoop returns m, or a no-op implementation when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

// instrumented wraps a Device and reports every call to a Metrics.
type instrumented struct {
	Device
	metrics Metrics
}

// Instrument returns dev with every operation reported to m.
//
// Returns dev unchanged when m is nil.
func Instrument(dev Device, m Metrics) Device {
	if m == nil {
		return dev
	}
	return &instrumented{Device: dev, metrics: m}
}

func (d *instrumented) ReadBlocks(blockID uint64, buf []byte) (int, error) {
	start := time.Now()
	n, err := d.Device.ReadBlocks(blockID, buf)
	d.metrics.ObserveOperation("read", time.Since(start), err)
	d.metrics.RecordBytes("read", int64(n))
	return n, err
}

func (d *instrumented) WriteBlocks(blockID uint64, buf []byte) (int, error) {
	start := time.Now()
	n, err := d.Device.WriteBlocks(blockID, buf)
	d.metrics.ObserveOperation("write", time.Since(start), err)
	d.metrics.RecordBytes("write", int64(n))
	return n, err
}

func (d *instrumented) Sync() error {
	start := time.Now()
	err := d.Device.Sync()
	d.metrics.ObserveOperation("sync", time.Since(start), err)
	return err
}
