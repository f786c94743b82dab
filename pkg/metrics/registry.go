// Package metrics provides Prometheus metrics collection for ext4bridge components.
//
// All metrics are optional - if not initialized, components use no-op implementations
// that have zero overhead. This allows ext4bridge to run with or without metrics
// collection enabled.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	dev = blockdev.Instrument(dev, metrics.NewDeviceMetrics("file"))
//	s3Metrics := metrics.NewS3Metrics()
//
//	// Dump everything for the node exporter textfile collector
//	metrics.WriteTextfile("/var/lib/node_exporter/ext4bridge.prom")
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all ext4bridge metrics
	// Protected by registryOnce for write-once, read-many pattern
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// This must be called before creating any metrics instances. It's safe to call
// multiple times - subsequent calls are ignored.
//
// If not called, GetRegistry() will return nil and all metrics constructors
// will return nil, which components treat as "no metrics".
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry() has not been called, indicating metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
//
// Metrics are enabled if InitRegistry() has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text exposition format. The file is replaced atomically.
//
// Does nothing when metrics are disabled.
func WriteTextfile(path string) error {
	if !IsEnabled() {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, GetRegistry()); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
