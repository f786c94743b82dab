package config

import (
	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/metrics"
)

// MetricsResult describes the metrics setup created from configuration.
type MetricsResult struct {
	// Enabled reports whether collection is active
	Enabled bool

	// Textfile is where Flush writes collected metrics
	Textfile string
}

// InitializeMetrics sets up metrics collection based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry, so device factories
//     return instrumented devices
//
// If metrics are disabled:
//   - Leaves the registry uninitialized (every component uses no-op metrics)
//
// Must be called before CreateDevice.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()
	logger.Debug("Metrics enabled, textfile: %s", cfg.Metrics.Textfile)

	return &MetricsResult{
		Enabled:  true,
		Textfile: cfg.Metrics.Textfile,
	}
}

// Flush writes the collected metrics to the configured textfile.
func (r *MetricsResult) Flush() error {
	if !r.Enabled {
		return nil
	}
	return metrics.WriteTextfile(r.Textfile)
}
