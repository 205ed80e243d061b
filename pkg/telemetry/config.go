package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config selects how the process logs, traces and exports metrics.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the zerolog logger. Output is stderr, stdout or
// a file path opened for append.
type LoggingConfig struct {
	Level      string
	Format     string // console or json
	Output     string
	TimeFormat string // rfc3339, unix or unixms
	Caller     bool
}

// TracingConfig configures the OpenTelemetry provider. A disabled tracer
// hands out no-op spans.
type TracingConfig struct {
	Enabled       bool
	Exporter      string // otlp, stdout or none
	Endpoint      string
	SamplingRate  float64
	ExportTimeout time.Duration
	Insecure      bool
}

// MetricsConfig configures the Prometheus registry. ListenAddress empty
// means metrics are collected but not served.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string
	Buckets       []float64
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

// DefaultConfig logs info to stderr on the console, collects metrics
// without serving them and disables tracing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "siteconf",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			TimeFormat: "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "siteconf",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	}
}

// Validate rejects unknown enum values and an otlp exporter without an
// endpoint.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service name is required")
	}
	if !oneOf(c.Logging.Level, logLevels) {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if !oneOf(c.Logging.Format, logFormats) {
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate %v outside [0, 1]", c.Tracing.SamplingRate)
	}
	if !c.Tracing.Enabled {
		return nil
	}
	if !oneOf(c.Tracing.Exporter, traceExporter) {
		return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return errors.New("otlp exporter requires an endpoint")
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
