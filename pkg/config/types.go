package config

import (
	"time"

	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/telemetry"
)

// Config is the decoded configuration file.
type Config struct {
	StateDir     string            `json:"state_dir" validate:"required"`
	Label        string            `json:"label"`
	HistoryLimit int               `json:"history_limit" validate:"gte=1"`
	Optimistic   bool              `json:"optimistic"`
	ScratchDir   string            `json:"scratch_dir"`
	Store        StoreConfig       `json:"store"`
	Environment  EnvironmentConfig `json:"environment"`
	Sites        []SiteConfig      `json:"sites" validate:"dive"`
	Handlers     []HandlerConfig   `json:"handlers" validate:"dive"`
	Fetch        FetchConfig       `json:"fetch"`
	Policy       PolicyConfig      `json:"policy"`
	SFTP         SFTPConfig        `json:"sftp"`
	Telemetry    TelemetryConfig   `json:"telemetry"`
}

// StoreConfig selects the snapshot backend. An empty path places the
// store under the state directory.
type StoreConfig struct {
	Backend string `json:"backend" validate:"oneof=file sqlite"`
	Path    string `json:"path"`
}

// EnvironmentConfig is the runtime platform used for filter matching.
type EnvironmentConfig struct {
	OS   string `json:"os"`
	WS   string `json:"ws"`
	Arch string `json:"arch"`
	NL   string `json:"nl"`
}

// SiteConfig declares one content site. A nil Mutable means local sites
// are probed for writability and remote sites are read-only.
type SiteConfig struct {
	URL     string `json:"url" validate:"required,location"`
	Mode    string `json:"mode" validate:"oneof=include exclude"`
	Mutable *bool  `json:"mutable,omitempty"`
	Staging bool   `json:"staging"`
}

// HandlerConfig declares an install handler.
type HandlerConfig struct {
	Name   string `json:"name" validate:"required"`
	Kind   string `json:"kind" validate:"oneof=starlark wasm"`
	Source string `json:"source" validate:"required"`
}

// FetchConfig tunes the remote fetch pool.
type FetchConfig struct {
	Capacity         int    `json:"capacity" validate:"gte=1"`
	PollInterval     string `json:"poll_interval" validate:"duration"`
	Retries          int    `json:"retries" validate:"gte=0"`
	UserAgent        string `json:"user_agent"`
	BreakerThreshold int    `json:"breaker_threshold" validate:"gte=1"`
}

// PollDuration returns the parsed poll interval.
func (f FetchConfig) PollDuration() time.Duration {
	d, err := time.ParseDuration(f.PollInterval)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// PolicyConfig lists admission policy sources.
type PolicyConfig struct {
	Paths []string `json:"paths"`
	Watch bool     `json:"watch"`
}

// SFTPConfig holds credentials for sftp:// sites.
type SFTPConfig struct {
	User       string `json:"user"`
	KeyFile    string `json:"key_file"`
	KnownHosts string `json:"known_hosts"`
}

// TelemetryConfig is the subset of telemetry settings exposed in files.
type TelemetryConfig struct {
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" validate:"oneof=console json"`
	Output string `json:"output"`
}

// MetricsConfig configures Prometheus collection.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen" validate:"omitempty,hostname_port"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `json:"sampling_rate" validate:"gte=0,lte=1"`
}

// Env returns the runtime environment for filter matching.
func (c *Config) Env() model.Environment {
	return model.Environment{
		OS:   c.Environment.OS,
		WS:   c.Environment.WS,
		Arch: c.Environment.Arch,
		NL:   c.Environment.NL,
	}
}

// TelemetryConfig maps the file settings onto a telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Logging.Level = c.Telemetry.Logging.Level
	tc.Logging.Format = c.Telemetry.Logging.Format
	if c.Telemetry.Logging.Output != "" {
		tc.Logging.Output = c.Telemetry.Logging.Output
	}
	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Telemetry.Metrics.Listen
	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	return tc
}
