package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"missing service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"stdout tracing", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "stdout" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "warn"
	logger := NewWriterLogger(cfg, &buf)

	log := logger.Component("reconciler")
	log.Info().Msg("hidden")
	log.Warn().Str("site", "file:///a").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["component"] != "reconciler" || entry["site"] != "file:///a" || entry["message"] != "shown" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	logger := NewWriterLogger(cfg, &buf)

	ctx := logger.WithContext(context.Background())
	log := FromContext(ctx)
	log.Info().Msg("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Errorf("context logger did not write: %q", buf.String())
	}

	nop := FromContext(context.Background())
	nop.Info().Msg("dropped")
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" || ParseLevel("bogus").String() != "info" {
		t.Error("unexpected level mapping")
	}
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordReconciliation("changed")
	m.RecordReconciliation("changed")
	m.AddNewFeatures(3)
	m.AddNewFeatures(0)
	m.AddDuplicatesResolved(1)
	m.RecordActivity("feature-install", "success")
	m.ObserveInstall(120 * time.Millisecond)
	m.RecordEviction(2)
	m.RecordStatus("ambiguous")
	m.SetFetchInflight(4)
	m.RecordFetchRejection()

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"reconciliations", testutil.ToFloat64(m.reconciliations.WithLabelValues("changed")), 2},
		{"new features", testutil.ToFloat64(m.newFeatures), 3},
		{"duplicates", testutil.ToFloat64(m.duplicatesResolved), 1},
		{"activities", testutil.ToFloat64(m.activities.WithLabelValues("feature-install", "success")), 1},
		{"evictions", testutil.ToFloat64(m.evictions), 2},
		{"status", testutil.ToFloat64(m.statusEvaluations.WithLabelValues("ambiguous")), 1},
		{"inflight", testutil.ToFloat64(m.fetchInflight), 4},
		{"rejections", testutil.ToFloat64(m.fetchRejections), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.installDuration); n != 1 {
		t.Errorf("install histogram series = %d", n)
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordReconciliation("changed")
	m.SetFetchInflight(1)
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	addr, err := m.StartMetricsServer()
	if err != nil || addr != "" {
		t.Errorf("disabled server started: %q %v", addr, err)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordStatus("happy")
}

func TestMetricsServer(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = "127.0.0.1:0"
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordReconciliation("unchanged")

	addr, err := m.StartMetricsServer()
	if err != nil {
		t.Fatalf("StartMetricsServer failed: %v", err)
	}
	defer m.Shutdown(context.Background())

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "siteconf_reconciliations_total") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}

func TestTracerDisabled(t *testing.T) {
	tr, err := NewTracer(context.Background(), DefaultConfig().Tracing, "siteconf", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	ctx, span := tr.StartCommandSpan(context.Background(), "status")
	RecordSuccess(span)
	span.End()
	if TraceID(ctx) != "" {
		t.Error("no-op tracer should not produce trace ids")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTracerNoneExporter(t *testing.T) {
	cfg := DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = "none"
	tr, err := NewTracer(context.Background(), cfg, "siteconf", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, span := tr.StartSpan(context.Background(), "reconcile", AttrSite.String("file:///a"))
	defer span.End()
	if TraceID(ctx) == "" {
		t.Error("sampled span should carry a trace id")
	}
}

func TestTelemetryShutdown(t *testing.T) {
	tel, err := NewTelemetry(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
