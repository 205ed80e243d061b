package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return l
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.HistoryLimit != 10 {
		t.Errorf("HistoryLimit = %d, want 10", cfg.HistoryLimit)
	}
	if !cfg.Optimistic {
		t.Error("optimistic should default to true")
	}
	if cfg.Store.Backend != "file" {
		t.Errorf("Store.Backend = %s", cfg.Store.Backend)
	}
	if cfg.Fetch.Capacity != 5 || cfg.Fetch.PollDuration() != 100*time.Millisecond {
		t.Errorf("fetch defaults = %+v", cfg.Fetch)
	}
	if cfg.Telemetry.Logging.Level != "info" || cfg.Telemetry.Tracing.Exporter != "none" {
		t.Errorf("telemetry defaults = %+v", cfg.Telemetry)
	}
	if len(cfg.Sites) != 0 {
		t.Errorf("expected no sites, got %d", len(cfg.Sites))
	}
}

func TestLoadBytes(t *testing.T) {
	l := newTestLoader(t)

	tests := []struct {
		name    string
		src     string
		wantErr string
		check   func(*testing.T, *Config)
	}{
		{
			name: "sites and handlers",
			src: `
state_dir: "/var/lib/siteconf"
history_limit: 4
sites: [
	{url: "file:///opt/app"},
	{url: "https://updates.example.com/site", mode: "exclude", mutable: false, staging: true},
]
handlers: [{name: "hook", kind: "starlark", source: "hook.star"}]
fetch: poll_interval: "250ms"
`,
			check: func(t *testing.T, c *Config) {
				if c.HistoryLimit != 4 || len(c.Sites) != 2 {
					t.Fatalf("unexpected config: %+v", c)
				}
				if c.Sites[0].Mode != "include" || c.Sites[0].Mutable != nil {
					t.Errorf("site 0 = %+v", c.Sites[0])
				}
				if c.Sites[1].Mode != "exclude" || c.Sites[1].Mutable == nil || *c.Sites[1].Mutable || !c.Sites[1].Staging {
					t.Errorf("site 1 = %+v", c.Sites[1])
				}
				if c.Fetch.PollDuration() != 250*time.Millisecond {
					t.Errorf("poll interval = %v", c.Fetch.PollDuration())
				}
			},
		},
		{
			name:    "syntax error",
			src:     "state_dir: {",
			wantErr: "failed to parse config",
		},
		{
			name:    "unknown field",
			src:     `colour: "blue"`,
			wantErr: "does not match schema",
		},
		{
			name:    "bad mode",
			src:     `sites: [{url: "file:///a", mode: "sideways"}]`,
			wantErr: "does not match schema",
		},
		{
			name:    "history below one",
			src:     `history_limit: 0`,
			wantErr: "does not match schema",
		},
		{
			name:    "bad poll interval",
			src:     `fetch: poll_interval: "soon"`,
			wantErr: "invalid config",
		},
		{
			name:    "unsupported scheme",
			src:     `sites: [{url: "gopher://old.example.com"}]`,
			wantErr: "invalid config",
		},
		{
			name:    "duplicate site",
			src:     `sites: [{url: "file:///a"}, {url: "file:///a/"}]`,
			wantErr: "listed twice",
		},
		{
			name:    "duplicate handler",
			src:     `handlers: [{name: "h", kind: "wasm", source: "a.wasm"}, {name: "h", kind: "wasm", source: "b.wasm"}]`,
			wantErr: "declared twice",
		},
		{
			name:    "otlp without endpoint",
			src:     `telemetry: tracing: {enabled: true, exporter: "otlp"}`,
			wantErr: "invalid config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := l.LoadBytes("test.cue", []byte(tt.src))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadBytes failed: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	src := `
state_dir: "state"
sites: [{url: "sites/main"}, {url: "https://updates.example.com"}]
handlers: [{name: "hook", kind: "wasm", source: "hooks/hook.wasm"}]
policy: paths: ["policies"]
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StateDir != filepath.Join(dir, "state") {
		t.Errorf("StateDir = %s", cfg.StateDir)
	}
	if cfg.Sites[0].URL != filepath.Join(dir, "sites", "main") {
		t.Errorf("local site = %s", cfg.Sites[0].URL)
	}
	if cfg.Sites[1].URL != "https://updates.example.com" {
		t.Errorf("remote site = %s", cfg.Sites[1].URL)
	}
	if cfg.Handlers[0].Source != filepath.Join(dir, "hooks", "hook.wasm") {
		t.Errorf("handler source = %s", cfg.Handlers[0].Source)
	}
	if cfg.Policy.Paths[0] != filepath.Join(dir, "policies") {
		t.Errorf("policy path = %s", cfg.Policy.Paths[0])
	}
	if cfg.StorePath() != filepath.Join(dir, "state") {
		t.Errorf("StorePath = %s", cfg.StorePath())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.cue")); err == nil {
		t.Error("expected error")
	}
}

func TestValidateModified(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	cfg.Store.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestStorePathSQLite(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/var/lib/siteconf"
	cfg.Store.Backend = "sqlite"
	if got := cfg.StorePath(); got != filepath.Join("/var/lib/siteconf", "siteconf.db") {
		t.Errorf("StorePath = %s", got)
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Logging.Format = "json"
	cfg.Telemetry.Metrics.Listen = "127.0.0.1:9102"
	tc := cfg.TelemetryConfig("1.2.3")
	if tc.ServiceVersion != "1.2.3" || tc.Logging.Format != "json" || tc.Metrics.ListenAddress != "127.0.0.1:9102" {
		t.Errorf("telemetry config = %+v", tc)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("mapped telemetry config invalid: %v", err)
	}
}
