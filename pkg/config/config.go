// Package config loads siteconf configuration from CUE.
//
// A configuration file is unified with the embedded #Config schema, which
// supplies defaults and rejects unknown fields, then decoded into Config
// and checked with struct validation:
//
//	state_dir: "/var/lib/siteconf"
//	sites: [
//		{url: "file:///opt/app"},
//		{url: "https://updates.example.com/site", mode: "exclude"},
//	]
//	handlers: [{name: "hook", kind: "starlark", source: "hooks/hook.star"}]
package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/siteconf/pkg/model"
)

// DefaultFile is the configuration file looked up when none is named.
const DefaultFile = "siteconf.cue"

//go:embed schema.cue
var schemaSource string

// Loader compiles configuration sources against the embedded schema.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewLoader compiles the schema and registers the custom validation rules.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	v := validator.New()
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return nil, err
	}
	if err := v.RegisterValidation("location", validateLocation); err != nil {
		return nil, err
	}

	return &Loader{
		ctx:      ctx,
		schema:   schema.LookupPath(cue.ParsePath("#Config")),
		validate: v,
	}, nil
}

// Load reads a file or a CUE package directory. Relative paths inside the
// configuration are resolved against the file's directory.
func Load(path string) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}

// Default returns the schema defaults.
func Default() *Config {
	l, err := NewLoader()
	if err != nil {
		panic(err)
	}
	cfg, err := l.LoadBytes("default.cue", nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads a file or a CUE package directory.
func (l *Loader) Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var (
		val  cue.Value
		base string
	)
	if info.IsDir() {
		insts := load.Instances([]string{"."}, &load.Config{Dir: path})
		if len(insts) == 0 {
			return nil, fmt.Errorf("no CUE files found in %s", path)
		}
		if err := insts[0].Err; err != nil {
			return nil, formatError("failed to load config", err)
		}
		val = l.ctx.BuildInstance(insts[0])
		base = path
	} else {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		val = l.ctx.CompileBytes(src, cue.Filename(path))
		base = filepath.Dir(path)
	}

	cfg, err := l.decode(val)
	if err != nil {
		return nil, err
	}
	cfg.ResolvePaths(base)
	return cfg, nil
}

// LoadBytes compiles inline source. Paths are left as written.
func (l *Loader) LoadBytes(filename string, src []byte) (*Config, error) {
	return l.decode(l.ctx.CompileBytes(src, cue.Filename(filename)))
}

func (l *Loader) decode(val cue.Value) (*Config, error) {
	if err := val.Err(); err != nil {
		return nil, formatError("failed to parse config", err)
	}
	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatError("config does not match schema", err)
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		return nil, formatError("failed to decode config", err)
	}
	if err := l.check(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate re-checks a configuration built or modified in code.
func (c *Config) Validate() error {
	l, err := NewLoader()
	if err != nil {
		return err
	}
	return l.check(c)
}

func (l *Loader) check(c *Config) error {
	if err := l.validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Sites))
	for _, s := range c.Sites {
		key := model.NormalizeLocation(s.URL)
		if seen[key] {
			return fmt.Errorf("invalid config: site %s listed twice", s.URL)
		}
		seen[key] = true
	}
	names := make(map[string]bool, len(c.Handlers))
	for _, h := range c.Handlers {
		if names[h.Name] {
			return fmt.Errorf("invalid config: handler %s declared twice", h.Name)
		}
		names[h.Name] = true
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Exporter == "otlp" && c.Telemetry.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid config: otlp tracing requires an endpoint")
	}
	return nil
}

// ResolvePaths makes relative filesystem paths absolute against base.
// Bare site paths are resolved too; URLs are left alone.
func (c *Config) ResolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p == ":memory:" {
			return p
		}
		return filepath.Join(base, p)
	}
	c.StateDir = abs(c.StateDir)
	c.ScratchDir = abs(c.ScratchDir)
	c.Store.Path = abs(c.Store.Path)
	c.SFTP.KeyFile = abs(c.SFTP.KeyFile)
	c.SFTP.KnownHosts = abs(c.SFTP.KnownHosts)
	for i := range c.Handlers {
		c.Handlers[i].Source = abs(c.Handlers[i].Source)
	}
	for i := range c.Policy.Paths {
		c.Policy.Paths[i] = abs(c.Policy.Paths[i])
	}
	for i := range c.Sites {
		if !strings.Contains(c.Sites[i].URL, "://") {
			c.Sites[i].URL = abs(c.Sites[i].URL)
		}
	}
}

// StorePath returns the snapshot store location for the configured backend.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Backend == "sqlite" {
		return filepath.Join(c.StateDir, "siteconf.db")
	}
	return c.StateDir
}

func formatError(msg string, err error) error {
	return fmt.Errorf("%s: %s", msg, strings.TrimSpace(cueerrors.Details(err, nil)))
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

var siteSchemes = map[string]bool{"file": true, "http": true, "https": true, "sftp": true}

func validateLocation(fl validator.FieldLevel) bool {
	loc := model.NormalizeLocation(fl.Field().String())
	if loc == "" {
		return false
	}
	if !strings.Contains(loc, "://") {
		return true
	}
	u, err := url.Parse(loc)
	if err != nil || !siteSchemes[u.Scheme] {
		return false
	}
	return u.Scheme == "file" || u.Host != ""
}
