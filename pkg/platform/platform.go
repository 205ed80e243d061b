// Package platform holds the process-scoped state of a siteconf run. Open
// wires configuration into telemetry, the snapshot store, handlers, the
// fetch pool, admission policies and the engine; Boot discovers the
// configured sites and reconciles when they changed; Close releases it all.
package platform

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/config"
	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/fetch"
	"github.com/openfroyo/siteconf/pkg/handlers"
	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/policy"
	"github.com/openfroyo/siteconf/pkg/sitefs"
	"github.com/openfroyo/siteconf/pkg/stores"
	"github.com/openfroyo/siteconf/pkg/telemetry"
	"github.com/openfroyo/siteconf/pkg/transports/ssh"
)

// Version is reported as the telemetry service version.
var Version = "dev"

// Platform is the wired runtime. It is safe to call its operations from one
// goroutine at a time; the engine itself is single-threaded.
type Platform struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store      stores.Store
	handlers   *handlers.Registry
	sftp       *fetch.SFTPFetcher
	fetcher    fetch.Fetcher
	pool       *fetch.Pool
	scanner    *sitefs.Scanner
	policies   *policy.Engine
	loader     *policy.Loader
	stopWatch  context.CancelFunc
	rt         *engine.Runtime
	sites      *siteIndex
	local      *engine.SiteLocal
	reconciler *engine.Reconciler

	closeOnce sync.Once
	closeErr  error
}

// BootResult reports what Boot found.
type BootResult struct {
	// Sites are the configured sites that could be scanned.
	Sites []engine.DiscoveredSite

	// Unreachable lists configured locations that failed to scan.
	Unreachable map[string]error

	// Stamp is the change stamp of the local sites.
	Stamp int64

	// Reconciled is set when the stamp differed from the last seen one,
	// or there was no history, and a reconciliation ran.
	Reconciled bool
	Result     *engine.ReconcileResult
}

// Open validates cfg and wires every component. Nothing is read from the
// sites until Boot.
func Open(ctx context.Context, cfg *config.Config) (*Platform, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(ctx, cfg.TelemetryConfig(Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	p := &Platform{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Component("platform"),
		sites:  newSiteIndex(),
	}
	if err := p.open(ctx); err != nil {
		if cerr := p.Close(ctx); cerr != nil {
			p.logger.Warn().Err(cerr).Msg("Cleanup after failed open")
		}
		return nil, err
	}
	return p, nil
}

func (p *Platform) open(ctx context.Context) error {
	cfg := p.cfg
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	p.store = store

	p.handlers = handlers.NewRegistry(cfg.StateDir, p.tel.Logger.Zerolog())
	for _, h := range cfg.Handlers {
		if err := p.handlers.RegisterSpec(handlers.Spec{Name: h.Name, Kind: handlers.Kind(h.Kind), Source: h.Source}); err != nil {
			return err
		}
	}

	p.fetcher = p.newFetcher()
	p.pool = fetch.NewPool(p.fetcher,
		fetch.WithCapacity(cfg.Fetch.Capacity),
		fetch.WithPollInterval(cfg.Fetch.PollDuration()),
		fetch.WithPoolMetrics(p.tel.Metrics),
		fetch.WithPoolLogger(p.tel.Logger.Zerolog()),
	)
	p.scanner = sitefs.NewScanner(p.tel.Logger.Zerolog(), p.fetcher)

	if err := p.openPolicies(ctx); err != nil {
		return err
	}

	if cfg.Telemetry.Metrics.Listen != "" {
		addr, err := p.tel.Metrics.StartMetricsServer()
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		p.logger.Info().Str("addr", addr).Msg("Serving metrics")
	}

	p.rt = &engine.Runtime{
		Logger:      p.tel.Logger.Zerolog(),
		Handlers:    p.handlers,
		Active:      engine.ActiveSet{},
		Environment: cfg.Env(),
		Scratch:     sitefs.ScratchProvider{Base: cfg.ScratchDir},
		Content: contentSource{
			local:  sitefs.LocalSource{},
			remote: fetch.NewRemoteSource(p.pool),
		},
		Metrics: p.tel.Metrics,
		Tracer:  p.tel.Tracer.Tracer(),
	}
	p.local = engine.NewSiteLocal(p.rt, p.store, p.sites,
		engine.WithLabel(cfg.Label),
		engine.WithMaxHistory(cfg.HistoryLimit),
	)
	p.local.AddListener(func(current *engine.InstallConfiguration) {
		p.logger.Debug().
			Str("snapshot", current.Location()).
			Str("label", current.Label()).
			Msg("Current snapshot changed")
	})
	p.reconciler = engine.NewReconciler(p.rt, p.local)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (stores.Store, error) {
	var (
		store stores.Store
		err   error
	)
	switch cfg.Store.Backend {
	case "sqlite":
		store, err = stores.NewSQLiteStore(stores.Config{Path: cfg.StorePath()})
	default:
		store, err = stores.NewFileStore(cfg.StorePath())
	}
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, nil
}

func (p *Platform) newFetcher() fetch.Fetcher {
	cfg := p.cfg
	web := fetch.NewBreakerFetcher(
		fetch.NewHTTPFetcher(
			fetch.WithUserAgent(cfg.Fetch.UserAgent),
			fetch.WithMaxRetries(cfg.Fetch.Retries),
		),
		fetch.BreakerOptions{Threshold: int64(cfg.Fetch.BreakerThreshold)},
	)

	base := ssh.DefaultConfig("", cfg.SFTP.User)
	if cfg.SFTP.KeyFile != "" {
		base.PrivateKeyPath = cfg.SFTP.KeyFile
	}
	if cfg.SFTP.KnownHosts != "" {
		base.KnownHostsPath = cfg.SFTP.KnownHosts
	}
	p.sftp = fetch.NewSFTPFetcher(*base, fetch.DialSSH)

	return fetch.NewRouter().
		Handle("http", web).
		Handle("https", web).
		Handle("sftp", p.sftp).
		Handle("file", fetch.FileFetcher{})
}

func (p *Platform) openPolicies(ctx context.Context) error {
	engineLogger := p.tel.Logger.Zerolog()
	pe, err := policy.NewEngine(ctx, engineLogger)
	if err != nil {
		return fmt.Errorf("failed to compile admission policies: %w", err)
	}
	p.policies = pe
	p.loader = policy.NewLoader(engineLogger)

	paths := p.cfg.Policy.Paths
	if len(paths) == 0 {
		return nil
	}
	loaded, err := p.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := pe.Load(ctx, loaded); err != nil {
		return err
	}
	if p.cfg.Policy.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		if err := p.loader.Watch(watchCtx, pe, paths); err != nil {
			cancel()
			return err
		}
		p.stopWatch = cancel
	}
	return nil
}

// Boot scans every configured site, loads the history and reconciles when
// the local sites changed since the last run or the history is empty. A
// failed reconciliation save is returned; the caller must not continue.
func (p *Platform) Boot(ctx context.Context) (*BootResult, error) {
	ctx, span := p.tel.Tracer.StartSpan(ctx, "platform.boot")
	defer span.End()

	res := &BootResult{Unreachable: make(map[string]error)}
	var locations []string
	for _, sc := range p.cfg.Sites {
		d, err := p.discover(ctx, sc)
		if err != nil {
			p.logger.Warn().Err(err).Str("site", sc.URL).Msg("Site unreachable, leaving it out of this run")
			res.Unreachable[sc.URL] = err
			continue
		}
		res.Sites = append(res.Sites, d)
		locations = append(locations, d.Site.URL)
	}
	p.sites.set(res.Sites)

	if err := p.local.Load(ctx); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	stamp, err := sitefs.SitesStamp(locations)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to compute change stamp, forcing reconciliation")
		stamp = 0
	}
	res.Stamp = stamp

	if p.local.Current() == nil || err != nil || stamp != p.local.LastSeenStamp() {
		rr, rerr := p.reconciler.Reconcile(ctx, res.Sites, p.cfg.Optimistic)
		if rerr != nil {
			telemetry.RecordError(span, rerr)
			return nil, rerr
		}
		res.Reconciled = true
		res.Result = rr
		if err := p.local.SetLastSeenStamp(ctx, stamp); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	p.rt.Active = activeSet(p.local.Current(), p.rt.Environment)
	p.logger.Info().
		Int("sites", len(res.Sites)).
		Int("unreachable", len(res.Unreachable)).
		Bool("reconciled", res.Reconciled).
		Msg("Boot complete")
	telemetry.RecordSuccess(span)
	return res, nil
}

func (p *Platform) discover(ctx context.Context, sc config.SiteConfig) (engine.DiscoveredSite, error) {
	mode, err := engine.ParsePolicyMode(sc.Mode)
	if err != nil {
		return engine.DiscoveredSite{}, err
	}
	site, err := p.scanner.Scan(ctx, sc.URL)
	if err != nil {
		return engine.DiscoveredSite{}, err
	}

	d := engine.DiscoveredSite{Site: site, Mode: mode, Staging: sc.Staging}
	root, local := model.LocalPath(site.URL)
	if local {
		d.Store = sitefs.NewDirStore(root, p.tel.Logger.Zerolog())
		if sitefs.IsProductSite(root) {
			p.logger.Info().Str("site", site.URL).Msg("Site is a product installation")
		}
	}
	switch {
	case sc.Mutable != nil:
		d.Mutable = *sc.Mutable
	case local:
		d.Mutable = sitefs.IsUpdatable(site.URL)
	}
	if d.Mutable && d.Store == nil {
		p.logger.Warn().Str("site", site.URL).Msg("Remote site cannot be written, treating it as read-only")
		d.Mutable = false
	}
	return d, nil
}

// activeSet lists the plugins of every configured feature on an enabled
// site, as the running platform would have loaded them.
func activeSet(cfg *engine.InstallConfiguration, env model.Environment) engine.ActiveSet {
	active := engine.ActiveSet{}
	if cfg == nil {
		return active
	}
	for _, sf := range cfg.ConfiguredFeatures() {
		if !sf.Site.IsEnabled() {
			continue
		}
		plugins, err := sf.Feature.Plugins()
		if err != nil {
			continue
		}
		for _, pe := range model.FilterPlugins(plugins, env) {
			if !active.IsActive(pe.Identifier) {
				active.Add(pe.Identifier)
			}
		}
	}
	return active
}

// Close stops the policy watcher, releases handlers and connections, closes
// the store and flushes telemetry. Every step runs; failures are aggregated.
func (p *Platform) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		var result *multierror.Error
		if p.stopWatch != nil {
			p.stopWatch()
		}
		if p.loader != nil {
			if err := p.loader.StopWatching(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if p.handlers != nil {
			if err := p.handlers.Close(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if p.sftp != nil {
			if err := p.sftp.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if p.store != nil {
			if err := p.store.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := p.tel.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		p.closeErr = result.ErrorOrNil()
	})
	return p.closeErr
}

// Config returns the configuration the platform was opened with.
func (p *Platform) Config() *config.Config { return p.cfg }

// Local returns the snapshot history.
func (p *Platform) Local() *engine.SiteLocal { return p.local }

// Reconciler returns the reconciler bound to the history.
func (p *Platform) Reconciler() *engine.Reconciler { return p.reconciler }

// Runtime returns the engine runtime.
func (p *Platform) Runtime() *engine.Runtime { return p.rt }

// Policies returns the admission policy engine.
func (p *Platform) Policies() *policy.Engine { return p.policies }

// Pool returns the remote fetch pool.
func (p *Platform) Pool() *fetch.Pool { return p.pool }

// Telemetry returns the process telemetry.
func (p *Platform) Telemetry() *telemetry.Telemetry { return p.tel }

// Logger returns the platform logger.
func (p *Platform) Logger() zerolog.Logger { return p.logger }
