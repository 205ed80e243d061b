package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/siteconf/pkg/model"
)

// SiteOption configures a ConfiguredSite.
type SiteOption func(*ConfiguredSite)

// WithMutable marks the site as accepting installs and removals.
func WithMutable(mutable bool) SiteOption {
	return func(cs *ConfiguredSite) { cs.mutable = mutable }
}

// WithStaging makes installs stage every archive in a scratch area first.
func WithStaging(staging bool) SiteOption {
	return func(cs *ConfiguredSite) { cs.staging = staging }
}

// WithPlatformURL sets the portable, platform-relative location.
func WithPlatformURL(url string) SiteOption {
	return func(cs *ConfiguredSite) { cs.platformURL = url }
}

// WithContentStore sets where installed bytes are written.
func WithContentStore(store ContentStore) SiteOption {
	return func(cs *ConfiguredSite) { cs.store = store }
}

// ConfigureOptions tunes a configure cascade.
type ConfigureOptions struct {
	// Optional lists optional included features to configure along with
	// their parent. They must already be installed on the site.
	Optional []model.VersionedIdentifier
}

func (o ConfigureOptions) wants(id model.VersionedIdentifier) bool {
	for _, x := range o.Optional {
		if x == id {
			return true
		}
	}
	return false
}

// RemoveResult describes a completed removal.
type RemoveResult struct {
	// RestartRequired is set when plugins to delete are still active. The
	// feature was unconfigured but its files were left in place.
	RestartRequired bool

	// Deleted lists the plugins whose files were removed.
	Deleted []model.PluginEntry
}

// ConfiguredSite binds a site catalog to a configuration policy.
type ConfiguredSite struct {
	site        *model.Site
	policy      *ConfigurationPolicy
	mutable     bool
	staging     bool
	platformURL string
	enabled     bool
	store       ContentStore
	config      *InstallConfiguration
}

// NewConfiguredSite creates a configured site with an empty policy.
func NewConfiguredSite(site *model.Site, mode PolicyMode, opts ...SiteOption) *ConfiguredSite {
	cs := &ConfiguredSite{site: site, enabled: true}
	cs.policy = newConfigurationPolicy(mode)
	cs.policy.site = cs
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

// Site returns the underlying catalog.
func (cs *ConfiguredSite) Site() *model.Site { return cs.site }

// Policy returns the configuration policy.
func (cs *ConfiguredSite) Policy() *ConfigurationPolicy { return cs.policy }

// URL returns the site location.
func (cs *ConfiguredSite) URL() string { return cs.site.URL }

// PlatformURL returns the portable location, or the URL when unset.
func (cs *ConfiguredSite) PlatformURL() string {
	if cs.platformURL != "" {
		return cs.platformURL
	}
	return cs.site.URL
}

// IsMutable reports whether the site accepts installs.
func (cs *ConfiguredSite) IsMutable() bool { return cs.mutable }

// IsStaging reports whether installs are staged.
func (cs *ConfiguredSite) IsStaging() bool { return cs.staging }

// IsEnabled reports whether the site participates in the configuration.
func (cs *ConfiguredSite) IsEnabled() bool { return cs.enabled }

// SetEnabled toggles participation.
func (cs *ConfiguredSite) SetEnabled(enabled bool) { cs.enabled = enabled }

// Store returns the content store, or nil for read-only sites.
func (cs *ConfiguredSite) Store() ContentStore { return cs.store }

// Configuration returns the owning snapshot, or nil.
func (cs *ConfiguredSite) Configuration() *InstallConfiguration { return cs.config }

// Ref returns the reference of f on this site.
func (cs *ConfiguredSite) Ref(f *model.Feature) model.FeatureReference {
	return model.NewFeatureReference(cs.URL(), f.Path)
}

// IsConfigured reports whether f is configured on this site.
func (cs *ConfiguredSite) IsConfigured(f *model.Feature) bool {
	if f == nil {
		return false
	}
	return cs.policy.IsConfigured(cs.Ref(f))
}

// ConfiguredFeatures resolves the configured references. References that
// no longer resolve are skipped. Disabled sites have none.
func (cs *ConfiguredSite) ConfiguredFeatures() []*model.Feature {
	if !cs.enabled {
		return nil
	}
	return cs.resolve(cs.policy.configured.refs)
}

// UnconfiguredFeatures resolves the unconfigured references.
func (cs *ConfiguredSite) UnconfiguredFeatures() []*model.Feature {
	return cs.resolve(cs.policy.unconfigured.refs)
}

func (cs *ConfiguredSite) resolve(refs []model.FeatureReference) []*model.Feature {
	out := make([]*model.Feature, 0, len(refs))
	for _, ref := range refs {
		if f, ok := cs.site.Resolve(ref); ok {
			out = append(out, f)
		}
	}
	return out
}

// MissingPlugins returns the feature's environment-applicable plugins that
// are absent from this site.
func (cs *ConfiguredSite) MissingPlugins(f *model.Feature) ([]model.PluginEntry, error) {
	plugins, err := f.Plugins()
	if err != nil {
		return nil, err
	}
	plugins = model.FilterPlugins(plugins, cs.runtime().env())
	return model.DiffPlugins(plugins, cs.site.Plugins()), nil
}

// IsBroken reports whether any of the feature's plugins is missing from the
// site. A feature whose plugins cannot be read counts as broken.
func (cs *ConfiguredSite) IsBroken(f *model.Feature) bool {
	if f == nil {
		return false
	}
	missing, err := cs.MissingPlugins(f)
	return err != nil || len(missing) > 0
}

// PluginPath computes the site's plugin path against the previous one.
func (cs *ConfiguredSite) PluginPath(previous []string, problems ProblemHandler) []string {
	return cs.policy.PluginPath(cs.site, previous, cs.runtime().env(), problems)
}

func (cs *ConfiguredSite) runtime() *Runtime {
	if cs.config == nil {
		return nil
	}
	return cs.config.rt
}

func (cs *ConfiguredSite) sealed() bool {
	return cs.config != nil && cs.config.IsSealed()
}

func (cs *ConfiguredSite) record(action ActivityAction, label string, err error) {
	if cs.config != nil {
		cs.config.AddActivity(action, label, outcomeOf(err))
	}
}

// begin records action before the operation runs; the returned func sets
// its outcome.
func (cs *ConfiguredSite) begin(action ActivityAction, label string) func(error) {
	if cs.config == nil {
		return func(error) {}
	}
	settle := cs.config.startActivity(action, label)
	return func(err error) { settle(outcomeOf(err)) }
}

func (cs *ConfiguredSite) checkWritable(f *model.Feature) error {
	switch {
	case f == nil:
		return NewPolicyError(ErrCodeInvalidArgument, "feature is nil")
	case !cs.mutable:
		return NewPolicyError(ErrCodeImmutableSite, "site is not mutable").WithResource(cs.URL())
	case cs.store == nil:
		return NewPolicyError(ErrCodeImmutableSite, "site has no content store").WithResource(cs.URL())
	case cs.sealed():
		return NewPolicyError(ErrCodeSealed, "configuration snapshot is sealed")
	}
	return nil
}

func (cs *ConfiguredSite) clone(owner *InstallConfiguration) *ConfiguredSite {
	c := &ConfiguredSite{
		site:        cs.site,
		mutable:     cs.mutable,
		staging:     cs.staging,
		platformURL: cs.platformURL,
		enabled:     cs.enabled,
		store:       cs.store,
		config:      owner,
	}
	c.policy = cs.policy.clone(c)
	return c
}

// Install transfers f from its source site onto this one, then configures
// it. The feature-install Activity is recorded before the transfer starts
// and its outcome set when it ends.
func (cs *ConfiguredSite) Install(ctx context.Context, f *model.Feature, verifier Verifier, monitor Monitor) (*model.Feature, error) {
	if err := cs.checkWritable(f); err != nil {
		return nil, err
	}
	if monitor == nil {
		monitor = NopMonitor{}
	}
	rt := cs.runtime()

	ctx, span := rt.tracer().Start(ctx, "engine.install")
	defer span.End()
	span.SetAttributes(
		attribute.String("feature", f.Identifier.String()),
		attribute.String("site", cs.URL()),
	)

	settle := cs.begin(ActivityFeatureInstall, f.Identifier.String())
	start := time.Now()
	installed, err := cs.installTree(ctx, f, verifier, monitor, map[model.VersionedIdentifier]bool{})
	rt.metrics().ObserveInstall(time.Since(start))
	settle(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rt.logger().Error().Err(err).
			Str("feature", f.Identifier.String()).
			Str("site", cs.URL()).
			Msg("Install failed")
		return nil, err
	}

	if err := cs.Configure(ctx, installed, ConfigureOptions{}); err != nil {
		return installed, err
	}
	rt.logger().Info().
		Str("feature", installed.Identifier.String()).
		Str("site", cs.URL()).
		Msg("Feature installed")
	return installed, nil
}

func (cs *ConfiguredSite) installTree(ctx context.Context, f *model.Feature, verifier Verifier, monitor Monitor, visited map[model.VersionedIdentifier]bool) (*model.Feature, error) {
	visited[f.Identifier] = true
	rt := cs.runtime()

	proxy, err := newHandlerProxy(ctx, rt, f, ActionInstall)
	if err != nil {
		return nil, err
	}
	var installed *model.Feature
	err = runLifecycle(ctx, proxy, func() error {
		var terr error
		installed, terr = cs.transfer(ctx, f, verifier, monitor)
		return terr
	})
	if err != nil {
		return nil, err
	}

	includes, err := f.Includes()
	if err != nil {
		return nil, NewStructuralError("feature includes not loaded", err).WithResource(f.Identifier.String())
	}
	source := f.Site()
	for _, inc := range includes {
		if visited[inc.Identifier] || !inc.Filters.Accepts(rt.env()) {
			continue
		}
		if _, present := cs.site.FindFeature(inc.Identifier); present {
			continue
		}
		var child *model.Feature
		var ok bool
		if source != nil {
			child, ok = source.FindFeature(inc.Identifier)
		}
		if !ok {
			if inc.Optional {
				continue
			}
			return nil, NewStructuralError("included feature not found on source site", nil).
				WithResource(inc.Identifier.String())
		}
		installedChild, err := cs.installTree(ctx, child, verifier, monitor, visited)
		if err != nil {
			return nil, err
		}
		if inc.Optional {
			cs.policy.addUnconfigured(cs.Ref(installedChild))
		}
	}
	return installed, nil
}

// Remove deletes f and the plugins no other feature of the configuration
// still needs. If any of those plugins is active, f is only unconfigured
// and the result asks for a restart.
func (cs *ConfiguredSite) Remove(ctx context.Context, f *model.Feature, monitor Monitor) (*RemoveResult, error) {
	if err := cs.checkWritable(f); err != nil {
		return nil, err
	}
	if monitor == nil {
		monitor = NopMonitor{}
	}
	rt := cs.runtime()

	ctx, span := rt.tracer().Start(ctx, "engine.remove")
	defer span.End()
	span.SetAttributes(
		attribute.String("feature", f.Identifier.String()),
		attribute.String("site", cs.URL()),
	)

	res, err := cs.remove(ctx, f, monitor)
	cs.record(ActivityFeatureRemove, f.Identifier.String(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (cs *ConfiguredSite) remove(ctx context.Context, f *model.Feature, monitor Monitor) (*RemoveResult, error) {
	rt := cs.runtime()
	ref := cs.Ref(f)

	safe, err := cs.pluginsToRemove(f)
	if err != nil {
		return nil, err
	}

	monitor.Begin("remove "+f.Identifier.String(), len(safe)+1)
	defer monitor.Done()

	for _, p := range safe {
		if isActive(rt.active(), p.Identifier) {
			if cs.policy.IsConfigured(ref) && !cs.Unconfigure(ctx, f) {
				return nil, NewPolicyError(ErrCodeFeatureConfigured, "feature could not be unconfigured").
					WithResource(f.Identifier.String())
			}
			rt.logger().Info().
				Str("feature", f.Identifier.String()).
				Str("plugin", p.Identifier.String()).
				Msg("Plugin is active, removal deferred until restart")
			return &RemoveResult{RestartRequired: true}, nil
		}
	}

	if cs.policy.IsConfigured(ref) {
		cs.Unconfigure(ctx, f)
	}
	if cs.policy.IsConfigured(ref) {
		return nil, NewPolicyError(ErrCodeFeatureConfigured, "feature is still configured").
			WithResource(f.Identifier.String())
	}

	proxy, err := newHandlerProxy(ctx, rt, f, ActionUninstall)
	if err != nil {
		return nil, err
	}
	err = runLifecycle(ctx, proxy, func() error {
		if err := ctx.Err(); err != nil {
			return NewCancelledError("remove cancelled", err)
		}
		if err := cs.store.Delete(ctx, f, safe); err != nil {
			return NewTransientError("failed to delete feature content", err).
				WithResource(f.Identifier.String()).
				WithOperation("remove")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cs.policy.removeRef(ref)
	cs.site.RemoveFeature(ref)
	for _, p := range safe {
		cs.site.RemovePlugin(p.Identifier)
		monitor.Worked(1)
	}
	return &RemoveResult{Deleted: safe}, nil
}

// pluginsToRemove returns f's plugins that no other feature of any site in
// the configuration refers to.
func (cs *ConfiguredSite) pluginsToRemove(f *model.Feature) ([]model.PluginEntry, error) {
	plugins, err := f.Plugins()
	if err != nil {
		return nil, NewStructuralError("feature plugins not loaded", err).WithResource(f.Identifier.String())
	}

	sites := []*ConfiguredSite{cs}
	if cs.config != nil {
		sites = cs.config.Sites()
	}
	var others []model.PluginEntry
	for _, s := range sites {
		for _, other := range append(s.resolve(s.policy.configured.refs), s.resolve(s.policy.unconfigured.refs)...) {
			if other == f || (s.site == cs.site && other.Path == f.Path) {
				continue
			}
			op, err := other.Plugins()
			if err != nil {
				return nil, NewStructuralError(fmt.Sprintf("plugins of %s not loaded", other.Identifier), err)
			}
			others = append(others, op...)
		}
	}
	return model.DiffPlugins(plugins, others), nil
}

// Configure configures f and its non-optional included features, plus the
// optional ones requested in opts that are present on the site.
func (cs *ConfiguredSite) Configure(ctx context.Context, f *model.Feature, opts ConfigureOptions) error {
	return cs.configure(ctx, f, opts, map[model.VersionedIdentifier]bool{})
}

func (cs *ConfiguredSite) configure(ctx context.Context, f *model.Feature, opts ConfigureOptions, visited map[model.VersionedIdentifier]bool) error {
	if f == nil {
		return NewPolicyError(ErrCodeInvalidArgument, "feature is nil")
	}
	if _, ok := cs.site.Resolve(cs.Ref(f)); !ok {
		return NewPolicyError(ErrCodeNotFound, "feature is not on this site").
			WithResource(f.Identifier.String()).
			WithDetail("site", cs.URL())
	}
	visited[f.Identifier] = true
	if err := cs.policy.Configure(ctx, f, true); err != nil {
		return err
	}

	includes, err := f.Includes()
	if err != nil {
		return NewStructuralError("feature includes not loaded", err).WithResource(f.Identifier.String())
	}
	for _, inc := range includes {
		if visited[inc.Identifier] || !inc.Filters.Accepts(cs.runtime().env()) {
			continue
		}
		if inc.Optional && !opts.wants(inc.Identifier) {
			continue
		}
		child, ok := cs.site.FindFeature(inc.Identifier)
		if !ok {
			cs.runtime().logger().Warn().
				Str("feature", f.Identifier.String()).
				Str("child", inc.Identifier.String()).
				Msg("Included feature not installed, skipping")
			continue
		}
		if cs.IsConfigured(child) {
			continue
		}
		if err := cs.configure(ctx, child, opts, visited); err != nil {
			return err
		}
	}
	return nil
}

// Unconfigure unconfigures f, the configured patches of f, and included
// features left without a configured parent. It reports whether f itself
// was unconfigured.
func (cs *ConfiguredSite) Unconfigure(ctx context.Context, f *model.Feature) bool {
	return cs.unconfigure(ctx, f, true, false, map[model.VersionedIdentifier]bool{})
}

func (cs *ConfiguredSite) unconfigure(ctx context.Context, f *model.Feature, includePatches, verifyParent bool, visited map[model.VersionedIdentifier]bool) bool {
	if f == nil || visited[f.Identifier] {
		return false
	}
	visited[f.Identifier] = true
	log := cs.runtime().logger()

	if verifyParent && cs.hasConfiguredParent(f) {
		log.Debug().Str("feature", f.Identifier.String()).Msg("Feature still needed by a configured parent")
		return false
	}
	if !cs.policy.Unconfigure(ctx, f, true) {
		return false
	}

	if includePatches {
		for _, candidate := range cs.ConfiguredFeatures() {
			if candidate != f && candidate.Patches(f) {
				cs.unconfigure(ctx, candidate, false, false, visited)
			}
		}
	}

	includes, err := f.Includes()
	if err != nil {
		log.Warn().Err(err).Str("feature", f.Identifier.String()).Msg("Unable to read included features")
		return true
	}
	for _, inc := range includes {
		child, ok := cs.site.FindFeature(inc.Identifier)
		if !ok || !cs.IsConfigured(child) {
			continue
		}
		cs.unconfigure(ctx, child, includePatches, true, visited)
	}
	return true
}

func (cs *ConfiguredSite) hasConfiguredParent(child *model.Feature) bool {
	sites := []*ConfiguredSite{cs}
	if cs.config != nil {
		sites = cs.config.Sites()
	}
	for _, s := range sites {
		for _, parent := range s.ConfiguredFeatures() {
			if parent != child && parent.IncludesIdentifier(child.Identifier) {
				return true
			}
		}
	}
	return false
}
