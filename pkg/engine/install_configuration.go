package engine

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/siteconf/pkg/model"
)

// InstallConfiguration is one snapshot of every configured site plus its
// audit log. Once handed to SiteLocal it is sealed: only Activities may be
// appended. Changes are made on a Clone.
type InstallConfiguration struct {
	mu         sync.RWMutex
	createdAt  time.Time
	label      string
	location   string
	sites      []*ConfiguredSite
	activities []Activity
	current    bool
	sealed     bool
	rt         *Runtime
}

// NewInstallConfiguration creates an empty, unsealed snapshot.
func NewInstallConfiguration(rt *Runtime, label string, at time.Time) *InstallConfiguration {
	return &InstallConfiguration{createdAt: at, label: label, rt: rt}
}

// CreatedAt returns the creation time.
func (c *InstallConfiguration) CreatedAt() time.Time { return c.createdAt }

// Label returns the display label.
func (c *InstallConfiguration) Label() string { return c.label }

// Location returns the persisted location, empty until saved.
func (c *InstallConfiguration) Location() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.location
}

// IsCurrent reports whether this is the current snapshot of its history.
func (c *InstallConfiguration) IsCurrent() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// IsSealed reports whether the snapshot is immutable.
func (c *InstallConfiguration) IsSealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

func (c *InstallConfiguration) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

func (c *InstallConfiguration) setCurrent(current bool) {
	c.mu.Lock()
	c.current = current
	c.mu.Unlock()
}

// Sites returns the configured sites in order.
func (c *InstallConfiguration) Sites() []*ConfiguredSite {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ConfiguredSite, len(c.sites))
	copy(out, c.sites)
	return out
}

// Site finds a configured site by location.
func (c *InstallConfiguration) Site(url string) *ConfiguredSite {
	for _, cs := range c.Sites() {
		if model.SameLocation(cs.URL(), url) {
			return cs
		}
	}
	return nil
}

// Activities returns the audit log in order.
func (c *InstallConfiguration) Activities() []Activity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Activity, len(c.activities))
	copy(out, c.activities)
	return out
}

// AddActivity appends an audit entry. It is allowed on sealed snapshots.
func (c *InstallConfiguration) AddActivity(action ActivityAction, label string, outcome Outcome) Activity {
	a := Activity{Action: action, Label: label, Date: c.rt.now(), Outcome: outcome}
	c.mu.Lock()
	c.activities = append(c.activities, a)
	c.mu.Unlock()
	c.rt.metrics().RecordActivity(string(action), string(outcome))
	return a
}

// startActivity appends an entry dated now. It reads NOK until the returned
// func settles its outcome.
func (c *InstallConfiguration) startActivity(action ActivityAction, label string) func(Outcome) {
	a := Activity{Action: action, Label: label, Date: c.rt.now(), Outcome: OutcomeNOK}
	c.mu.Lock()
	c.activities = append(c.activities, a)
	i := len(c.activities) - 1
	c.mu.Unlock()
	return func(outcome Outcome) {
		c.mu.Lock()
		c.activities[i].Outcome = outcome
		c.mu.Unlock()
		c.rt.metrics().RecordActivity(string(action), string(outcome))
	}
}

func (c *InstallConfiguration) appendActivities(list []Activity) {
	c.mu.Lock()
	c.activities = append(c.activities, list...)
	c.mu.Unlock()
}

// AddConfiguredSite adopts cs. Sites already present by location are rejected.
func (c *InstallConfiguration) AddConfiguredSite(cs *ConfiguredSite) error {
	if cs == nil || cs.site == nil {
		return NewPolicyError(ErrCodeInvalidArgument, "configured site is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return NewPolicyError(ErrCodeSealed, "configuration snapshot is sealed")
	}
	for _, existing := range c.sites {
		if model.SameLocation(existing.URL(), cs.URL()) {
			return NewPolicyError(ErrCodeDuplicateSite, "site already configured").WithResource(cs.URL())
		}
	}
	cs.config = c
	c.sites = append(c.sites, cs)
	return nil
}

// LinkSite adds a new site with an empty policy and records a site-install
// Activity.
func (c *InstallConfiguration) LinkSite(ctx context.Context, site *model.Site, mode PolicyMode, opts ...SiteOption) (*ConfiguredSite, error) {
	if site == nil {
		return nil, NewPolicyError(ErrCodeInvalidArgument, "site is nil")
	}
	cs := NewConfiguredSite(site, mode, opts...)
	err := c.AddConfiguredSite(cs)
	c.AddActivity(ActivitySiteInstall, site.URL, outcomeOf(err))
	if err != nil {
		return nil, err
	}
	c.rt.logger().Info().Str("site", site.URL).Str("policy", string(mode)).Msg("Site linked")
	return cs, nil
}

// UnlinkSite drops a site from the snapshot and records a site-remove
// Activity. The last site cannot be unlinked.
func (c *InstallConfiguration) UnlinkSite(ctx context.Context, url string) error {
	err := c.unlink(url)
	c.AddActivity(ActivitySiteRemove, url, outcomeOf(err))
	return err
}

func (c *InstallConfiguration) unlink(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return NewPolicyError(ErrCodeSealed, "configuration snapshot is sealed")
	}
	for i, cs := range c.sites {
		if !model.SameLocation(cs.URL(), url) {
			continue
		}
		if len(c.sites) == 1 {
			return NewPolicyError(ErrCodeLastSite, "cannot unlink the last site").WithResource(url)
		}
		c.sites = append(c.sites[:i:i], c.sites[i+1:]...)
		cs.config = nil
		return nil
	}
	return NewPolicyError(ErrCodeNotFound, "site not configured").WithResource(url)
}

// Clone deep-copies the sites and policies into a new unsealed snapshot with
// an empty audit log. Site catalogs are shared.
func (c *InstallConfiguration) Clone(label string, at time.Time) *InstallConfiguration {
	next := NewInstallConfiguration(c.rt, label, at)
	for _, cs := range c.Sites() {
		next.sites = append(next.sites, cs.clone(next))
	}
	return next
}

// FindConfigured returns the configured features with the given id across
// all sites, paired with the site that configures them.
func (c *InstallConfiguration) FindConfigured(id string) []SiteFeature {
	var out []SiteFeature
	for _, sf := range c.ConfiguredFeatures() {
		if sf.Feature.Identifier.ID == id {
			out = append(out, sf)
		}
	}
	return out
}

// SiteFeature pairs a feature with the configured site holding it.
type SiteFeature struct {
	Site    *ConfiguredSite
	Feature *model.Feature
}

// ConfiguredFeatures lists every configured feature across all sites.
func (c *InstallConfiguration) ConfiguredFeatures() []SiteFeature {
	var out []SiteFeature
	for _, cs := range c.Sites() {
		for _, f := range cs.ConfiguredFeatures() {
			out = append(out, SiteFeature{Site: cs, Feature: f})
		}
	}
	return out
}

// SiteOf returns the configured site that catalogs f.
func (c *InstallConfiguration) SiteOf(f *model.Feature) *ConfiguredSite {
	if f == nil {
		return nil
	}
	for _, cs := range c.Sites() {
		if found, ok := cs.site.Resolve(cs.Ref(f)); ok && found == f {
			return cs
		}
	}
	if owner := f.Site(); owner != nil {
		return c.Site(owner.URL)
	}
	return nil
}

// Equivalent reports whether two snapshots configure the same sites with the
// same policies, ignoring audit logs and timestamps.
func (c *InstallConfiguration) Equivalent(o *InstallConfiguration) bool {
	a, b := c.Sites(), o.Sites()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !model.SameLocation(a[i].URL(), b[i].URL()) || a[i].policy.mode != b[i].policy.mode {
			return false
		}
		if !sameRefs(a[i].policy.configured.refs, b[i].policy.configured.refs) ||
			!sameRefs(a[i].policy.unconfigured.refs, b[i].policy.unconfigured.refs) {
			return false
		}
	}
	return true
}

func sameRefs(a, b []model.FeatureReference) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, r := range a {
		set[r.Path] = true
	}
	for _, r := range b {
		if !set[r.Path] {
			return false
		}
	}
	return true
}
