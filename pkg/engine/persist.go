package engine

import (
	"time"

	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/stores"
)

// SiteSource resolves a persisted site location to its live catalog and
// content store.
type SiteSource interface {
	Lookup(url string) (*model.Site, ContentStore, bool)
}

// SiteMap is a SiteSource backed by a fixed set of sites.
type SiteMap struct {
	Sites  []*model.Site
	Stores map[string]ContentStore
}

// Lookup implements SiteSource.
func (m SiteMap) Lookup(url string) (*model.Site, ContentStore, bool) {
	for _, s := range m.Sites {
		if model.SameLocation(s.URL, url) {
			return s, m.Stores[s.URL], true
		}
	}
	return nil, nil, false
}

func toRecord(c *InstallConfiguration) *stores.SnapshotRecord {
	rec := &stores.SnapshotRecord{
		Location:  c.Location(),
		Label:     c.Label(),
		CreatedAt: c.CreatedAt(),
	}
	for _, cs := range c.Sites() {
		sr := stores.SiteRecord{
			URL:         cs.URL(),
			PlatformURL: cs.platformURL,
			Policy:      string(cs.policy.mode),
			Mutable:     cs.mutable,
			Staging:     cs.staging,
		}
		for _, ref := range cs.policy.configured.refs {
			sr.Configured = append(sr.Configured, ref.Path)
		}
		for _, ref := range cs.policy.unconfigured.refs {
			sr.Unconfigured = append(sr.Unconfigured, ref.Path)
		}
		rec.Sites = append(rec.Sites, sr)
	}
	for _, a := range c.Activities() {
		rec.Activities = append(rec.Activities, stores.ActivityRecord{
			Date:    a.Date.UnixMilli(),
			Action:  string(a.Action),
			Label:   a.Label,
			Outcome: string(a.Outcome),
		})
	}
	return rec
}

// fromRecord rebuilds a snapshot. Sites unknown to source get an empty
// catalog so their policy survives until the next reconciliation.
func fromRecord(rt *Runtime, rec *stores.SnapshotRecord, source SiteSource) (*InstallConfiguration, error) {
	c := NewInstallConfiguration(rt, rec.Label, rec.CreatedAt)
	c.location = rec.Location

	for _, sr := range rec.Sites {
		mode, err := ParsePolicyMode(sr.Policy)
		if err != nil {
			return nil, NewStructuralError("invalid policy in snapshot", err).
				WithResource(rec.Location).
				WithDetail("site", sr.URL)
		}
		var site *model.Site
		var store ContentStore
		if source != nil {
			site, store, _ = source.Lookup(sr.URL)
		}
		if site == nil {
			site = model.NewSite(sr.URL)
		}
		cs := NewConfiguredSite(site, mode,
			WithMutable(sr.Mutable),
			WithStaging(sr.Staging),
			WithPlatformURL(sr.PlatformURL),
			WithContentStore(store),
		)
		for _, path := range sr.Configured {
			cs.policy.addConfigured(model.NewFeatureReference(site.URL, path))
		}
		for _, path := range sr.Unconfigured {
			cs.policy.addUnconfigured(model.NewFeatureReference(site.URL, path))
		}
		if err := c.AddConfiguredSite(cs); err != nil {
			return nil, NewStructuralError("invalid site in snapshot", err).WithResource(rec.Location)
		}
	}

	activities := make([]Activity, 0, len(rec.Activities))
	for _, ar := range rec.Activities {
		action := ActivityAction(ar.Action)
		if err := action.Validate(); err != nil {
			rt.logger().Warn().Err(err).Str("snapshot", rec.Location).Msg("Skipping unknown activity")
			continue
		}
		activities = append(activities, Activity{
			Action:  action,
			Label:   ar.Label,
			Date:    time.UnixMilli(ar.Date),
			Outcome: Outcome(ar.Outcome),
		})
	}
	c.appendActivities(activities)
	return c, nil
}
