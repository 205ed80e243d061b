package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/stores"
)

// DiscoveredSite is one site found live at boot.
type DiscoveredSite struct {
	Site        *model.Site
	Mode        PolicyMode
	Mutable     bool
	Staging     bool
	PlatformURL string
	Store       ContentStore
}

// ReconcileResult is the outcome of one reconciliation.
type ReconcileResult struct {
	// Configuration is the new current snapshot.
	Configuration *InstallConfiguration

	// NewFeatures lists features not known to the previous snapshot.
	NewFeatures []SiteFeature

	// FoundNewFeatures is set by a pessimistic run that left new features
	// unconfigured; Delta then holds the persisted record.
	FoundNewFeatures bool
	Delta            *stores.DeltaRecord

	// Duplicates lists lower versions unconfigured in favour of a higher
	// configured version of the same id.
	Duplicates []SiteFeature
}

// Reconciler computes a new snapshot from the current one and live discovery.
type Reconciler struct {
	rt    *Runtime
	local *SiteLocal
}

// NewReconciler creates a reconciler writing into local.
func NewReconciler(rt *Runtime, local *SiteLocal) *Reconciler {
	return &Reconciler{rt: rt, local: local}
}

// Reconcile matches live sites against the current snapshot and saves the
// result as current. Known features keep their recorded status. New
// features are configured when optimistic, otherwise left unconfigured and
// listed in a delta record. Lower duplicate versions are unconfigured.
// A failed save is returned as ErrSaveFailed and nothing becomes current.
func (r *Reconciler) Reconcile(ctx context.Context, live []DiscoveredSite, optimistic bool) (*ReconcileResult, error) {
	ctx, span := r.rt.tracer().Start(ctx, "engine.reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.Int("sites", len(live)),
		attribute.Bool("optimistic", optimistic),
	)
	log := r.rt.logger().With().Str("component", "reconciler").Logger()

	var oldSites []*ConfiguredSite
	if current := r.local.Current(); current != nil {
		oldSites = current.Sites()
	}

	next := NewInstallConfiguration(r.rt, "reconciliation", r.rt.now())
	res := &ReconcileResult{Configuration: next}

	for _, d := range live {
		if d.Site == nil {
			continue
		}
		old := matchSite(oldSites, d.Site.URL)
		mode := d.Mode
		if old != nil {
			mode = old.policy.mode
		}
		cs := NewConfiguredSite(d.Site, mode,
			WithMutable(d.Mutable),
			WithStaging(d.Staging),
			WithPlatformURL(d.PlatformURL),
			WithContentStore(d.Store),
		)
		if err := next.AddConfiguredSite(cs); err != nil {
			log.Warn().Err(err).Str("site", d.Site.URL).Msg("Skipping duplicate live site")
			continue
		}

		for _, f := range d.Site.Features() {
			ref := cs.Ref(f)
			if old != nil {
				oldRef := ref.Rehome(old.URL())
				switch {
				case old.policy.IsConfigured(oldRef):
					cs.policy.addConfigured(ref)
					continue
				case old.policy.IsUnconfigured(oldRef):
					cs.policy.addUnconfigured(ref)
					continue
				}
			}
			if optimistic {
				cs.policy.addConfigured(ref)
			} else {
				cs.policy.addUnconfigured(ref)
			}
			res.NewFeatures = append(res.NewFeatures, SiteFeature{Site: cs, Feature: f})
		}
		log.Debug().
			Str("site", cs.URL()).
			Bool("known", old != nil).
			Int("configured", len(cs.policy.configured.refs)).
			Int("unconfigured", len(cs.policy.unconfigured.refs)).
			Msg("Site reconciled")
	}

	res.Duplicates = r.resolveDuplicates(ctx, next)
	res.FoundNewFeatures = !optimistic && len(res.NewFeatures) > 0

	next.AddActivity(ActivityReconciliation, next.Label(), OutcomeOK)
	if err := r.local.AddConfiguration(ctx, next); err != nil {
		r.rt.metrics().RecordReconciliation("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, saveFailed("failed to save reconciled configuration", err).WithOperation("reconcile")
	}

	if res.FoundNewFeatures {
		res.Delta = newDelta(r.rt, res.NewFeatures)
		if err := r.local.SaveDelta(ctx, res.Delta); err != nil {
			r.rt.metrics().RecordReconciliation("failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	r.rt.metrics().RecordReconciliation("ok")
	r.rt.metrics().AddNewFeatures(len(res.NewFeatures))
	r.rt.metrics().AddDuplicatesResolved(len(res.Duplicates))
	log.Info().
		Int("new", len(res.NewFeatures)).
		Int("duplicates", len(res.Duplicates)).
		Bool("found_new", res.FoundNewFeatures).
		Msg("Reconciliation complete")
	return res, nil
}

func matchSite(sites []*ConfiguredSite, url string) *ConfiguredSite {
	for _, cs := range sites {
		if model.SameLocation(cs.URL(), url) {
			return cs
		}
	}
	return nil
}

// resolveDuplicates unconfigures every configured feature whose version is
// below the highest configured version of the same id. Equal versions are
// left configured.
func (r *Reconciler) resolveDuplicates(ctx context.Context, cfg *InstallConfiguration) []SiteFeature {
	groups := make(map[string][]SiteFeature)
	var order []string
	for _, sf := range cfg.ConfiguredFeatures() {
		id := sf.Feature.Identifier.ID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], sf)
	}

	var out []SiteFeature
	for _, id := range order {
		group := groups[id]
		if len(group) < 2 {
			continue
		}
		best := group[0].Feature.Identifier.Version
		for _, sf := range group[1:] {
			if sf.Feature.Identifier.Version.Compare(best) > 0 {
				best = sf.Feature.Identifier.Version
			}
		}
		for _, sf := range group {
			if sf.Feature.Identifier.Version.Compare(best) >= 0 {
				continue
			}
			if sf.Site.policy.Unconfigure(ctx, sf.Feature, false) {
				r.rt.logger().Info().
					Str("feature", sf.Feature.Identifier.String()).
					Str("kept", best.String()).
					Msg("Unconfigured lower duplicate version")
				out = append(out, sf)
			}
		}
	}
	return out
}

func newDelta(rt *Runtime, features []SiteFeature) *stores.DeltaRecord {
	delta := &stores.DeltaRecord{ID: stores.NewDeltaID(), CreatedAt: rt.now()}
	bySite := make(map[string]int)
	for _, sf := range features {
		url := sf.Site.URL()
		i, ok := bySite[url]
		if !ok {
			i = len(delta.Sites)
			bySite[url] = i
			delta.Sites = append(delta.Sites, stores.DeltaSite{URL: url})
		}
		delta.Sites[i].Features = append(delta.Sites[i].Features, sf.Feature.Path)
	}
	return delta
}

// CheckConfiguredFeatures unconfigures configured features that are
// neither top-level, reachable through a top-level feature's includes, nor a
// patch of a reachable feature. It returns the features it unconfigured.
func (r *Reconciler) CheckConfiguredFeatures(ctx context.Context, cfg *InstallConfiguration) ([]SiteFeature, error) {
	if cfg.IsSealed() {
		return nil, NewPolicyError(ErrCodeSealed, "configuration snapshot is sealed")
	}
	configured := cfg.ConfiguredFeatures()

	isChild := func(f *model.Feature) bool {
		for _, p := range configured {
			if p.Feature != f && p.Feature.IncludesIdentifier(f.Identifier) {
				return true
			}
		}
		return false
	}
	byID := make(map[model.VersionedIdentifier]*model.Feature, len(configured))
	for _, sf := range configured {
		byID[sf.Feature.Identifier] = sf.Feature
	}

	reached := make(map[*model.Feature]bool)
	var expand func(f *model.Feature)
	expand = func(f *model.Feature) {
		if reached[f] {
			return
		}
		reached[f] = true
		includes, err := f.Includes()
		if err != nil {
			return
		}
		for _, inc := range includes {
			if child, ok := byID[inc.Identifier]; ok {
				expand(child)
			}
		}
	}
	for _, sf := range configured {
		if !sf.Feature.IsPatch() && !isChild(sf.Feature) {
			expand(sf.Feature)
		}
	}
	for _, sf := range configured {
		if !sf.Feature.IsPatch() || reached[sf.Feature] {
			continue
		}
		for target := range reached {
			if sf.Feature.Patches(target) {
				expand(sf.Feature)
				break
			}
		}
	}

	var extras []SiteFeature
	for _, sf := range configured {
		if reached[sf.Feature] {
			continue
		}
		if sf.Site.policy.Unconfigure(ctx, sf.Feature, false) {
			extras = append(extras, sf)
			r.rt.logger().Info().Str("feature", sf.Feature.Identifier.String()).Msg("Unconfigured unreachable feature")
		}
	}
	return extras, nil
}
