package platform

import (
	"context"
	"fmt"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/telemetry"
)

// Transaction clones the current snapshot, applies fn to the clone and
// saves it as the new current snapshot. When fn or the save fails the
// clone is discarded, but the Activities it recorded are appended to the
// current snapshot.
func (p *Platform) Transaction(ctx context.Context, label string, fn func(cfg *engine.InstallConfiguration) error) (*engine.InstallConfiguration, error) {
	next := p.local.CloneCurrentConfiguration(label)
	err := fn(next)
	if err == nil {
		err = p.local.AddConfiguration(ctx, next)
	}
	if err != nil {
		if kerr := p.local.KeepActivities(ctx, next.Activities()); kerr != nil {
			p.logger.Warn().Err(kerr).Str("transaction", label).Msg("Failed to keep activities of a failed transaction")
		}
		return nil, err
	}
	return next, nil
}

// Install copies feature id from the site at source onto the configured
// site target and configures it. An empty target selects the only mutable
// site.
func (p *Platform) Install(ctx context.Context, source string, id model.VersionedIdentifier, target string, monitor engine.Monitor) (_ *model.Feature, err error) {
	ctx, span := p.tel.Tracer.StartSpan(ctx, "platform.install",
		telemetry.AttrFeature.String(id.String()),
		telemetry.AttrSite.String(source),
	)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	src, err := p.scanner.Scan(ctx, source)
	if err != nil {
		return nil, engine.NewTransientError("failed to read source site", err).WithResource(source)
	}
	f, ok := src.FindFeature(id)
	if !ok {
		return nil, engine.NewPolicyError(engine.ErrCodeNotFound, "feature not found on source site").WithResource(id.String())
	}

	var installed *model.Feature
	_, err = p.Transaction(ctx, "install "+id.String(), func(cfg *engine.InstallConfiguration) error {
		cs, err := installTarget(cfg, target)
		if err != nil {
			return err
		}
		installed, err = cs.Install(ctx, f, p.policies, monitor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return installed, nil
}

// Remove deletes feature id from the configured site holding it.
func (p *Platform) Remove(ctx context.Context, id model.VersionedIdentifier, siteURL string, monitor engine.Monitor) (_ *engine.RemoveResult, err error) {
	ctx, span := p.tel.Tracer.StartSpan(ctx, "platform.remove", telemetry.AttrFeature.String(id.String()))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	var res *engine.RemoveResult
	_, err = p.Transaction(ctx, "remove "+id.String(), func(cfg *engine.InstallConfiguration) error {
		cs, f, err := findFeature(cfg, siteURL, id)
		if err != nil {
			return err
		}
		res, err = cs.Remove(ctx, f, monitor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Configure enables feature id and its required includes. optional names
// the optional includes to enable along with it.
func (p *Platform) Configure(ctx context.Context, id model.VersionedIdentifier, siteURL string, optional []model.VersionedIdentifier) error {
	_, err := p.Transaction(ctx, "configure "+id.String(), func(cfg *engine.InstallConfiguration) error {
		cs, f, err := findFeature(cfg, siteURL, id)
		if err != nil {
			return err
		}
		return cs.Configure(ctx, f, engine.ConfigureOptions{Optional: optional})
	})
	return err
}

// Unconfigure disables feature id. A handler veto leaves the history as it
// was and is reported as an error.
func (p *Platform) Unconfigure(ctx context.Context, id model.VersionedIdentifier, siteURL string) error {
	_, err := p.Transaction(ctx, "unconfigure "+id.String(), func(cfg *engine.InstallConfiguration) error {
		cs, f, err := findFeature(cfg, siteURL, id)
		if err != nil {
			return err
		}
		if !cs.Unconfigure(ctx, f) {
			return engine.NewPolicyError(engine.ErrCodeFeatureConfigured, "feature could not be unconfigured").WithResource(id.String())
		}
		return nil
	})
	return err
}

// Revert restores the snapshot stored at location as a new current one.
func (p *Platform) Revert(ctx context.Context, location string) (*engine.InstallConfiguration, error) {
	target := p.local.Configuration(location)
	if target == nil {
		return nil, engine.NewPolicyError(engine.ErrCodeNotFound, "snapshot not found").WithResource(location)
	}
	return p.local.RevertTo(ctx, target, "")
}

// Validate unconfigures features no top-level configured feature reaches.
// A new snapshot is saved only when something changed.
func (p *Platform) Validate(ctx context.Context) ([]engine.SiteFeature, error) {
	next := p.local.CloneCurrentConfiguration("validate")
	extras, err := p.reconciler.CheckConfiguredFeatures(ctx, next)
	if err != nil {
		return nil, err
	}
	if len(extras) == 0 {
		return nil, nil
	}
	if err := p.local.AddConfiguration(ctx, next); err != nil {
		return nil, err
	}
	return extras, nil
}

// Status evaluates every feature of the current snapshot whose id matches
// filter, or every feature when filter is empty.
func (p *Platform) Status(ctx context.Context, filter string) []engine.FeatureStatus {
	current := p.local.Current()
	if current == nil {
		return nil
	}
	analyzer := engine.NewStatusAnalyzer(p.rt, current)
	var out []engine.FeatureStatus
	for _, cs := range current.Sites() {
		for _, f := range cs.Site().Features() {
			if filter != "" && f.Identifier.ID != filter && f.Identifier.String() != filter {
				continue
			}
			out = append(out, analyzer.Status(ctx, f))
		}
	}
	return out
}

// Sites returns the configured sites of the current snapshot.
func (p *Platform) Sites() []*engine.ConfiguredSite {
	if current := p.local.Current(); current != nil {
		return current.Sites()
	}
	return nil
}

func installTarget(cfg *engine.InstallConfiguration, target string) (*engine.ConfiguredSite, error) {
	if target != "" {
		if cs := cfg.Site(target); cs != nil {
			return cs, nil
		}
		return nil, engine.NewPolicyError(engine.ErrCodeNotFound, "target site is not configured").WithResource(target)
	}
	var found *engine.ConfiguredSite
	for _, cs := range cfg.Sites() {
		if !cs.IsMutable() {
			continue
		}
		if found != nil {
			return nil, engine.NewPolicyError(engine.ErrCodeInvalidArgument, "several sites are mutable, name a target")
		}
		found = cs
	}
	if found == nil {
		return nil, engine.ErrImmutableSite
	}
	return found, nil
}

func findFeature(cfg *engine.InstallConfiguration, siteURL string, id model.VersionedIdentifier) (*engine.ConfiguredSite, *model.Feature, error) {
	var (
		site *engine.ConfiguredSite
		feat *model.Feature
	)
	for _, cs := range cfg.Sites() {
		if siteURL != "" && !model.SameLocation(cs.URL(), siteURL) {
			continue
		}
		f, ok := cs.Site().FindFeature(id)
		if !ok {
			continue
		}
		if feat != nil {
			return nil, nil, engine.NewPolicyError(engine.ErrCodeInvalidArgument,
				fmt.Sprintf("feature is on %s and %s, name a site", site.URL(), cs.URL())).WithResource(id.String())
		}
		site, feat = cs, f
	}
	if feat == nil {
		return nil, nil, engine.NewPolicyError(engine.ErrCodeNotFound, "feature not found").WithResource(id.String())
	}
	return site, feat, nil
}
