package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openfroyo/siteconf/pkg/model"
)

type pluginUnits struct {
	plugin   model.PluginEntry
	archives []Archive
}

// transfer copies the plugins the target lacks, then the feature's own
// units, through one FeatureWriter. Any failure aborts the writer; the
// scratch area, when used, is removed on every exit path.
func (cs *ConfiguredSite) transfer(ctx context.Context, f *model.Feature, verifier Verifier, monitor Monitor) (installed *model.Feature, err error) {
	rt := cs.runtime()
	log := rt.logger().With().
		Str("feature", f.Identifier.String()).
		Str("site", cs.URL()).
		Logger()

	plugins, err := f.Plugins()
	if err != nil {
		return nil, NewStructuralError("feature plugins not loaded", err).WithResource(f.Identifier.String())
	}
	toInstall := model.DiffPlugins(model.FilterPlugins(plugins, rt.env()), cs.site.Plugins())

	provider, err := cs.contentProvider(f)
	if err != nil {
		return nil, err
	}

	units := make([]pluginUnits, 0, len(toInstall))
	for _, p := range toInstall {
		archives, err := provider.PluginArchives(ctx, f, p)
		if err != nil {
			return nil, NewTransientError("failed to resolve plugin archives", err).WithResource(p.Identifier.String())
		}
		units = append(units, pluginUnits{plugin: p, archives: archives})
	}
	featureArchives, err := provider.FeatureArchives(ctx, f)
	if err != nil {
		return nil, NewTransientError("failed to resolve feature archives", err).WithResource(f.Identifier.String())
	}

	monitor.Begin("install "+f.Identifier.String(), len(units)+1)
	defer monitor.Done()

	if cs.staging {
		if rt == nil || rt.Scratch == nil {
			return nil, NewPolicyError(ErrCodeInvalidArgument, "site requires staging but no scratch provider is configured")
		}
		scratch, err := rt.Scratch.NewScratch(ctx)
		if err != nil {
			return nil, NewTransientError("failed to create scratch area", err)
		}
		defer func() {
			if rerr := scratch.Remove(); rerr != nil {
				log.Warn().Err(rerr).Str("scratch", scratch.Path()).Msg("Failed to remove scratch area")
			}
		}()
		log.Debug().Str("scratch", scratch.Path()).Msg("Staging archives")

		stage := func(a Archive) (Archive, error) {
			if err := ctx.Err(); err != nil {
				return nil, NewCancelledError("install cancelled", err)
			}
			staged, err := scratch.Stage(ctx, a)
			if err != nil {
				return nil, ioFailure(ctx, "failed to stage archive", a, err)
			}
			if err := verify(ctx, verifier, f, staged); err != nil {
				return nil, err
			}
			return staged, nil
		}
		for i := range units {
			for j, a := range units[i].archives {
				if units[i].archives[j], err = stage(a); err != nil {
					return nil, err
				}
			}
		}
		for j, a := range featureArchives {
			if featureArchives[j], err = stage(a); err != nil {
				return nil, err
			}
		}
	}

	inner, err := cs.store.Begin(ctx, f)
	if err != nil {
		return nil, NewTransientError("failed to open feature writer", err).WithResource(f.Identifier.String())
	}
	writer := newDeclaredWriter(inner, plugins)
	defer func() {
		if err != nil {
			err = mergeLifecycle(err, writer.Abort(ctx))
		}
	}()

	copyUnit := func(a Archive, store func(io.Reader) error) error {
		if err := ctx.Err(); err != nil {
			return NewCancelledError("install cancelled", err)
		}
		if !cs.staging {
			if err := verify(ctx, verifier, f, a); err != nil {
				return err
			}
		}
		r, err := a.Open(ctx, 0)
		if err != nil {
			return ioFailure(ctx, "failed to open archive", a, err)
		}
		defer r.Close()
		if err := store(r); err != nil {
			var ee *EngineError
			if errors.As(err, &ee) && ee.Class == ErrorClassPolicy {
				return err
			}
			return ioFailure(ctx, "failed to store archive", a, err)
		}
		return nil
	}

	for _, u := range units {
		if err = ctx.Err(); err != nil {
			return nil, NewCancelledError("install cancelled", err)
		}
		monitor.SubTask(u.plugin.Identifier.String())
		for _, a := range u.archives {
			p := u.plugin
			if err = copyUnit(a, func(r io.Reader) error { return writer.StorePlugin(ctx, p, a, r) }); err != nil {
				return nil, err
			}
		}
		monitor.Worked(1)
	}
	for _, a := range featureArchives {
		if err = copyUnit(a, func(r io.Reader) error { return writer.StoreFeature(ctx, a, r) }); err != nil {
			return nil, err
		}
	}

	installed, err = writer.Commit(ctx)
	if err != nil {
		return nil, ioFailure(ctx, "failed to commit feature", nil, err)
	}
	monitor.Worked(1)

	installed, err = cs.register(f, installed, toInstall)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("plugins", len(toInstall)).Msg("Transfer complete")
	return installed, nil
}

// register records the committed feature and its new plugins in the
// target catalog.
func (cs *ConfiguredSite) register(source, installed *model.Feature, plugins []model.PluginEntry) (*model.Feature, error) {
	if installed == nil {
		data, err := featureData(source)
		if err != nil {
			return nil, NewStructuralError("feature not loaded", err).WithResource(source.Identifier.String())
		}
		installed = model.NewLoadedFeature(source.Identifier, data)
		installed.Label = source.Label
		installed.Filters = source.Filters
		installed.Handler = source.Handler
	}
	if existing, ok := cs.site.Resolve(cs.Ref(installed)); ok {
		installed = existing
	} else if err := cs.site.AddFeature(installed); err != nil {
		return nil, NewStructuralError("failed to register installed feature", err).WithResource(installed.Identifier.String())
	}
	for _, p := range plugins {
		cs.site.AddPlugin(p)
	}
	return installed, nil
}

func (cs *ConfiguredSite) contentProvider(f *model.Feature) (ContentProvider, error) {
	rt := cs.runtime()
	if rt == nil || rt.Content == nil {
		return nil, NewPolicyError(ErrCodeInvalidArgument, "no content source configured")
	}
	source := f.Site()
	if source == nil {
		return nil, NewStructuralError("feature has no source site", nil).WithResource(f.Identifier.String())
	}
	provider, err := rt.Content.Provider(source)
	if err != nil {
		return nil, NewTransientError("failed to open content provider", err).WithResource(source.URL)
	}
	return provider, nil
}

func featureData(f *model.Feature) (model.FeatureData, error) {
	plugins, err := f.Plugins()
	if err != nil {
		return model.FeatureData{}, err
	}
	imports, err := f.Imports()
	if err != nil {
		return model.FeatureData{}, err
	}
	includes, err := f.Includes()
	if err != nil {
		return model.FeatureData{}, err
	}
	return model.FeatureData{Plugins: plugins, Imports: imports, Includes: includes}, nil
}

func verify(ctx context.Context, verifier Verifier, f *model.Feature, a Archive) error {
	if verifier == nil {
		return nil
	}
	verdict, err := verifier.Verify(ctx, f, a)
	if err != nil {
		return ioFailure(ctx, "failed to verify archive", a, err)
	}
	if !verdict.Accepted {
		return NewPolicyError(ErrCodeVerifierVeto, fmt.Sprintf("archive rejected: %s", verdict.Reason)).
			WithResource(a.ID()).
			WithOperation("verify")
	}
	return nil
}

// ioFailure classifies a failed I/O step, keeping cancellation distinct.
func ioFailure(ctx context.Context, msg string, a Archive, err error) error {
	var e *EngineError
	if ctx.Err() != nil {
		e = NewCancelledError("install cancelled", err)
	} else {
		e = NewTransientError(msg, err)
	}
	if a != nil {
		e = e.WithResource(a.ID())
	}
	return e.WithOperation("install")
}

// declaredWriter rejects plugins the feature does not declare.
type declaredWriter struct {
	FeatureWriter
	declared map[model.VersionedIdentifier]bool
}

func newDeclaredWriter(w FeatureWriter, plugins []model.PluginEntry) *declaredWriter {
	declared := make(map[model.VersionedIdentifier]bool, len(plugins))
	for _, p := range plugins {
		declared[p.Identifier] = true
	}
	return &declaredWriter{FeatureWriter: w, declared: declared}
}

func (w *declaredWriter) StorePlugin(ctx context.Context, p model.PluginEntry, a Archive, r io.Reader) error {
	if !w.declared[p.Identifier] {
		return NewPolicyError(ErrCodeNotDeclared, "plugin is not declared by the feature").
			WithResource(p.Identifier.String())
	}
	return w.FeatureWriter.StorePlugin(ctx, p, a, r)
}
