package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/siteconf/pkg/model"
)

// PolicyMode selects how a site's plugin path is derived.
type PolicyMode string

const (
	// PolicyInclude lists exactly the plugins of configured features.
	PolicyInclude PolicyMode = "include"

	// PolicyExclude starts from the previous path and drops what only
	// unconfigured features contribute.
	PolicyExclude PolicyMode = "exclude"
)

// ParsePolicyMode parses a mode name. The empty string yields PolicyInclude.
func ParsePolicyMode(s string) (PolicyMode, error) {
	switch PolicyMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyInclude:
		return PolicyInclude, nil
	case PolicyExclude:
		return PolicyExclude, nil
	default:
		return "", fmt.Errorf("invalid policy mode: %s", s)
	}
}

// ProblemHandler is told about configured features whose plugins are missing
// from their site.
type ProblemHandler func(f *model.Feature, missing []model.PluginEntry)

// refSet is an insertion-ordered set of feature references.
type refSet struct {
	refs []model.FeatureReference
}

func (s *refSet) contains(r model.FeatureReference) bool {
	for _, x := range s.refs {
		if x == r {
			return true
		}
	}
	return false
}

func (s *refSet) add(r model.FeatureReference) {
	if !s.contains(r) {
		s.refs = append(s.refs, r)
	}
}

func (s *refSet) remove(r model.FeatureReference) bool {
	for i, x := range s.refs {
		if x == r {
			s.refs = append(s.refs[:i:i], s.refs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *refSet) list() []model.FeatureReference {
	out := make([]model.FeatureReference, len(s.refs))
	copy(out, s.refs)
	return out
}

// ConfigurationPolicy tracks which features of one site are configured.
// A reference is in at most one of the two sets.
type ConfigurationPolicy struct {
	mode         PolicyMode
	configured   refSet
	unconfigured refSet
	site         *ConfiguredSite
}

func newConfigurationPolicy(mode PolicyMode) *ConfigurationPolicy {
	if mode == "" {
		mode = PolicyInclude
	}
	return &ConfigurationPolicy{mode: mode}
}

// Mode returns the policy mode.
func (p *ConfigurationPolicy) Mode() PolicyMode {
	return p.mode
}

// IsConfigured reports whether ref is in the configured set.
func (p *ConfigurationPolicy) IsConfigured(ref model.FeatureReference) bool {
	if p == nil || ref.IsZero() {
		return false
	}
	return p.configured.contains(ref)
}

// IsUnconfigured reports whether ref is in the unconfigured set.
func (p *ConfigurationPolicy) IsUnconfigured(ref model.FeatureReference) bool {
	if p == nil || ref.IsZero() {
		return false
	}
	return p.unconfigured.contains(ref)
}

// Configured returns the configured references in order.
func (p *ConfigurationPolicy) Configured() []model.FeatureReference {
	return p.configured.list()
}

// Unconfigured returns the unconfigured references in order.
func (p *ConfigurationPolicy) Unconfigured() []model.FeatureReference {
	return p.unconfigured.list()
}

func (p *ConfigurationPolicy) addConfigured(ref model.FeatureReference) {
	p.unconfigured.remove(ref)
	p.configured.add(ref)
}

func (p *ConfigurationPolicy) addUnconfigured(ref model.FeatureReference) {
	p.configured.remove(ref)
	p.unconfigured.add(ref)
}

func (p *ConfigurationPolicy) removeRef(ref model.FeatureReference) {
	p.configured.remove(ref)
	p.unconfigured.remove(ref)
}

func (p *ConfigurationPolicy) clone(owner *ConfiguredSite) *ConfigurationPolicy {
	return &ConfigurationPolicy{
		mode:         p.mode,
		configured:   refSet{refs: p.configured.list()},
		unconfigured: refSet{refs: p.unconfigured.list()},
		site:         owner,
	}
}

func (p *ConfigurationPolicy) runtime() *Runtime {
	if p.site == nil {
		return nil
	}
	return p.site.runtime()
}

func (p *ConfigurationPolicy) checkMutable() error {
	if p.site != nil && p.site.sealed() {
		return NewPolicyError(ErrCodeSealed, "configuration snapshot is sealed")
	}
	return nil
}

func (p *ConfigurationPolicy) record(action ActivityAction, f *model.Feature, err error) {
	if p.site != nil {
		p.site.record(action, f.Identifier.String(), err)
	}
}

// Configure moves the feature into the configured set. With runHandler the
// move is wrapped in the feature's install-handler lifecycle. A configure
// Activity is recorded whatever the outcome.
func (p *ConfigurationPolicy) Configure(ctx context.Context, f *model.Feature, runHandler bool) error {
	if f == nil {
		return NewPolicyError(ErrCodeInvalidArgument, "feature is nil")
	}
	if err := p.checkMutable(); err != nil {
		return err
	}
	ref := p.refOf(f)
	body := func() error {
		p.addConfigured(ref)
		return nil
	}

	var err error
	if runHandler {
		var proxy *handlerProxy
		proxy, err = newHandlerProxy(ctx, p.runtime(), f, ActionConfigure)
		if err == nil {
			err = runLifecycle(ctx, proxy, body)
		}
	} else {
		err = body()
	}
	p.record(ActivityConfigure, f, err)
	return err
}

// Unconfigure moves the feature into the unconfigured set. Unknown
// references are added as unconfigured. Handler failures are logged and
// never abort the move, so the result only reports whether the policy
// accepted the change.
func (p *ConfigurationPolicy) Unconfigure(ctx context.Context, f *model.Feature, runHandler bool) bool {
	if f == nil {
		return false
	}
	if err := p.checkMutable(); err != nil {
		p.runtime().logger().Warn().Err(err).
			Str("feature", f.Identifier.String()).
			Msg("Unable to unconfigure feature")
		return false
	}
	ref := p.refOf(f)
	body := func() error {
		p.addUnconfigured(ref)
		return nil
	}

	var err error
	if runHandler {
		var proxy *handlerProxy
		proxy, err = newHandlerProxy(ctx, p.runtime(), f, ActionUnconfigure)
		if err == nil {
			err = runLifecycle(ctx, proxy, body)
		}
	} else {
		err = body()
	}
	p.record(ActivityUnconfigure, f, err)
	if err != nil {
		p.runtime().logger().Warn().Err(err).
			Str("feature", f.Identifier.String()).
			Msg("Unable to unconfigure feature")
		return false
	}
	return true
}

func (p *ConfigurationPolicy) refOf(f *model.Feature) model.FeatureReference {
	if p.site != nil {
		return model.NewFeatureReference(p.site.URL(), f.Path)
	}
	return f.Ref()
}

// PluginPath computes the plugin directories the site contributes. Under
// INCLUDE it is the de-duplicated union of configured features' plugin paths
// in first-occurrence order. Under EXCLUDE it is previous with every path
// contributed only by unconfigured features removed. Broken configured
// features are reported to problems and contribute nothing.
func (p *ConfigurationPolicy) PluginPath(site *model.Site, previous []string, env model.Environment, problems ProblemHandler) []string {
	confPaths := p.paths(site, p.configured.refs, env, true, problems)

	if p.mode == PolicyInclude {
		return dedup(confPaths)
	}

	keep := make(map[string]bool, len(confPaths))
	for _, path := range confPaths {
		keep[path] = true
	}
	drop := make(map[string]bool)
	for _, path := range p.paths(site, p.unconfigured.refs, env, false, nil) {
		if !keep[path] {
			drop[path] = true
		}
	}

	out := make([]string, 0, len(previous))
	for _, path := range previous {
		if !drop[path] {
			out = append(out, path)
		}
	}
	return out
}

func (p *ConfigurationPolicy) paths(site *model.Site, refs []model.FeatureReference, env model.Environment, validate bool, problems ProblemHandler) []string {
	if site == nil {
		return nil
	}
	var out []string
	for _, ref := range refs {
		f, ok := site.Resolve(ref)
		if !ok {
			continue
		}
		plugins, err := f.Plugins()
		if err != nil {
			p.runtime().logger().Warn().Err(err).Str("feature", ref.String()).Msg("Skipping unloaded feature")
			continue
		}
		plugins = model.FilterPlugins(plugins, env)
		if validate {
			if missing := model.DiffPlugins(plugins, site.Plugins()); len(missing) > 0 {
				if problems != nil {
					problems(f, missing)
				}
				continue
			}
		}
		for _, pl := range plugins {
			out = append(out, pl.Path())
		}
	}
	return out
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
