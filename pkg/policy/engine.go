package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
)

// Engine evaluates Rego admission policies against archives. It implements
// engine.Verifier.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine loaded with the built-in policies.
func NewEngine(ctx context.Context, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
		now:    time.Now,
	}
	policies, err := compileBuiltins(ctx)
	if err != nil {
		return nil, err
	}
	e.policies = policies
	e.logger.Debug().Int("count", len(policies)).Msg("Built-in policies loaded")
	return e, nil
}

func compileBuiltins(ctx context.Context) (map[string]*compiledPolicy, error) {
	builtins := BuiltinPolicies()
	out := make(map[string]*compiledPolicy, len(builtins))
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		out[cp.policy.Name] = cp
	}
	return out, nil
}

// compile parses the module and prepares a query for its deny set.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	return &compiledPolicy{policy: p, query: prepared}, nil
}

// Load compiles and adds policies, replacing any with the same name. No
// policy is added unless all compile.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// Replace swaps every loaded policy for the built-ins plus policies. Used
// by hot reload.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	next, err := compileBuiltins(ctx)
	if err != nil {
		return err
	}
	for i := range policies {
		p := policies[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		next[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = next
	e.logger.Info().Int("count", len(next)).Msg("Policies replaced")
	return nil
}

// Evaluate runs every enabled policy against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.namesLocked() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}
		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = e.now().Sub(start)
	return result, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		set, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			out = append(out, newViolation(cp.policy, d, input))
		}
	}
	return out, nil
}

func newViolation(p *Policy, value interface{}, input *Input) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
		Feature:  input.Feature.ID + "_" + input.Feature.Version,
		Archive:  input.Archive.ID,
	}
	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}

// Verify implements engine.Verifier. Blocking violations reject the
// archive; warnings are logged.
func (e *Engine) Verify(ctx context.Context, f *model.Feature, a engine.Archive) (engine.Verdict, error) {
	input := NewInput(f, a, e.now())
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return engine.Verdict{}, err
	}
	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("feature", w.Feature).
			Str("archive", w.Archive).
			Msg(w.Message)
	}
	if result.Allowed {
		return engine.Verdict{Accepted: true}, nil
	}
	first := result.Violations[0]
	reason := fmt.Sprintf("%s: %s", first.Policy, first.Message)
	if n := len(result.Violations); n > 1 {
		reason = fmt.Sprintf("%s (and %d more)", reason, n-1)
	}
	return engine.Verdict{Accepted: false, Reason: reason}, nil
}

// NewInput builds the policy input for one archive of f.
func NewInput(f *model.Feature, a engine.Archive, now time.Time) *Input {
	in := &Input{
		Feature: FeatureInput{
			ID:      f.Identifier.ID,
			Version: f.Identifier.Version.String(),
			Label:   f.Label,
			Plugins: []string{},
		},
		Archive: ArchiveInput{
			ID:           a.ID(),
			Length:       a.Length(),
			DeclaredSize: model.SizeUnknown,
		},
		Context: InputContext{Timestamp: now, Operation: "install"},
	}
	if site := f.Site(); site != nil {
		in.Feature.Site = site.URL
	}
	if f.Handler != nil {
		in.Feature.Handler = f.Handler.Name
	}
	if located, ok := a.(interface{ Location() string }); ok {
		in.Archive.Location = located.Location()
	}
	if plugins, err := f.Plugins(); err == nil {
		for _, p := range plugins {
			in.Feature.Plugins = append(in.Feature.Plugins, p.Identifier.String())
			if p.ArchiveID() == a.ID() {
				in.Archive.Plugin = p.Identifier.String()
				in.Archive.DeclaredSize = p.DownloadSize
			}
		}
	}
	return in
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.namesLocked() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
