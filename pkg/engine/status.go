package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/siteconf/pkg/model"
)

// StatusCode is a feature health level. Higher values are worse.
type StatusCode int

const (
	StatusHappy StatusCode = iota
	StatusAmbiguous
	StatusUnhappy
)

func (c StatusCode) String() string {
	switch c {
	case StatusHappy:
		return "happy"
	case StatusAmbiguous:
		return "ambiguous"
	case StatusUnhappy:
		return "unhappy"
	default:
		return fmt.Sprintf("status(%d)", int(c))
	}
}

// Severity ranks a status reason for display.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Reason is one contribution to a feature's status.
type Reason struct {
	Code      StatusCode
	Severity  Severity
	Feature   model.VersionedIdentifier
	Component model.VersionedIdentifier

	// Owner is the feature that ships the conflicting active version, when
	// one could be found.
	Owner   *model.VersionedIdentifier
	Message string
}

// FeatureStatus is the aggregated health of a feature and its includes.
type FeatureStatus struct {
	Feature  model.VersionedIdentifier
	Code     StatusCode
	Severity Severity
	Reasons  []Reason
	Children []FeatureStatus
}

func (s *FeatureStatus) add(r Reason) {
	s.Reasons = append(s.Reasons, r)
	s.raise(r.Code, r.Severity)
}

func (s *FeatureStatus) raise(code StatusCode, sev Severity) {
	if code > s.Code {
		s.Code = code
	}
	if severityRank(sev) > severityRank(s.Severity) {
		s.Severity = sev
	}
}

// StatusAnalyzer evaluates features against the live active components.
type StatusAnalyzer struct {
	rt  *Runtime
	cfg *InstallConfiguration
}

// NewStatusAnalyzer creates an analyzer over cfg, normally the current
// snapshot.
func NewStatusAnalyzer(rt *Runtime, cfg *InstallConfiguration) *StatusAnalyzer {
	return &StatusAnalyzer{rt: rt, cfg: cfg}
}

// Status computes the status of f. Conflicts are reported as values.
func (a *StatusAnalyzer) Status(ctx context.Context, f *model.Feature) FeatureStatus {
	st := a.status(f, map[model.VersionedIdentifier]bool{})
	a.rt.metrics().RecordStatus(st.Code.String())
	return st
}

func (a *StatusAnalyzer) status(f *model.Feature, visited map[model.VersionedIdentifier]bool) FeatureStatus {
	st := FeatureStatus{Feature: f.Identifier, Code: StatusHappy, Severity: SeverityInfo}
	visited[f.Identifier] = true

	cs := a.cfg.SiteOf(f)
	if cs == nil {
		st.add(Reason{
			Code:     StatusUnhappy,
			Severity: SeverityError,
			Feature:  f.Identifier,
			Message:  "feature is not on any configured site",
		})
		return st
	}

	if missing, err := cs.MissingPlugins(f); err != nil || len(missing) > 0 {
		msg := "feature is broken: plugins missing from its site"
		if err != nil {
			msg = "feature is broken: " + err.Error()
		}
		st.add(Reason{Code: StatusAmbiguous, Severity: SeverityError, Feature: f.Identifier, Message: msg})
		for _, p := range missing {
			st.Reasons = append(st.Reasons, Reason{
				Code:      StatusAmbiguous,
				Severity:  SeverityError,
				Feature:   f.Identifier,
				Component: p.Identifier,
				Message:   "plugin missing: " + p.Identifier.String(),
			})
		}
		return st
	}

	if !cs.IsConfigured(f) {
		return st
	}

	plugins, _ := f.Plugins()
	for _, p := range model.FilterPlugins(plugins, a.rt.env()) {
		a.checkComponent(&st, f, p.Identifier, model.MatchPerfect)
	}

	if imports, err := f.Imports(); err == nil {
		for _, imp := range imports {
			if imp.Feature {
				continue
			}
			a.checkComponent(&st, f, imp.Identifier, imp.Rule)
		}
	}

	includes, err := f.Includes()
	if err != nil {
		return st
	}
	for _, inc := range includes {
		if visited[inc.Identifier] || !inc.Filters.Accepts(a.rt.env()) {
			continue
		}
		child := a.findFeature(inc.Identifier)
		if child == nil {
			if !inc.Optional {
				st.add(Reason{
					Code:      StatusUnhappy,
					Severity:  SeverityError,
					Feature:   f.Identifier,
					Component: inc.Identifier,
					Message:   "included feature not installed: " + inc.Identifier.String(),
				})
			}
			continue
		}
		cst := a.status(child, visited)
		st.Children = append(st.Children, cst)
		st.Reasons = append(st.Reasons, cst.Reasons...)
		st.raise(cst.Code, cst.Severity)
	}
	return st
}

// checkComponent compares a required component against the active set.
// Plugins use the perfect rule; plugin imports use their declared rule.
func (a *StatusAnalyzer) checkComponent(st *FeatureStatus, f *model.Feature, id model.VersionedIdentifier, rule model.MatchRule) {
	versions := a.rt.active().Versions(id.ID)
	if len(versions) == 0 {
		st.add(Reason{
			Code:      StatusUnhappy,
			Severity:  SeverityError,
			Feature:   f.Identifier,
			Component: id,
			Message:   "component not active: " + id.String(),
		})
		return
	}
	for _, v := range versions {
		if rule.Satisfies(v, id.Version) {
			return
		}
	}

	active := model.VersionedIdentifier{ID: id.ID, Version: versions[0]}
	r := Reason{
		Code:      StatusAmbiguous,
		Severity:  SeverityWarning,
		Feature:   f.Identifier,
		Component: id,
		Message:   fmt.Sprintf("%s is active instead of %s", active, id),
	}
	if owner := a.ownerOf(active, f); owner != nil {
		r.Owner = &owner.Identifier
		r.Message = fmt.Sprintf("%s is active instead of %s, provided by %s", active, id, owner.Identifier)
	}
	st.add(r)
}

// ownerOf finds a configured feature, other than self, that ships plugin.
func (a *StatusAnalyzer) ownerOf(plugin model.VersionedIdentifier, self *model.Feature) *model.Feature {
	for _, sf := range a.cfg.ConfiguredFeatures() {
		if sf.Feature == self {
			continue
		}
		plugins, err := sf.Feature.Plugins()
		if err != nil {
			continue
		}
		for _, p := range plugins {
			if p.Identifier == plugin {
				return sf.Feature
			}
		}
	}
	return nil
}

func (a *StatusAnalyzer) findFeature(id model.VersionedIdentifier) *model.Feature {
	for _, cs := range a.cfg.Sites() {
		if f, ok := cs.site.FindFeature(id); ok {
			return f
		}
	}
	return nil
}
