// Package policy admits downloaded archives with OPA Rego deny rules.
package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks an install.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the archive.
	SeverityError Severity = "error"

	// SeverityCritical rejects the archive.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects an archive.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module whose deny set is evaluated per archive.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Feature  string   `json:"feature,omitempty"`
	Archive  string   `json:"archive,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result collects the violations of one evaluation.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Feature FeatureInput `json:"feature"`
	Archive ArchiveInput `json:"archive"`
	Context InputContext `json:"context"`
}

// FeatureInput describes the feature being installed.
type FeatureInput struct {
	ID      string   `json:"id"`
	Version string   `json:"version"`
	Label   string   `json:"label,omitempty"`
	Site    string   `json:"site,omitempty"`
	Plugins []string `json:"plugins"`
	Handler string   `json:"handler,omitempty"`
}

// ArchiveInput describes the archive under admission. DeclaredSize is the
// download size the manifest declares for a plugin archive, or -1.
type ArchiveInput struct {
	ID           string `json:"id"`
	Length       int64  `json:"length"`
	DeclaredSize int64  `json:"declared_size"`
	Plugin       string `json:"plugin,omitempty"`
	Location     string `json:"location,omitempty"`
}

// InputContext carries evaluation metadata.
type InputContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}
