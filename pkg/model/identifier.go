package model

import (
	"fmt"
	"strings"
)

// VersionedIdentifier names one version of a component. It is a comparable
// value and can be used as a map key.
type VersionedIdentifier struct {
	ID      string  `json:"id" yaml:"id"`
	Version Version `json:"version" yaml:"version"`
}

// NewVersionedIdentifier builds an identifier from an id and a version string.
func NewVersionedIdentifier(id, version string) (VersionedIdentifier, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return VersionedIdentifier{}, fmt.Errorf("identifier is required")
	}
	v, err := ParseVersion(version)
	if err != nil {
		return VersionedIdentifier{}, err
	}
	return VersionedIdentifier{ID: id, Version: v}, nil
}

// MustIdentifier is like NewVersionedIdentifier but panics on error.
func MustIdentifier(id, version string) VersionedIdentifier {
	vid, err := NewVersionedIdentifier(id, version)
	if err != nil {
		panic(err)
	}
	return vid
}

// ParseIdentifier parses the "id_version" directory form, splitting at the
// last underscore that is followed by a valid version.
func ParseIdentifier(s string) (VersionedIdentifier, error) {
	for i := strings.LastIndex(s, "_"); i > 0; i = strings.LastIndex(s[:i], "_") {
		if vid, err := NewVersionedIdentifier(s[:i], s[i+1:]); err == nil {
			return vid, nil
		}
	}
	return VersionedIdentifier{}, fmt.Errorf("invalid identifier %q: expected id_version", s)
}

// ParseIdentifierAt parses the "id@version" command-line form.
func ParseIdentifierAt(s string) (VersionedIdentifier, error) {
	id, version, ok := strings.Cut(s, "@")
	if !ok {
		return VersionedIdentifier{}, fmt.Errorf("invalid identifier %q: expected id@version", s)
	}
	return NewVersionedIdentifier(id, version)
}

// String renders "id_version".
func (vi VersionedIdentifier) String() string {
	return vi.ID + "_" + vi.Version.String()
}

// Equal reports id and version equality.
func (vi VersionedIdentifier) Equal(o VersionedIdentifier) bool {
	return vi == o
}

// Matches reports whether vi satisfies required: same id and rule satisfied.
func (vi VersionedIdentifier) Matches(required VersionedIdentifier, rule MatchRule) bool {
	return vi.ID == required.ID && rule.Satisfies(vi.Version, required.Version)
}
