package model

import "strings"

// FeatureReference is a weak locator (site + relative path) for a feature.
// It is a comparable value: equality is locator equality.
type FeatureReference struct {
	Site string `json:"site" yaml:"site"`
	Path string `json:"path" yaml:"path"`
}

// NewFeatureReference normalizes site and path into a reference.
func NewFeatureReference(site, path string) FeatureReference {
	return FeatureReference{
		Site: NormalizeLocation(site),
		Path: normalizePath(path),
	}
}

// IsZero reports whether the reference locates nothing.
func (r FeatureReference) IsZero() bool {
	return r.Path == ""
}

// Rehome returns the same relative path on another site.
func (r FeatureReference) Rehome(site string) FeatureReference {
	return NewFeatureReference(site, r.Path)
}

// String renders site/path.
func (r FeatureReference) String() string {
	if r.Site == "" {
		return r.Path
	}
	return r.Site + "/" + r.Path
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
