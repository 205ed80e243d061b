package model

import (
	"net/url"
	"path/filepath"
	"strings"
)

// NormalizeLocation trims whitespace and trailing separators from a site location.
func NormalizeLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	for len(loc) > 1 && strings.HasSuffix(loc, "/") && !strings.HasSuffix(loc, "://") {
		loc = strings.TrimSuffix(loc, "/")
	}
	return loc
}

// LocalPath returns the filesystem path of a file location. Bare paths are
// treated as local.
func LocalPath(loc string) (string, bool) {
	loc = NormalizeLocation(loc)
	if loc == "" {
		return "", false
	}
	if !strings.Contains(loc, "://") {
		return filepath.Clean(loc), true
	}
	u, err := url.Parse(loc)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	return filepath.Clean(filepath.FromSlash(p)), true
}

// CanonicalPath resolves a local location to an absolute path with symlinks
// evaluated. Resolution failures fall back to the cleaned absolute path.
func CanonicalPath(loc string) (string, bool) {
	p, ok := LocalPath(loc)
	if !ok {
		return "", false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p, true
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, true
	}
	return abs, true
}

// SameLocation compares two site locations, falling back to canonical paths
// for local sites.
func SameLocation(a, b string) bool {
	a, b = NormalizeLocation(a), NormalizeLocation(b)
	if a == b {
		return true
	}
	pa, okA := CanonicalPath(a)
	pb, okB := CanonicalPath(b)
	return okA && okB && pa == pb
}

// FileURL renders a local path as a file:// location.
func FileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}
