package model

import (
	"fmt"
	"strings"
	"sync"
)

// Site is a passive catalog of what a location hosts: feature references,
// physically present plugins, an archive map and categories. It carries no
// configuration intent.
type Site struct {
	URL        string
	Categories []string

	mu       sync.RWMutex
	archives map[string]string
	features []*Feature
	byPath   map[string]*Feature
	plugins  []PluginEntry
}

// NewSite creates an empty catalog for url.
func NewSite(url string) *Site {
	return &Site{
		URL:      NormalizeLocation(url),
		archives: make(map[string]string),
		byPath:   make(map[string]*Feature),
	}
}

// AddFeature registers f under its path and makes this site its owner.
func (s *Site) AddFeature(f *Feature) error {
	if f == nil {
		return fmt.Errorf("feature is nil")
	}
	path := normalizePath(f.Path)
	if path == "" {
		return fmt.Errorf("feature %s has no path", f.Identifier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPath[path]; exists {
		return fmt.Errorf("feature already registered at %s", path)
	}
	f.Path = path
	f.setSite(s)
	s.features = append(s.features, f)
	s.byPath[path] = f
	return nil
}

// RemoveFeature drops the feature at ref's path from the catalog.
func (s *Site) RemoveFeature(ref FeatureReference) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPath[ref.Path]; !ok {
		return
	}
	delete(s.byPath, ref.Path)
	for i, f := range s.features {
		if f.Path == ref.Path {
			s.features = append(s.features[:i:i], s.features[i+1:]...)
			break
		}
	}
}

// Features returns the catalog in discovery order.
func (s *Site) Features() []*Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Feature, len(s.features))
	copy(out, s.features)
	return out
}

// FeatureReferences returns a reference for each catalogued feature.
func (s *Site) FeatureReferences() []FeatureReference {
	features := s.Features()
	refs := make([]FeatureReference, 0, len(features))
	for _, f := range features {
		refs = append(refs, NewFeatureReference(s.URL, f.Path))
	}
	return refs
}

// Resolve finds the feature a reference points at. The site part of the
// reference is not checked; callers resolve against the site they hold.
func (s *Site) Resolve(ref FeatureReference) (*Feature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byPath[normalizePath(ref.Path)]
	return f, ok
}

// FindFeature looks a feature up by identifier.
func (s *Site) FindFeature(id VersionedIdentifier) (*Feature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.features {
		if f.Identifier == id {
			return f, true
		}
	}
	return nil, false
}

// AddPlugin records a plugin as physically present. Duplicates are ignored.
func (s *Site) AddPlugin(p PluginEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.plugins {
		if existing.Identifier == p.Identifier {
			return
		}
	}
	s.plugins = append(s.plugins, p)
}

// RemovePlugin forgets a plugin.
func (s *Site) RemovePlugin(id VersionedIdentifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.plugins {
		if p.Identifier == id {
			s.plugins = append(s.plugins[:i:i], s.plugins[i+1:]...)
			return
		}
	}
}

// Plugins returns the physically present plugins.
func (s *Site) Plugins() []PluginEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSlice(s.plugins)
}

// HasPlugin reports whether id is present on disk.
func (s *Site) HasPlugin(id VersionedIdentifier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plugins {
		if p.Identifier == id {
			return true
		}
	}
	return false
}

// SetArchive maps an archive id to a locator.
func (s *Site) SetArchive(id, locator string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives[id] = locator
}

// ArchiveLocator returns the mapped locator for an archive id, or the id
// joined onto the site URL.
func (s *Site) ArchiveLocator(id string) string {
	s.mu.RLock()
	loc, ok := s.archives[id]
	s.mu.RUnlock()
	if ok {
		return loc
	}
	return strings.TrimSuffix(s.URL, "/") + "/" + strings.TrimLeft(id, "/")
}

// Archives returns a copy of the archive map.
func (s *Site) Archives() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.archives))
	for k, v := range s.archives {
		out[k] = v
	}
	return out
}
