package model

import (
	"fmt"
	"sync"
)

// Import is a requirement on another component.
type Import struct {
	Identifier VersionedIdentifier `json:"identifier" yaml:"identifier"`
	Rule       MatchRule           `json:"rule" yaml:"rule"`

	// Feature marks an import of a feature rather than a plugin.
	Feature bool `json:"feature,omitempty" yaml:"feature,omitempty"`

	// Patch marks the importing feature as a patch of the imported one.
	Patch bool `json:"patch,omitempty" yaml:"patch,omitempty"`
}

// IncludedFeature is a nested feature, resolved by identifier on the same
// configuration.
type IncludedFeature struct {
	Identifier VersionedIdentifier `json:"identifier" yaml:"identifier"`
	Optional   bool                `json:"optional,omitempty" yaml:"optional,omitempty"`
	Filters    PlatformFilters     `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// Path is the site-relative location the included feature is expected at.
func (i IncludedFeature) Path() string {
	return FeaturePath(i.Identifier)
}

// HandlerEntry names the install handler a feature asks for.
type HandlerEntry struct {
	Name    string `json:"name" yaml:"name"`
	Library string `json:"library,omitempty" yaml:"library,omitempty"`
}

// FeatureData is the manifest-backed part of a feature.
type FeatureData struct {
	Plugins  []PluginEntry
	Imports  []Import
	Includes []IncludedFeature
}

// Feature is a versioned unit of installable functionality. Identity and
// location are always known; the manifest-backed lists are Lazy and become
// immutable once hydrated.
type Feature struct {
	Identifier VersionedIdentifier
	Label      string
	Path       string
	Filters    PlatformFilters
	Handler    *HandlerEntry

	mu       sync.RWMutex
	site     *Site
	plugins  Lazy[[]PluginEntry]
	imports  Lazy[[]Import]
	includes Lazy[[]IncludedFeature]
}

// FeaturePath returns the conventional site-relative path of a feature.
func FeaturePath(id VersionedIdentifier) string {
	return "features/" + id.String() + "/"
}

// NewFeature creates an unloaded feature at its conventional path.
func NewFeature(id VersionedIdentifier) *Feature {
	return &Feature{
		Identifier: id,
		Path:       FeaturePath(id),
	}
}

// NewLoadedFeature creates and hydrates a feature in one step.
func NewLoadedFeature(id VersionedIdentifier, data FeatureData) *Feature {
	f := NewFeature(id)
	_ = f.Hydrate(data)
	return f
}

// Hydrate loads the manifest-backed data. It may be called once.
func (f *Feature) Hydrate(data FeatureData) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.plugins.IsLoaded() {
		return fmt.Errorf("feature %s already hydrated", f.Identifier)
	}
	f.plugins = Loaded(cloneSlice(data.Plugins))
	f.imports = Loaded(cloneSlice(data.Imports))
	f.includes = Loaded(cloneSlice(data.Includes))
	return nil
}

// IsLoaded reports whether Hydrate has been called.
func (f *Feature) IsLoaded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.plugins.IsLoaded()
}

// Site returns the owning site, or nil.
func (f *Feature) Site() *Site {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.site
}

func (f *Feature) setSite(s *Site) {
	f.mu.Lock()
	f.site = s
	f.mu.Unlock()
}

// Ref returns the locator of this feature on its owning site.
func (f *Feature) Ref() FeatureReference {
	site := f.Site()
	if site == nil {
		return NewFeatureReference("", f.Path)
	}
	return NewFeatureReference(site.URL, f.Path)
}

// Plugins returns a copy of the plugin entries.
func (f *Feature) Plugins() ([]PluginEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, err := f.plugins.Get()
	if err != nil {
		return nil, fmt.Errorf("plugins of %s: %w", f.Identifier, err)
	}
	return cloneSlice(v), nil
}

// Imports returns a copy of the import list.
func (f *Feature) Imports() ([]Import, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, err := f.imports.Get()
	if err != nil {
		return nil, fmt.Errorf("imports of %s: %w", f.Identifier, err)
	}
	return cloneSlice(v), nil
}

// Includes returns a copy of the included-feature list.
func (f *Feature) Includes() ([]IncludedFeature, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, err := f.includes.Get()
	if err != nil {
		return nil, fmt.Errorf("includes of %s: %w", f.Identifier, err)
	}
	return cloneSlice(v), nil
}

// IsPatch reports whether any import is flagged as a patch. Unloaded
// features are never patches.
func (f *Feature) IsPatch() bool {
	imports, err := f.Imports()
	if err != nil {
		return false
	}
	for _, imp := range imports {
		if imp.Patch {
			return true
		}
	}
	return false
}

// Patches reports whether f is a patch of target.
func (f *Feature) Patches(target *Feature) bool {
	if target == nil {
		return false
	}
	imports, err := f.Imports()
	if err != nil {
		return false
	}
	for _, imp := range imports {
		if imp.Patch && imp.Identifier.ID == target.Identifier.ID &&
			imp.Identifier.Version.IsPerfect(target.Identifier.Version) {
			return true
		}
	}
	return false
}

// IncludesIdentifier reports whether f directly includes id.
func (f *Feature) IncludesIdentifier(id VersionedIdentifier) bool {
	includes, err := f.Includes()
	if err != nil {
		return false
	}
	for _, inc := range includes {
		if inc.Identifier == id {
			return true
		}
	}
	return false
}

func (f *Feature) String() string {
	return f.Identifier.String()
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
