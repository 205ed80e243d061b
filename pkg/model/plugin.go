package model

// SizeUnknown marks a download or install size that the manifest did not declare.
const SizeUnknown int64 = -1

// PluginEntry is one versioned component bundled by a feature.
type PluginEntry struct {
	Identifier   VersionedIdentifier `json:"identifier" yaml:"identifier"`
	Filters      PlatformFilters     `json:"filters,omitempty" yaml:"filters,omitempty"`
	Fragment     bool                `json:"fragment,omitempty" yaml:"fragment,omitempty"`
	DownloadSize int64               `json:"downloadSize" yaml:"downloadSize"`
	InstallSize  int64               `json:"installSize" yaml:"installSize"`
}

// NewPluginEntry returns an entry with both sizes unknown and no filters.
func NewPluginEntry(id VersionedIdentifier) PluginEntry {
	return PluginEntry{
		Identifier:   id,
		DownloadSize: SizeUnknown,
		InstallSize:  SizeUnknown,
	}
}

// Path is the site-relative directory the entry occupies once installed.
func (p PluginEntry) Path() string {
	return "plugins/" + p.Identifier.String() + "/"
}

// ArchiveID is the default archive identifier used by remote sites.
func (p PluginEntry) ArchiveID() string {
	return "plugins/" + p.Identifier.String() + ".jar"
}

// HasDownloadSize reports whether the download size is declared.
func (p PluginEntry) HasDownloadSize() bool {
	return p.DownloadSize != SizeUnknown
}

// HasInstallSize reports whether the install size is declared.
func (p PluginEntry) HasInstallSize() bool {
	return p.InstallSize != SizeUnknown
}

// DiffPlugins returns the entries of source whose identifier is absent from
// target, in source order.
func DiffPlugins(source, target []PluginEntry) []PluginEntry {
	if len(source) == 0 {
		return []PluginEntry{}
	}
	if len(target) == 0 {
		out := make([]PluginEntry, len(source))
		copy(out, source)
		return out
	}

	present := make(map[VersionedIdentifier]struct{}, len(target))
	for _, p := range target {
		present[p.Identifier] = struct{}{}
	}

	out := make([]PluginEntry, 0, len(source))
	for _, p := range source {
		if _, ok := present[p.Identifier]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// FilterPlugins keeps the entries accepted by env.
func FilterPlugins(entries []PluginEntry, env Environment) []PluginEntry {
	out := make([]PluginEntry, 0, len(entries))
	for _, p := range entries {
		if p.Filters.Accepts(env) {
			out = append(out, p)
		}
	}
	return out
}
