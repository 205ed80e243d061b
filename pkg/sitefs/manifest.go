package sitefs

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/siteconf/pkg/model"
)

const (
	// FeatureManifest is the descriptor file inside a feature directory.
	FeatureManifest = "feature.yaml"

	// SiteManifest is the optional catalog file at a site root.
	SiteManifest = "site.yaml"

	// ProductMarker marks a product installation nested inside a site.
	ProductMarker = ".siteconf-product"
)

// FeatureDoc is the YAML form of a feature descriptor.
type FeatureDoc struct {
	ID       string              `yaml:"id"`
	Version  string              `yaml:"version"`
	Label    string              `yaml:"label,omitempty"`
	OS       string              `yaml:"os,omitempty"`
	WS       string              `yaml:"ws,omitempty"`
	Arch     string              `yaml:"arch,omitempty"`
	NL       string              `yaml:"nl,omitempty"`
	Handler  *model.HandlerEntry `yaml:"handler,omitempty"`
	Plugins  []PluginDoc         `yaml:"plugins,omitempty"`
	Imports  []ImportDoc         `yaml:"imports,omitempty"`
	Includes []IncludeDoc        `yaml:"includes,omitempty"`
}

// PluginDoc is one plugin entry of a feature descriptor.
type PluginDoc struct {
	ID           string `yaml:"id"`
	Version      string `yaml:"version"`
	OS           string `yaml:"os,omitempty"`
	WS           string `yaml:"ws,omitempty"`
	Arch         string `yaml:"arch,omitempty"`
	NL           string `yaml:"nl,omitempty"`
	Fragment     bool   `yaml:"fragment,omitempty"`
	DownloadSize *int64 `yaml:"downloadSize,omitempty"`
	InstallSize  *int64 `yaml:"installSize,omitempty"`
}

// ImportDoc is one requirement of a feature descriptor.
type ImportDoc struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version,omitempty"`
	Match   string `yaml:"match,omitempty"`
	Feature bool   `yaml:"feature,omitempty"`
	Patch   bool   `yaml:"patch,omitempty"`
}

// IncludeDoc is one nested feature of a feature descriptor.
type IncludeDoc struct {
	ID       string `yaml:"id"`
	Version  string `yaml:"version"`
	Optional bool   `yaml:"optional,omitempty"`
	OS       string `yaml:"os,omitempty"`
	WS       string `yaml:"ws,omitempty"`
	Arch     string `yaml:"arch,omitempty"`
	NL       string `yaml:"nl,omitempty"`
}

// SiteDoc is the YAML form of a site catalog.
type SiteDoc struct {
	Label      string       `yaml:"label,omitempty"`
	Categories []string     `yaml:"categories,omitempty"`
	Features   []FeatureRef `yaml:"features,omitempty"`
	Archives   []ArchiveRef `yaml:"archives,omitempty"`
}

// FeatureRef lists a feature on a remote site catalog.
type FeatureRef struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
	Path    string `yaml:"path,omitempty"`
}

// ArchiveRef maps an archive id to a locator.
type ArchiveRef struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// DecodeFeature parses a feature descriptor into a loaded feature.
func DecodeFeature(r io.Reader) (*model.Feature, error) {
	var doc FeatureDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse feature manifest: %w", err)
	}
	return doc.Feature()
}

// Feature converts the document into a loaded feature.
func (d FeatureDoc) Feature() (*model.Feature, error) {
	id, err := model.NewVersionedIdentifier(d.ID, d.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid feature identifier: %w", err)
	}

	var data model.FeatureData
	for i, p := range d.Plugins {
		pid, err := model.NewVersionedIdentifier(p.ID, p.Version)
		if err != nil {
			return nil, fmt.Errorf("plugin %d: %w", i, err)
		}
		entry := model.NewPluginEntry(pid)
		entry.Filters = model.PlatformFilters{OS: p.OS, WS: p.WS, Arch: p.Arch, NL: p.NL}
		entry.Fragment = p.Fragment
		if p.DownloadSize != nil {
			entry.DownloadSize = *p.DownloadSize
		}
		if p.InstallSize != nil {
			entry.InstallSize = *p.InstallSize
		}
		data.Plugins = append(data.Plugins, entry)
	}
	for i, imp := range d.Imports {
		version := imp.Version
		if version == "" {
			version = "0.0.0"
		}
		iid, err := model.NewVersionedIdentifier(imp.ID, version)
		if err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
		rule, err := model.ParseMatchRule(imp.Match)
		if err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
		data.Imports = append(data.Imports, model.Import{Identifier: iid, Rule: rule, Feature: imp.Feature, Patch: imp.Patch})
	}
	for i, inc := range d.Includes {
		cid, err := model.NewVersionedIdentifier(inc.ID, inc.Version)
		if err != nil {
			return nil, fmt.Errorf("include %d: %w", i, err)
		}
		data.Includes = append(data.Includes, model.IncludedFeature{
			Identifier: cid,
			Optional:   inc.Optional,
			Filters:    model.PlatformFilters{OS: inc.OS, WS: inc.WS, Arch: inc.Arch, NL: inc.NL},
		})
	}

	f := model.NewLoadedFeature(id, data)
	f.Label = d.Label
	f.Filters = model.PlatformFilters{OS: d.OS, WS: d.WS, Arch: d.Arch, NL: d.NL}
	if d.Handler != nil && d.Handler.Name != "" {
		h := *d.Handler
		f.Handler = &h
	}
	return f, nil
}

// EncodeFeature renders a loaded feature as a descriptor.
func EncodeFeature(w io.Writer, f *model.Feature) error {
	doc, err := NewFeatureDoc(f)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode feature manifest: %w", err)
	}
	return enc.Close()
}

// NewFeatureDoc converts a loaded feature into its document form.
func NewFeatureDoc(f *model.Feature) (FeatureDoc, error) {
	plugins, err := f.Plugins()
	if err != nil {
		return FeatureDoc{}, err
	}
	imports, err := f.Imports()
	if err != nil {
		return FeatureDoc{}, err
	}
	includes, err := f.Includes()
	if err != nil {
		return FeatureDoc{}, err
	}

	doc := FeatureDoc{
		ID:      f.Identifier.ID,
		Version: f.Identifier.Version.String(),
		Label:   f.Label,
		OS:      f.Filters.OS,
		WS:      f.Filters.WS,
		Arch:    f.Filters.Arch,
		NL:      f.Filters.NL,
		Handler: f.Handler,
	}
	for _, p := range plugins {
		pd := PluginDoc{
			ID:       p.Identifier.ID,
			Version:  p.Identifier.Version.String(),
			OS:       p.Filters.OS,
			WS:       p.Filters.WS,
			Arch:     p.Filters.Arch,
			NL:       p.Filters.NL,
			Fragment: p.Fragment,
		}
		if p.HasDownloadSize() {
			n := p.DownloadSize
			pd.DownloadSize = &n
		}
		if p.HasInstallSize() {
			n := p.InstallSize
			pd.InstallSize = &n
		}
		doc.Plugins = append(doc.Plugins, pd)
	}
	for _, imp := range imports {
		doc.Imports = append(doc.Imports, ImportDoc{
			ID:      imp.Identifier.ID,
			Version: imp.Identifier.Version.String(),
			Match:   string(imp.Rule),
			Feature: imp.Feature,
			Patch:   imp.Patch,
		})
	}
	for _, inc := range includes {
		doc.Includes = append(doc.Includes, IncludeDoc{
			ID:       inc.Identifier.ID,
			Version:  inc.Identifier.Version.String(),
			Optional: inc.Optional,
			OS:       inc.Filters.OS,
			WS:       inc.Filters.WS,
			Arch:     inc.Filters.Arch,
			NL:       inc.Filters.NL,
		})
	}
	return doc, nil
}

// DecodeSite parses a site catalog.
func DecodeSite(r io.Reader) (*SiteDoc, error) {
	var doc SiteDoc
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return &doc, nil
		}
		return nil, fmt.Errorf("failed to parse site manifest: %w", err)
	}
	return &doc, nil
}
