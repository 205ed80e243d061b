package sitefs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/fetch"
	"github.com/openfroyo/siteconf/pkg/model"
)

// Scanner builds site catalogs from disk or from a remote site.yaml.
type Scanner struct {
	logger  zerolog.Logger
	fetcher fetch.Fetcher
}

// NewScanner creates a scanner. fetcher serves remote catalogs and may be
// nil when only local sites are scanned.
func NewScanner(logger zerolog.Logger, fetcher fetch.Fetcher) *Scanner {
	return &Scanner{
		logger:  logger.With().Str("component", "sitefs").Logger(),
		fetcher: fetcher,
	}
}

// Scan reads the site at location. Local sites are walked; remote sites
// are read through their catalog. Unreadable feature manifests are logged
// and the feature is registered unloaded.
func (s *Scanner) Scan(ctx context.Context, location string) (*model.Site, error) {
	if root, ok := model.LocalPath(location); ok {
		return s.scanLocal(ctx, location, root)
	}
	return s.scanRemote(ctx, location)
}

func (s *Scanner) scanLocal(ctx context.Context, location, root string) (*model.Site, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat site %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("site %s is not a directory", root)
	}

	site := model.NewSite(siteURL(location, root))

	if f, err := os.Open(filepath.Join(root, SiteManifest)); err == nil {
		doc, derr := DecodeSite(f)
		f.Close()
		if derr != nil {
			s.logger.Warn().Err(derr).Str("site", site.URL).Msg("Ignoring malformed site manifest")
		} else {
			applySiteDoc(site, doc)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, "features"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		f := s.loadLocalFeature(filepath.Join(root, "features", e.Name()), e.Name())
		if f == nil {
			continue
		}
		if err := site.AddFeature(f); err != nil {
			s.logger.Warn().Err(err).Str("feature", e.Name()).Msg("Skipping duplicate feature")
		}
	}

	plugins, err := os.ReadDir(filepath.Join(root, "plugins"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	for _, e := range plugins {
		name := strings.TrimSuffix(e.Name(), ".jar")
		id, err := model.ParseIdentifier(name)
		if err != nil {
			s.logger.Debug().Str("plugin", e.Name()).Msg("Ignoring unrecognised plugin entry")
			continue
		}
		site.AddPlugin(model.NewPluginEntry(id))
	}

	return site, nil
}

func (s *Scanner) loadLocalFeature(dir, name string) *model.Feature {
	f, err := os.Open(filepath.Join(dir, FeatureManifest))
	if err == nil {
		defer f.Close()
		feature, derr := DecodeFeature(f)
		if derr == nil {
			feature.Path = "features/" + name + "/"
			return feature
		}
		err = derr
	}

	id, perr := model.ParseIdentifier(name)
	if perr != nil {
		s.logger.Warn().Err(err).Str("feature", name).Msg("Skipping unreadable feature")
		return nil
	}
	s.logger.Warn().Err(err).Str("feature", name).Msg("Feature manifest unreadable, registering unloaded")
	unloaded := model.NewFeature(id)
	unloaded.Path = "features/" + name + "/"
	return unloaded
}

func (s *Scanner) scanRemote(ctx context.Context, location string) (*model.Site, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured for remote site %s", location)
	}
	site := model.NewSite(location)

	art, err := s.fetcher.Fetch(ctx, joinLocation(site.URL, SiteManifest), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch site manifest: %w", err)
	}
	doc, err := DecodeSite(art.Body)
	art.Body.Close()
	if err != nil {
		return nil, err
	}
	applySiteDoc(site, doc)

	for _, ref := range doc.Features {
		id, err := model.NewVersionedIdentifier(ref.ID, ref.Version)
		if err != nil {
			s.logger.Warn().Err(err).Str("site", site.URL).Msg("Skipping invalid feature entry")
			continue
		}
		path := ref.Path
		if path == "" {
			path = model.FeaturePath(id)
		}
		f := s.loadRemoteFeature(ctx, site.URL, id, path)
		if err := site.AddFeature(f); err != nil {
			s.logger.Warn().Err(err).Str("feature", id.String()).Msg("Skipping duplicate feature")
		}
	}
	return site, nil
}

func (s *Scanner) loadRemoteFeature(ctx context.Context, siteURL string, id model.VersionedIdentifier, path string) *model.Feature {
	loc := joinLocation(siteURL, strings.TrimSuffix(path, "/")+"/"+FeatureManifest)
	art, err := s.fetcher.Fetch(ctx, loc, 0)
	if err == nil {
		f, derr := DecodeFeature(art.Body)
		art.Body.Close()
		if derr == nil && f.Identifier == id {
			f.Path = path
			return f
		}
		if derr == nil {
			derr = fmt.Errorf("manifest declares %s", f.Identifier)
		}
		err = derr
	}
	s.logger.Warn().Err(err).Str("feature", id.String()).Msg("Feature manifest unreadable, registering unloaded")
	f := model.NewFeature(id)
	f.Path = path
	return f
}

func applySiteDoc(site *model.Site, doc *SiteDoc) {
	site.Categories = append(site.Categories, doc.Categories...)
	for _, a := range doc.Archives {
		if a.ID != "" && a.URL != "" {
			site.SetArchive(a.ID, a.URL)
		}
	}
}

func siteURL(location, root string) string {
	if strings.Contains(location, "://") {
		return location
	}
	return model.FileURL(root)
}

func joinLocation(base, rel string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimLeft(rel, "/")
}
