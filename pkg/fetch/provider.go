package fetch

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
)

// FeatureArchiveID is the archive id of a feature's own content on a
// remote site.
func FeatureArchiveID(id model.VersionedIdentifier) string {
	return "features/" + id.String() + ".jar"
}

// RemoteSource implements engine.ContentSource for sites whose archives
// are fetched through a Pool.
type RemoteSource struct {
	pool *Pool
}

// NewRemoteSource creates a source over pool.
func NewRemoteSource(pool *Pool) *RemoteSource {
	return &RemoteSource{pool: pool}
}

// Provider implements engine.ContentSource.
func (s *RemoteSource) Provider(site *model.Site) (engine.ContentProvider, error) {
	if site == nil {
		return nil, fmt.Errorf("site is required")
	}
	return &remoteProvider{pool: s.pool, site: site}, nil
}

type remoteProvider struct {
	pool *Pool
	site *model.Site
}

func (p *remoteProvider) FeatureArchives(ctx context.Context, f *model.Feature) ([]engine.Archive, error) {
	id := FeatureArchiveID(f.Identifier)
	return []engine.Archive{p.archive(id, -1)}, nil
}

func (p *remoteProvider) PluginArchives(ctx context.Context, f *model.Feature, plugin model.PluginEntry) ([]engine.Archive, error) {
	length := int64(-1)
	if plugin.HasDownloadSize() {
		length = plugin.DownloadSize
	}
	return []engine.Archive{p.archive(plugin.ArchiveID(), length)}, nil
}

func (p *remoteProvider) archive(id string, length int64) *remoteArchive {
	return &remoteArchive{
		pool:     p.pool,
		id:       id,
		location: p.site.ArchiveLocator(id),
		length:   length,
	}
}

// remoteArchive fetches on Open, through the pool.
type remoteArchive struct {
	pool     *Pool
	id       string
	location string
	length   int64
}

func (a *remoteArchive) ID() string { return a.id }

func (a *remoteArchive) Length() int64 { return a.length }

// Location returns the resolved remote locator.
func (a *remoteArchive) Location() string { return a.location }

func (a *remoteArchive) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	h, err := a.pool.Start(ctx, a.location, offset)
	if err != nil {
		return nil, err
	}
	art, err := h.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", a.location, err)
	}
	return art.Body, nil
}
