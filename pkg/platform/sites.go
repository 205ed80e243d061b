package platform

import (
	"sync"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
)

// contentSource serves local sites from disk and everything else through
// the fetch pool.
type contentSource struct {
	local  engine.ContentSource
	remote engine.ContentSource
}

func (c contentSource) Provider(site *model.Site) (engine.ContentProvider, error) {
	if _, ok := model.LocalPath(site.URL); ok {
		return c.local.Provider(site)
	}
	return c.remote.Provider(site)
}

// siteIndex is the SiteSource persisted snapshots are rebound against. It
// holds the sites discovered by the last boot.
type siteIndex struct {
	mu    sync.RWMutex
	sites engine.SiteMap
}

func newSiteIndex() *siteIndex {
	return &siteIndex{sites: engine.SiteMap{Stores: map[string]engine.ContentStore{}}}
}

func (s *siteIndex) set(discovered []engine.DiscoveredSite) {
	m := engine.SiteMap{Stores: make(map[string]engine.ContentStore, len(discovered))}
	for _, d := range discovered {
		m.Sites = append(m.Sites, d.Site)
		if d.Store != nil {
			m.Stores[d.Site.URL] = d.Store
		}
	}
	s.mu.Lock()
	s.sites = m
	s.mu.Unlock()
}

// Lookup implements engine.SiteSource.
func (s *siteIndex) Lookup(url string) (*model.Site, engine.ContentStore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sites.Lookup(url)
}

func (s *siteIndex) list() []*model.Site {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.Site(nil), s.sites.Sites...)
}
