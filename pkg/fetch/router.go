package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/openfroyo/siteconf/pkg/model"
)

// Router dispatches fetches by location scheme.
type Router struct {
	schemes map[string]Fetcher
}

// NewRouter creates a router that serves file:// locations from disk.
func NewRouter() *Router {
	return &Router{schemes: map[string]Fetcher{"file": FileFetcher{}, "": FileFetcher{}}}
}

// Handle routes scheme to f.
func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.schemes[scheme] = f
	return r
}

// Fetch implements Fetcher.
func (r *Router) Fetch(ctx context.Context, location string, offset int64) (*Artifact, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", location, err)
	}
	f, ok := r.schemes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no fetcher for scheme %q", u.Scheme)
	}
	return f.Fetch(ctx, location, offset)
}

// FileFetcher reads file:// locations and bare paths.
type FileFetcher struct{}

// Fetch implements Fetcher.
func (FileFetcher) Fetch(ctx context.Context, location string, offset int64) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, ok := model.LocalPath(location)
	if !ok {
		return nil, fmt.Errorf("not a local location: %s", location)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to seek %s: %w", path, err)
		}
	}
	return &Artifact{Body: f, Size: info.Size() - offset, Offset: offset}, nil
}
