package sitefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
)

// LocalSource implements engine.ContentSource for file sites.
type LocalSource struct{}

// Provider implements engine.ContentSource.
func (LocalSource) Provider(site *model.Site) (engine.ContentProvider, error) {
	if site == nil {
		return nil, fmt.Errorf("site is required")
	}
	root, ok := model.LocalPath(site.URL)
	if !ok {
		return nil, fmt.Errorf("site %s is not local", site.URL)
	}
	return &localProvider{root: root}, nil
}

type localProvider struct {
	root string
}

// FeatureArchives lists every file in the feature directory except the
// manifest, which the target regenerates.
func (p *localProvider) FeatureArchives(ctx context.Context, f *model.Feature) ([]engine.Archive, error) {
	dir := f.Path
	if dir == "" {
		dir = model.FeaturePath(f.Identifier)
	}
	abs := filepath.Join(p.root, filepath.FromSlash(dir))
	archives, err := p.walk(ctx, abs, model.FeaturePath(f.Identifier))
	if err != nil {
		return nil, err
	}
	out := archives[:0]
	for _, a := range archives {
		if filepath.Base(a.path) == FeatureManifest && filepath.Dir(a.path) == abs {
			continue
		}
		out = append(out, a)
	}
	return toArchives(out), nil
}

// PluginArchives returns the packed archive when present, otherwise the
// files of the unpacked plugin directory.
func (p *localProvider) PluginArchives(ctx context.Context, f *model.Feature, plugin model.PluginEntry) ([]engine.Archive, error) {
	packed := filepath.Join(p.root, filepath.FromSlash(plugin.ArchiveID()))
	if info, err := os.Stat(packed); err == nil && !info.IsDir() {
		return []engine.Archive{&fileArchive{id: plugin.ArchiveID(), path: packed, size: info.Size()}}, nil
	}
	dir := filepath.Join(p.root, filepath.FromSlash(plugin.Path()))
	archives, err := p.walk(ctx, dir, plugin.Path())
	if err != nil {
		return nil, err
	}
	if len(archives) == 0 {
		return nil, fmt.Errorf("plugin %s has no content on %s", plugin.Identifier, p.root)
	}
	return toArchives(archives), nil
}

func (p *localProvider) walk(ctx context.Context, dir, prefix string) ([]*fileArchive, error) {
	var out []*fileArchive
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, &fileArchive{id: prefix + filepath.ToSlash(rel), path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func toArchives(in []*fileArchive) []engine.Archive {
	out := make([]engine.Archive, len(in))
	for i, a := range in {
		out[i] = a
	}
	return out
}

// fileArchive is an archive backed by a local file.
type fileArchive struct {
	id   string
	path string
	size int64
}

func (a *fileArchive) ID() string { return a.id }

func (a *fileArchive) Length() int64 { return a.size }

// Path returns the backing file.
func (a *fileArchive) Path() string { return a.path }

func (a *fileArchive) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(a.path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to seek %s: %w", a.id, err)
		}
	}
	return f, nil
}
