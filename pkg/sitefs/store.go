package sitefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
)

const stagingDir = ".siteconf-tmp"

// DirStore writes installed content into a local site directory.
// Writes are staged under a private directory and renamed into place on
// commit.
type DirStore struct {
	root   string
	logger zerolog.Logger
}

// NewDirStore creates a store rooted at a local site directory.
func NewDirStore(root string, logger zerolog.Logger) *DirStore {
	return &DirStore{
		root:   root,
		logger: logger.With().Str("component", "sitefs").Str("site", root).Logger(),
	}
}

// Root returns the site directory.
func (s *DirStore) Root() string {
	return s.root
}

// Begin implements engine.ContentStore.
func (s *DirStore) Begin(ctx context.Context, f *model.Feature) (engine.FeatureWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, stagingDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &dirWriter{store: s, feature: f, dir: dir}, nil
}

// Delete implements engine.ContentStore.
func (s *DirStore) Delete(ctx context.Context, f *model.Feature, plugins []model.PluginEntry) error {
	var result *multierror.Error
	for _, p := range plugins {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, target := range []string{
			filepath.Join(s.root, filepath.FromSlash(p.Path())),
			filepath.Join(s.root, filepath.FromSlash(p.ArchiveID())),
		} {
			if err := os.RemoveAll(target); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", target, err))
			}
		}
	}
	featureDir := f.Path
	if featureDir == "" {
		featureDir = model.FeaturePath(f.Identifier)
	}
	if err := os.RemoveAll(filepath.Join(s.root, filepath.FromSlash(featureDir))); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to remove feature %s: %w", f.Identifier, err))
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	s.logger.Debug().Str("feature", f.Identifier.String()).Int("plugins", len(plugins)).Msg("Removed feature content")
	return nil
}

type dirWriter struct {
	store   *DirStore
	feature *model.Feature
	dir     string
	plugins []string
	done    bool
}

func (w *dirWriter) StorePlugin(ctx context.Context, p model.PluginEntry, a engine.Archive, r io.Reader) error {
	rel := pluginTarget(p, a.ID())
	if err := w.write(ctx, rel, r); err != nil {
		return err
	}
	top := topEntry(rel)
	for _, existing := range w.plugins {
		if existing == top {
			return nil
		}
	}
	w.plugins = append(w.plugins, top)
	return nil
}

func (w *dirWriter) StoreFeature(ctx context.Context, a engine.Archive, r io.Reader) error {
	return w.write(ctx, featureTarget(w.feature.Identifier, a.ID()), r)
}

func (w *dirWriter) write(ctx context.Context, rel string, r io.Reader) error {
	if w.done {
		return fmt.Errorf("writer already closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(w.dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, w.dir+string(filepath.Separator)) {
		return fmt.Errorf("archive path %q escapes the site", rel)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", rel, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return out.Close()
}

// Commit writes the feature manifest and moves the staged tree into the
// site. Plugin entries already present are left in place.
func (w *dirWriter) Commit(ctx context.Context) (*model.Feature, error) {
	if w.done {
		return nil, fmt.Errorf("writer already closed")
	}
	w.done = true
	defer os.RemoveAll(w.dir)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := NewFeatureDoc(w.feature)
	if err != nil {
		return nil, err
	}
	installed, err := doc.Feature()
	if err != nil {
		return nil, err
	}
	featureRel := model.FeaturePath(w.feature.Identifier)
	installed.Path = featureRel

	stagedFeature := filepath.Join(w.dir, filepath.FromSlash(featureRel))
	if err := os.MkdirAll(stagedFeature, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create feature directory: %w", err)
	}
	manifest, err := os.Create(filepath.Join(stagedFeature, FeatureManifest))
	if err != nil {
		return nil, fmt.Errorf("failed to create feature manifest: %w", err)
	}
	if err := EncodeFeature(manifest, installed); err != nil {
		manifest.Close()
		return nil, err
	}
	if err := manifest.Close(); err != nil {
		return nil, fmt.Errorf("failed to write feature manifest: %w", err)
	}

	root := w.store.root
	for _, rel := range w.plugins {
		dst := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := moveInto(filepath.Join(w.dir, filepath.FromSlash(rel)), dst); err != nil {
			return nil, err
		}
	}
	dst := filepath.Join(root, filepath.FromSlash(featureRel))
	if err := os.RemoveAll(dst); err != nil {
		return nil, fmt.Errorf("failed to replace feature directory: %w", err)
	}
	if err := moveInto(stagedFeature, dst); err != nil {
		return nil, err
	}

	w.store.logger.Debug().Str("feature", installed.Identifier.String()).Int("plugins", len(w.plugins)).Msg("Committed feature")
	return installed, nil
}

func (w *dirWriter) Abort(ctx context.Context) error {
	w.done = true
	if err := os.RemoveAll(w.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to discard staged content: %w", err)
	}
	return nil
}

func moveInto(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(dst), err)
	}
	return nil
}

// pluginTarget maps an archive id to its location under the site root.
// The packed archive keeps its name; anything else lands inside the
// plugin directory.
func pluginTarget(p model.PluginEntry, archiveID string) string {
	archiveID = path.Clean(strings.TrimPrefix(archiveID, "/"))
	if archiveID == p.ArchiveID() || strings.HasPrefix(archiveID, p.Path()) {
		return archiveID
	}
	return p.Path() + path.Base(archiveID)
}

func featureTarget(id model.VersionedIdentifier, archiveID string) string {
	archiveID = path.Clean(strings.TrimPrefix(archiveID, "/"))
	dir := model.FeaturePath(id)
	if strings.HasPrefix(archiveID, dir) {
		return archiveID
	}
	return dir + path.Base(archiveID)
}

// topEntry returns the first two path elements, e.g. plugins/x_1.0.0.
func topEntry(rel string) string {
	parts := strings.SplitN(rel, "/", 3)
	if len(parts) < 2 {
		return rel
	}
	return parts[0] + "/" + parts[1]
}
