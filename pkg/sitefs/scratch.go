package sitefs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openfroyo/siteconf/pkg/engine"
)

// ScratchProvider creates scratch areas under a base directory. An empty
// base uses the system temp directory.
type ScratchProvider struct {
	Base string
}

// NewScratch implements engine.ScratchProvider.
func (p ScratchProvider) NewScratch(ctx context.Context) (engine.ScratchArea, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Base != "" {
		if err := os.MkdirAll(p.Base, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create scratch base: %w", err)
		}
	}
	dir, err := os.MkdirTemp(p.Base, "siteconf-scratch-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch area: %w", err)
	}
	return &scratchArea{dir: dir}, nil
}

type scratchArea struct {
	dir string
	mu  sync.Mutex
	n   int
}

func (s *scratchArea) Path() string { return s.dir }

func (s *scratchArea) Remove() error {
	return os.RemoveAll(s.dir)
}

// Stage copies the archive into a numbered file so ids with the same base
// name do not collide.
func (s *scratchArea) Stage(ctx context.Context, a engine.Archive) (engine.Archive, error) {
	s.mu.Lock()
	s.n++
	name := fmt.Sprintf("%04d-%s", s.n, strings.ReplaceAll(a.ID(), "/", "_"))
	s.mu.Unlock()

	r, err := a.Open(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	target := filepath.Join(s.dir, name)
	out, err := os.Create(target)
	if err != nil {
		return nil, fmt.Errorf("failed to create staged file: %w", err)
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stage %s: %w", a.ID(), err)
	}
	if want := a.Length(); want >= 0 && n != want {
		return nil, fmt.Errorf("staged %s: got %d bytes, want %d", a.ID(), n, want)
	}
	return &fileArchive{id: a.ID(), path: target, size: n}, nil
}
