package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
)

// Kind selects how a handler's source is executed.
type Kind string

const (
	KindStarlark Kind = "starlark"
	KindWASM     Kind = "wasm"
)

// Spec declares one named install handler.
type Spec struct {
	Name   string
	Kind   Kind
	Source string
}

// Factory builds a handler for a feature's handler entry.
type Factory func(ctx context.Context, entry model.HandlerEntry) (engine.InstallHandler, error)

// closer is implemented by handlers holding runtime resources.
type closer interface {
	Close(ctx context.Context) error
}

// Registry implements engine.HandlerResolver. Factories are keyed by handler
// name; built handlers are cached per name and library.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	built     map[string]engine.InstallHandler
	baseDir   string
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry. Relative handler sources and
// library paths resolve against baseDir.
func NewRegistry(baseDir string, logger zerolog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		built:     make(map[string]engine.InstallHandler),
		baseDir:   baseDir,
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if factory == nil {
		return fmt.Errorf("handler %s: factory is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("handler %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// RegisterSpec adds a factory for a declared Starlark or WASM handler. A
// feature's handler library, when set, overrides the declared source.
func (r *Registry) RegisterSpec(spec Spec) error {
	var factory Factory
	switch spec.Kind {
	case KindStarlark:
		factory = func(ctx context.Context, entry model.HandlerEntry) (engine.InstallHandler, error) {
			src, err := os.ReadFile(r.sourceFor(spec, entry))
			if err != nil {
				return nil, fmt.Errorf("failed to read handler source: %w", err)
			}
			return NewStarlarkHandler(spec.Name, src, r.logger)
		}
	case KindWASM:
		factory = func(ctx context.Context, entry model.HandlerEntry) (engine.InstallHandler, error) {
			bin, err := os.ReadFile(r.sourceFor(spec, entry))
			if err != nil {
				return nil, fmt.Errorf("failed to read handler module: %w", err)
			}
			return NewWASMHandler(ctx, spec.Name, bin, nil)
		}
	default:
		return fmt.Errorf("handler %s: unknown kind %q", spec.Name, spec.Kind)
	}
	return r.Register(spec.Name, factory)
}

func (r *Registry) sourceFor(spec Spec, entry model.HandlerEntry) string {
	src := spec.Source
	if entry.Library != "" {
		src = entry.Library
	}
	if !filepath.IsAbs(src) && r.baseDir != "" {
		src = filepath.Join(r.baseDir, src)
	}
	return src
}

// Resolve implements engine.HandlerResolver.
func (r *Registry) Resolve(ctx context.Context, entry model.HandlerEntry) (engine.InstallHandler, error) {
	key := entry.Name + "|" + entry.Library

	r.mu.RLock()
	h, ok := r.built[key]
	factory, known := r.factories[entry.Name]
	r.mu.RUnlock()
	if ok {
		return h, nil
	}
	if !known {
		return nil, fmt.Errorf("no install handler registered as %q", entry.Name)
	}

	h, err := factory(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to build handler %s: %w", entry.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.built[key]; ok {
		closeHandler(ctx, h)
		return existing, nil
	}
	r.built[key] = h
	r.logger.Debug().Str("handler", entry.Name).Msg("Install handler built")
	return h, nil
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every built handler.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result *multierror.Error
	for key, h := range r.built {
		if err := closeHandler(ctx, h); err != nil {
			result = multierror.Append(result, fmt.Errorf("handler %s: %w", key, err))
		}
		delete(r.built, key)
	}
	return result.ErrorOrNil()
}

func closeHandler(ctx context.Context, h engine.InstallHandler) error {
	if c, ok := h.(closer); ok {
		return c.Close(ctx)
	}
	return nil
}
