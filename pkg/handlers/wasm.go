package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/siteconf/pkg/engine"
)

// WASMConfig bounds a sandboxed handler.
type WASMConfig struct {
	// Timeout caps each hook call. Zero means 30s.
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KB pages. Zero means 256.
	MemoryLimitPages uint32
}

// WASMHandler calls the exported functions initiated(action i32) i32 and
// completed(action i32, success i32) i32 of a module. A non-zero result
// fails the hook. Missing exports are no-ops.
type WASMHandler struct {
	name      string
	mu        sync.Mutex
	runtime   wazero.Runtime
	module    api.Module
	initiated api.Function
	completed api.Function
	timeout   time.Duration
}

// NewWASMHandler compiles and instantiates bin with WASI available.
func NewWASMHandler(ctx context.Context, name string, bin []byte, cfg *WASMConfig) (*WASMHandler, error) {
	if cfg == nil {
		cfg = &WASMConfig{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	pages := cfg.MemoryLimitPages
	if pages == 0 {
		pages = 256
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	mod, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate handler module: %w", err)
	}

	return &WASMHandler{
		name:      name,
		runtime:   rt,
		module:    mod,
		initiated: mod.ExportedFunction("initiated"),
		completed: mod.ExportedFunction("completed"),
		timeout:   timeout,
	}, nil
}

// actionCode is the numeric action passed to module hooks.
func actionCode(a engine.HandlerAction) uint64 {
	switch a {
	case engine.ActionInstall:
		return 0
	case engine.ActionConfigure:
		return 1
	case engine.ActionUnconfigure:
		return 2
	case engine.ActionUninstall:
		return 3
	default:
		return 255
	}
}

// Initiated implements engine.InstallHandler.
func (h *WASMHandler) Initiated(ctx context.Context, hc engine.HandlerContext) error {
	return h.call(ctx, h.initiated, "initiated", actionCode(hc.Action))
}

// Completed implements engine.InstallHandler.
func (h *WASMHandler) Completed(ctx context.Context, hc engine.HandlerContext, success bool) error {
	var s uint64
	if success {
		s = 1
	}
	return h.call(ctx, h.completed, "completed", actionCode(hc.Action), s)
}

func (h *WASMHandler) call(ctx context.Context, fn api.Function, hook string, params ...uint64) error {
	if fn == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results, err := fn.Call(callCtx, params...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s hook: %w", hook, err)
	}
	if len(results) > 0 && uint32(results[0]) != 0 {
		return fmt.Errorf("%s hook returned %d", hook, int32(results[0]))
	}
	return nil
}

// Close releases the module and its runtime.
func (h *WASMHandler) Close(ctx context.Context) error {
	if h.module != nil {
		if err := h.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close handler module: %w", err)
		}
	}
	if h.runtime != nil {
		if err := h.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close handler runtime: %w", err)
		}
	}
	return nil
}
