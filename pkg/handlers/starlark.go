package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/siteconf/pkg/engine"
)

// StarlarkHandler runs a script defining optional initiated(ctx) and
// completed(ctx, success) functions. A function fails the hook by calling
// fail(), returning False, or returning a non-empty string.
type StarlarkHandler struct {
	name      string
	mu        sync.Mutex
	initiated starlark.Callable
	completed starlark.Callable
	logger    zerolog.Logger
}

// NewStarlarkHandler executes src once and captures its hook functions.
func NewStarlarkHandler(name string, src []byte, logger zerolog.Logger) (*StarlarkHandler, error) {
	h := &StarlarkHandler{name: name, logger: logger.With().Str("handler", name).Logger()}

	thread := h.thread()
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	globals, err := starlark.ExecFile(thread, name+".star", src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load handler script: %w", err)
	}

	for fn, dst := range map[string]*starlark.Callable{"initiated": &h.initiated, "completed": &h.completed} {
		v, ok := globals[fn]
		if !ok {
			continue
		}
		c, ok := v.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("handler script: %s must be a function, got %s", fn, v.Type())
		}
		*dst = c
	}
	return h, nil
}

func (h *StarlarkHandler) thread() *starlark.Thread {
	return &starlark.Thread{
		Name: "siteconf-handler-" + h.name,
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Debug().Msg(msg)
		},
	}
}

// Initiated implements engine.InstallHandler.
func (h *StarlarkHandler) Initiated(ctx context.Context, hc engine.HandlerContext) error {
	return h.call(ctx, h.initiated, "initiated", hc)
}

// Completed implements engine.InstallHandler.
func (h *StarlarkHandler) Completed(ctx context.Context, hc engine.HandlerContext, success bool) error {
	return h.call(ctx, h.completed, "completed", hc, starlark.Bool(success))
}

func (h *StarlarkHandler) call(ctx context.Context, fn starlark.Callable, hook string, hc engine.HandlerContext, extra ...starlark.Value) error {
	if fn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	thread := h.thread()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	args := append(starlark.Tuple{contextValue(hc)}, extra...)
	result, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s hook: %w", hook, err)
	}

	switch v := result.(type) {
	case starlark.Bool:
		if !v {
			return fmt.Errorf("%s hook returned False", hook)
		}
	case starlark.String:
		if v != "" {
			return fmt.Errorf("%s hook: %s", hook, string(v))
		}
	}
	return nil
}

func contextValue(hc engine.HandlerContext) *starlarkstruct.Struct {
	fields := starlark.StringDict{
		"action": starlark.String(string(hc.Action)),
		"undo":   starlark.Bool(hc.Action.IsUndo()),
	}
	if f := hc.Feature; f != nil {
		fields["feature"] = starlark.String(f.Identifier.ID)
		fields["version"] = starlark.String(f.Identifier.Version.String())
		fields["label"] = starlark.String(f.Label)
		fields["path"] = starlark.String(f.Path)
	}
	return starlarkstruct.FromStringDict(starlark.String("context"), fields)
}
