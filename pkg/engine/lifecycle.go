package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/siteconf/pkg/model"
)

// handlerProxy drives one feature's install handler for one action. During
// undo actions a failing handler is logged and disabled so the undo itself
// can finish; during do actions the failure is returned.
type handlerProxy struct {
	rt       *Runtime
	handler  InstallHandler
	hc       HandlerContext
	disabled bool
}

// newHandlerProxy resolves the feature's handler. A feature without a
// handler entry gets a pass-through proxy.
func newHandlerProxy(ctx context.Context, rt *Runtime, f *model.Feature, action HandlerAction) (*handlerProxy, error) {
	p := &handlerProxy{rt: rt, hc: HandlerContext{Action: action, Feature: f}}
	if f == nil || f.Handler == nil || f.Handler.Name == "" {
		return p, nil
	}
	var err error
	if rt == nil || rt.Handlers == nil {
		err = fmt.Errorf("no handler registry for %q", f.Handler.Name)
	} else {
		p.handler, err = rt.Handlers.Resolve(ctx, *f.Handler)
	}
	if err != nil {
		if action.IsUndo() {
			rt.logger().Warn().Err(err).
				Str("feature", f.Identifier.String()).
				Str("action", string(action)).
				Msg("Install handler unavailable, continuing without it")
			return p, nil
		}
		return nil, fmt.Errorf("failed to resolve install handler for %s: %w", f.Identifier, err)
	}
	return p, nil
}

func (p *handlerProxy) initiated(ctx context.Context) error {
	if p.handler == nil || p.disabled {
		return nil
	}
	return p.check("initiated", p.handler.Initiated(ctx, p.hc))
}

func (p *handlerProxy) completed(ctx context.Context, success bool) error {
	if p.handler == nil || p.disabled {
		return nil
	}
	return p.check("completed", p.handler.Completed(ctx, p.hc, success))
}

func (p *handlerProxy) check(step string, err error) error {
	if err == nil {
		return nil
	}
	err = newError(ErrorClassPolicy, ErrCodeHandlerFailed,
		fmt.Sprintf("install handler failed in %s", step), err).
		WithResource(p.hc.Feature.Identifier.String()).
		WithOperation(string(p.hc.Action))
	if p.hc.Action.IsUndo() {
		p.rt.logger().Warn().Err(err).
			Str("feature", p.hc.Feature.Identifier.String()).
			Msg("Install handler failed during undo, disabling it")
		p.disabled = true
		return nil
	}
	return err
}

// runLifecycle runs initiated, body, completed(success). Completion is
// always attempted; the first failure is the one reported and later ones
// are attached as suppressed.
func runLifecycle(ctx context.Context, p *handlerProxy, body func() error) error {
	if err := p.initiated(ctx); err != nil {
		return mergeLifecycle(err, p.completed(ctx, false))
	}
	err := body()
	return mergeLifecycle(err, p.completed(ctx, err == nil))
}
