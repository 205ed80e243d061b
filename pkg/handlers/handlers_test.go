package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
)

// hookModule exports initiated(i32) -> 0 and completed(i32, i32) -> !success.
var hookModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type section
	0x01, 0x0c, 0x02,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	// function section
	0x03, 0x03, 0x02, 0x00, 0x01,
	// export section
	0x07, 0x19, 0x02,
	0x09, 'i', 'n', 'i', 't', 'i', 'a', 't', 'e', 'd', 0x00, 0x00,
	0x09, 'c', 'o', 'm', 'p', 'l', 'e', 't', 'e', 'd', 0x00, 0x01,
	// code section
	0x0a, 0x0c, 0x02,
	0x04, 0x00, 0x41, 0x00, 0x0b,
	0x05, 0x00, 0x20, 0x01, 0x45, 0x0b,
}

func testContext(action engine.HandlerAction) engine.HandlerContext {
	f := model.NewFeature(model.MustIdentifier("org.example.tools", "1.2.0"))
	f.Label = "Tools"
	return engine.HandlerContext{Action: action, Feature: f}
}

func TestStarlarkHandlerHooks(t *testing.T) {
	src := `
def initiated(ctx):
    if ctx.feature != "org.example.tools":
        fail("unexpected feature " + ctx.feature)
    if ctx.action == "uninstall":
        return "uninstall refused"

def completed(ctx, success):
    return success
`
	h, err := NewStarlarkHandler("tools", []byte(src), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to load handler: %v", err)
	}
	ctx := context.Background()

	if err := h.Initiated(ctx, testContext(engine.ActionInstall)); err != nil {
		t.Errorf("initiated should succeed: %v", err)
	}
	err = h.Initiated(ctx, testContext(engine.ActionUninstall))
	if err == nil || !strings.Contains(err.Error(), "uninstall refused") {
		t.Errorf("expected refusal message, got %v", err)
	}
	if err := h.Completed(ctx, testContext(engine.ActionInstall), true); err != nil {
		t.Errorf("completed(true) should succeed: %v", err)
	}
	if err := h.Completed(ctx, testContext(engine.ActionInstall), false); err == nil {
		t.Error("completed(false) should fail when the script returns False")
	}
}

func TestStarlarkHandlerMissingHooks(t *testing.T) {
	h, err := NewStarlarkHandler("empty", []byte("x = 1\n"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to load handler: %v", err)
	}
	if err := h.Initiated(context.Background(), testContext(engine.ActionConfigure)); err != nil {
		t.Errorf("missing hook should be a no-op: %v", err)
	}
}

func TestStarlarkHandlerRejectsNonFunction(t *testing.T) {
	if _, err := NewStarlarkHandler("bad", []byte("initiated = 3\n"), zerolog.Nop()); err == nil {
		t.Error("expected error for non-callable hook")
	}
	if _, err := NewStarlarkHandler("bad", []byte("def (:\n"), zerolog.Nop()); err == nil {
		t.Error("expected syntax error")
	}
}

func TestStarlarkHandlerCancellation(t *testing.T) {
	src := `
def initiated(ctx):
    n = 0
    for i in range(1 << 30):
        n += i
`
	h, err := NewStarlarkHandler("slow", []byte(src), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to load handler: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = h.Initiated(ctx, testContext(engine.ActionInstall))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestWASMHandlerHooks(t *testing.T) {
	ctx := context.Background()
	h, err := NewWASMHandler(ctx, "hooks", hookModule, nil)
	if err != nil {
		t.Fatalf("failed to instantiate module: %v", err)
	}
	defer h.Close(ctx)

	if err := h.Initiated(ctx, testContext(engine.ActionInstall)); err != nil {
		t.Errorf("initiated should succeed: %v", err)
	}
	if err := h.Completed(ctx, testContext(engine.ActionInstall), true); err != nil {
		t.Errorf("completed(true) should succeed: %v", err)
	}
	if err := h.Completed(ctx, testContext(engine.ActionInstall), false); err == nil {
		t.Error("completed(false) should fail")
	}
}

func TestWASMHandlerInvalidModule(t *testing.T) {
	if _, err := NewWASMHandler(context.Background(), "junk", []byte("not wasm"), nil); err == nil {
		t.Error("expected error for invalid module")
	}
}

type countingHandler struct {
	calls int
}

func (c *countingHandler) Initiated(ctx context.Context, hc engine.HandlerContext) error {
	c.calls++
	return nil
}

func (c *countingHandler) Completed(ctx context.Context, hc engine.HandlerContext, success bool) error {
	return nil
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry("", zerolog.Nop())
	built := 0
	err := r.Register("counting", func(ctx context.Context, entry model.HandlerEntry) (engine.InstallHandler, error) {
		built++
		return &countingHandler{}, nil
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := r.Register("counting", nil); err == nil {
		t.Error("expected error for nil factory")
	}

	ctx := context.Background()
	a, err := r.Resolve(ctx, model.HandlerEntry{Name: "counting"})
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	b, _ := r.Resolve(ctx, model.HandlerEntry{Name: "counting"})
	if a != b || built != 1 {
		t.Errorf("expected a cached handler, built %d times", built)
	}
	if _, err := r.Resolve(ctx, model.HandlerEntry{Name: "counting", Library: "other"}); err != nil || built != 2 {
		t.Errorf("a different library should build a new handler, built %d, err %v", built, err)
	}
	if _, err := r.Resolve(ctx, model.HandlerEntry{Name: "unknown"}); err == nil {
		t.Error("expected error for unknown handler")
	}
	if err := r.Register("counting", func(context.Context, model.HandlerEntry) (engine.InstallHandler, error) { return nil, nil }); err == nil {
		t.Error("expected duplicate registration error")
	}
}

func TestRegistrySpecs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hook.star"), []byte("def initiated(ctx):\n    return None\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hook.wasm"), hookModule, 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(dir, zerolog.Nop())
	specs := []Spec{
		{Name: "script", Kind: KindStarlark, Source: "hook.star"},
		{Name: "binary", Kind: KindWASM, Source: "hook.wasm"},
	}
	for _, s := range specs {
		if err := r.RegisterSpec(s); err != nil {
			t.Fatalf("failed to register %s: %v", s.Name, err)
		}
	}
	if err := r.RegisterSpec(Spec{Name: "odd", Kind: "lua"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if got := r.Names(); len(got) != 2 || got[0] != "binary" || got[1] != "script" {
		t.Errorf("unexpected names %v", got)
	}

	ctx := context.Background()
	for _, name := range []string{"script", "binary"} {
		h, err := r.Resolve(ctx, model.HandlerEntry{Name: name})
		if err != nil {
			t.Fatalf("failed to resolve %s: %v", name, err)
		}
		if err := h.Initiated(ctx, testContext(engine.ActionConfigure)); err != nil {
			t.Errorf("%s initiated failed: %v", name, err)
		}
	}
	if _, err := r.Resolve(ctx, model.HandlerEntry{Name: "script", Library: "missing.star"}); err == nil {
		t.Error("expected error for missing library source")
	}
	if err := r.Close(ctx); err != nil {
		t.Errorf("close failed: %v", err)
	}
}
