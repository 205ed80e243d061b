package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyVersionRego = `# Rejects version 9.
# Used by tests.
package site.version

import rego.v1

deny contains msg if {
	input.feature.version == "9.0.0"
	msg := "version 9 is blocked"
}`

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block-nine.rego")
	writePolicy(t, path, denyVersionRego)

	p, err := loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Name != "block-nine" {
		t.Errorf("Expected name 'block-nine', got '%s'", p.Name)
	}
	if p.Description != "Rejects version 9. Used by tests." {
		t.Errorf("description = %q", p.Description)
	}
	if !p.Enabled || p.Severity != SeverityError || p.Source != path {
		t.Errorf("unexpected policy defaults: %+v", p)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	writePolicy(t, path, `{"rego": "package a\n", "enabled": true, "severity": "warning"}`)

	p, err := loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Name != "fallback" || p.Severity != SeverityWarning || !p.Enabled {
		t.Errorf("unexpected policy: %+v", p)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported type", "policy.txt", "x"},
		{"invalid json", "policy.json", "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writePolicy(t, path, tt.content)
			if _, err := loadFromFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := loadFromFile(filepath.Join(dir, "missing.rego")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "a.rego"), denyVersionRego)
	writePolicy(t, filepath.Join(dir, "nested", "b.rego"), denyVersionRego)
	writePolicy(t, filepath.Join(dir, "nested", "broken.json"), "{")
	writePolicy(t, filepath.Join(dir, "README.md"), "ignored")
	single := filepath.Join(t.TempDir(), "c.rego")
	writePolicy(t, single, denyVersionRego)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 3 {
		t.Fatalf("expected 3 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "absent")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestWatchReloadsEngine(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "seed.rego"), "package seed\n\nimport rego.v1\n\ndeny contains msg if { false; msg := \"x\" }")

	loader := NewLoader(zerolog.Nop())
	loader.reloadDelay = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	if err := loader.WatchFunc(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("WatchFunc failed: %v", err)
	}
	defer loader.StopWatching()

	writePolicy(t, filepath.Join(dir, "block-nine.rego"), denyVersionRego)

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered")
	}
}

func TestWatchAppliesToEngine(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t)
	loader := NewLoader(zerolog.Nop())
	loader.reloadDelay = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loader.Watch(ctx, eng, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.StopWatching()

	writePolicy(t, filepath.Join(dir, "block-nine.rego"), denyVersionRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("block-nine"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("engine never picked up the new policy")
}
