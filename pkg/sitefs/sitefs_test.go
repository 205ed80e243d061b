package sitefs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/fetch"
	"github.com/openfroyo/siteconf/pkg/model"
)

const sampleFeature = `id: org.example.tools
version: 1.2.0
label: Example Tools
os: linux
handler:
  name: hook
plugins:
  - id: org.example.core
    version: 1.0.0
    downloadSize: 11
  - id: org.example.ui
    version: 2.0.0
    fragment: true
imports:
  - id: org.example.base
    version: 1.0.0
    match: equivalent
includes:
  - id: org.example.extra
    version: 1.0.0
    optional: true
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDecodeFeature(t *testing.T) {
	f, err := DecodeFeature(strings.NewReader(sampleFeature))
	if err != nil {
		t.Fatalf("DecodeFeature failed: %v", err)
	}
	if got := f.Identifier.String(); got != "org.example.tools_1.2.0" {
		t.Errorf("identifier = %s", got)
	}
	if f.Filters.OS != "linux" || f.Handler == nil || f.Handler.Name != "hook" {
		t.Errorf("unexpected filters/handler: %+v %+v", f.Filters, f.Handler)
	}
	plugins, err := f.Plugins()
	if err != nil {
		t.Fatalf("Plugins: %v", err)
	}
	if len(plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(plugins))
	}
	if plugins[0].DownloadSize != 11 || plugins[0].InstallSize != model.SizeUnknown {
		t.Errorf("sizes = %d/%d", plugins[0].DownloadSize, plugins[0].InstallSize)
	}
	if !plugins[1].Fragment {
		t.Error("second plugin should be a fragment")
	}
	imports, _ := f.Imports()
	if len(imports) != 1 || imports[0].Rule != model.MatchEquivalent {
		t.Errorf("imports = %+v", imports)
	}
	includes, _ := f.Includes()
	if len(includes) != 1 || !includes[0].Optional {
		t.Errorf("includes = %+v", includes)
	}
}

func TestDecodeFeatureInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", "id: [unterminated"},
		{"missing id", "version: 1.0.0\n"},
		{"bad plugin version", "id: a\nversion: 1.0.0\nplugins:\n  - id: p\n    version: x.y\n"},
		{"bad match rule", "id: a\nversion: 1.0.0\nimports:\n  - id: b\n    match: sideways\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeFeature(strings.NewReader(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEncodeFeatureRoundTrip(t *testing.T) {
	f, err := DecodeFeature(strings.NewReader(sampleFeature))
	if err != nil {
		t.Fatalf("DecodeFeature failed: %v", err)
	}
	var buf bytes.Buffer
	if err := EncodeFeature(&buf, f); err != nil {
		t.Fatalf("EncodeFeature failed: %v", err)
	}
	again, err := DecodeFeature(&buf)
	if err != nil {
		t.Fatalf("re-decode failed: %v", err)
	}
	if again.Identifier != f.Identifier || again.Label != f.Label {
		t.Errorf("round trip changed feature: %s %q", again.Identifier, again.Label)
	}
	plugins, _ := again.Plugins()
	if len(plugins) != 2 || plugins[1].DownloadSize != model.SizeUnknown {
		t.Errorf("plugins after round trip = %+v", plugins)
	}
}

func TestEncodeUnloadedFeature(t *testing.T) {
	f := model.NewFeature(model.MustIdentifier("a", "1.0.0"))
	if err := EncodeFeature(io.Discard, f); err == nil {
		t.Error("expected error for unloaded feature")
	}
}

func newLocalSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "features", "org.example.tools_1.2.0", FeatureManifest), sampleFeature)
	writeFile(t, filepath.Join(root, "features", "org.example.tools_1.2.0", "about.txt"), "about")
	writeFile(t, filepath.Join(root, "features", "org.example.broken_1.0.0", FeatureManifest), "id: [")
	writeFile(t, filepath.Join(root, "features", "not-an-id", FeatureManifest), "id: [")
	writeFile(t, filepath.Join(root, "plugins", "org.example.core_1.0.0.jar"), "core-binary")
	writeFile(t, filepath.Join(root, "plugins", "org.example.ui_2.0.0", "lib", "ui.so"), "ui")
	writeFile(t, filepath.Join(root, "plugins", "README"), "not a plugin")
	return root
}

func TestScanLocal(t *testing.T) {
	root := newLocalSite(t)
	site, err := NewScanner(zerolog.Nop(), nil).Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if site.URL != model.FileURL(root) {
		t.Errorf("URL = %s", site.URL)
	}

	tools, ok := site.FindFeature(model.MustIdentifier("org.example.tools", "1.2.0"))
	if !ok {
		t.Fatal("tools feature not found")
	}
	if !tools.IsLoaded() || tools.Path != "features/org.example.tools_1.2.0/" {
		t.Errorf("tools loaded=%v path=%s", tools.IsLoaded(), tools.Path)
	}
	broken, ok := site.FindFeature(model.MustIdentifier("org.example.broken", "1.0.0"))
	if !ok {
		t.Fatal("broken feature should be registered")
	}
	if broken.IsLoaded() {
		t.Error("broken feature should be unloaded")
	}
	if n := len(site.Features()); n != 2 {
		t.Errorf("expected 2 features, got %d", n)
	}

	for _, id := range []model.VersionedIdentifier{
		model.MustIdentifier("org.example.core", "1.0.0"),
		model.MustIdentifier("org.example.ui", "2.0.0"),
	} {
		if !site.HasPlugin(id) {
			t.Errorf("plugin %s missing", id)
		}
	}
	if n := len(site.Plugins()); n != 2 {
		t.Errorf("expected 2 plugins, got %d", n)
	}
}

func TestScanLocalSiteManifest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, SiteManifest), "categories: [tools]\narchives:\n  - id: plugins/x_1.0.0.jar\n    url: https://mirror.example.com/x.jar\n")
	site, err := NewScanner(zerolog.Nop(), nil).Scan(context.Background(), "file://"+root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(site.Categories) != 1 || site.Categories[0] != "tools" {
		t.Errorf("categories = %v", site.Categories)
	}
	if got := site.ArchiveLocator("plugins/x_1.0.0.jar"); got != "https://mirror.example.com/x.jar" {
		t.Errorf("archive locator = %s", got)
	}
}

func TestScanMissingSite(t *testing.T) {
	_, err := NewScanner(zerolog.Nop(), nil).Scan(context.Background(), filepath.Join(t.TempDir(), "absent"))
	if err == nil {
		t.Error("expected error for missing site")
	}
}

type mapFetcher map[string]string

func (m mapFetcher) Fetch(ctx context.Context, location string, offset int64) (*fetch.Artifact, error) {
	body, ok := m[location]
	if !ok {
		return nil, fmt.Errorf("%s: %w", location, fetch.ErrNotFound)
	}
	return &fetch.Artifact{Body: io.NopCloser(strings.NewReader(body[offset:])), Size: int64(len(body))}, nil
}

func TestScanRemote(t *testing.T) {
	base := "https://updates.example.com/site"
	fetcher := mapFetcher{
		base + "/site.yaml": `features:
  - id: org.example.tools
    version: 1.2.0
  - id: org.example.gone
    version: 1.0.0
  - id: org.example.liar
    version: 1.0.0
    path: custom/liar/
`,
		base + "/features/org.example.tools_1.2.0/feature.yaml": sampleFeature,
		base + "/custom/liar/feature.yaml":                      "id: org.example.other\nversion: 1.0.0\n",
	}
	site, err := NewScanner(zerolog.Nop(), fetcher).Scan(context.Background(), base+"/")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if site.URL != base {
		t.Errorf("URL = %s", site.URL)
	}
	tests := []struct {
		id     string
		loaded bool
		path   string
	}{
		{"org.example.tools", true, "features/org.example.tools_1.2.0/"},
		{"org.example.gone", false, "features/org.example.gone_1.0.0/"},
		{"org.example.liar", false, "custom/liar/"},
	}
	for _, tt := range tests {
		var f *model.Feature
		for _, candidate := range site.Features() {
			if candidate.Identifier.ID == tt.id {
				f = candidate
			}
		}
		if f == nil {
			t.Errorf("%s not registered", tt.id)
			continue
		}
		if f.IsLoaded() != tt.loaded || f.Path != tt.path {
			t.Errorf("%s: loaded=%v path=%s", tt.id, f.IsLoaded(), f.Path)
		}
	}
}

func TestScanRemoteWithoutFetcher(t *testing.T) {
	if _, err := NewScanner(zerolog.Nop(), nil).Scan(context.Background(), "https://updates.example.com"); err == nil {
		t.Error("expected error")
	}
}

func readAll(t *testing.T, a engine.Archive, offset int64) string {
	t.Helper()
	r, err := a.Open(context.Background(), offset)
	if err != nil {
		t.Fatalf("Open %s: %v", a.ID(), err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read %s: %v", a.ID(), err)
	}
	return string(b)
}

func scanFeature(t *testing.T, root string) (*model.Site, *model.Feature) {
	t.Helper()
	site, err := NewScanner(zerolog.Nop(), nil).Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	f, ok := site.FindFeature(model.MustIdentifier("org.example.tools", "1.2.0"))
	if !ok {
		t.Fatal("feature not found")
	}
	return site, f
}

func TestLocalSourceArchives(t *testing.T) {
	root := newLocalSite(t)
	site, f := scanFeature(t, root)
	provider, err := LocalSource{}.Provider(site)
	if err != nil {
		t.Fatalf("Provider failed: %v", err)
	}
	ctx := context.Background()

	featureArchives, err := provider.FeatureArchives(ctx, f)
	if err != nil {
		t.Fatalf("FeatureArchives: %v", err)
	}
	if len(featureArchives) != 1 || featureArchives[0].ID() != "features/org.example.tools_1.2.0/about.txt" {
		t.Fatalf("feature archives = %v", featureArchives)
	}

	plugins, _ := f.Plugins()
	packed, err := provider.PluginArchives(ctx, f, plugins[0])
	if err != nil {
		t.Fatalf("PluginArchives packed: %v", err)
	}
	if len(packed) != 1 || packed[0].ID() != "plugins/org.example.core_1.0.0.jar" || packed[0].Length() != 11 {
		t.Fatalf("packed archives = %v", packed)
	}
	if got := readAll(t, packed[0], 5); got != "binary" {
		t.Errorf("read at offset = %q", got)
	}

	unpacked, err := provider.PluginArchives(ctx, f, plugins[1])
	if err != nil {
		t.Fatalf("PluginArchives unpacked: %v", err)
	}
	if len(unpacked) != 1 || unpacked[0].ID() != "plugins/org.example.ui_2.0.0/lib/ui.so" {
		t.Fatalf("unpacked archives = %v", unpacked)
	}

	missing := model.NewPluginEntry(model.MustIdentifier("org.example.none", "1.0.0"))
	if _, err := provider.PluginArchives(ctx, f, missing); err == nil {
		t.Error("expected error for plugin without content")
	}
}

func TestLocalSourceRejectsRemote(t *testing.T) {
	if _, err := (LocalSource{}).Provider(model.NewSite("https://updates.example.com")); err == nil {
		t.Error("expected error for remote site")
	}
}

func TestDirStoreInstall(t *testing.T) {
	src := newLocalSite(t)
	site, f := scanFeature(t, src)
	provider, _ := LocalSource{}.Provider(site)
	ctx := context.Background()

	target := t.TempDir()
	store := NewDirStore(target, zerolog.Nop())
	w, err := store.Begin(ctx, f)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	plugins, _ := f.Plugins()
	for _, p := range plugins {
		archives, err := provider.PluginArchives(ctx, f, p)
		if err != nil {
			t.Fatalf("PluginArchives: %v", err)
		}
		for _, a := range archives {
			r, _ := a.Open(ctx, 0)
			if err := w.StorePlugin(ctx, p, a, r); err != nil {
				t.Fatalf("StorePlugin: %v", err)
			}
			r.Close()
		}
	}
	archives, _ := provider.FeatureArchives(ctx, f)
	for _, a := range archives {
		r, _ := a.Open(ctx, 0)
		if err := w.StoreFeature(ctx, a, r); err != nil {
			t.Fatalf("StoreFeature: %v", err)
		}
		r.Close()
	}

	if _, err := os.Stat(filepath.Join(target, "features")); !os.IsNotExist(err) {
		t.Error("content visible before commit")
	}

	installed, err := w.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if installed.Identifier != f.Identifier || !installed.IsLoaded() {
		t.Errorf("installed = %s loaded=%v", installed.Identifier, installed.IsLoaded())
	}
	for _, rel := range []string{
		"plugins/org.example.core_1.0.0.jar",
		"plugins/org.example.ui_2.0.0/lib/ui.so",
		"features/org.example.tools_1.2.0/about.txt",
		"features/org.example.tools_1.2.0/feature.yaml",
	} {
		if _, err := os.Stat(filepath.Join(target, filepath.FromSlash(rel))); err != nil {
			t.Errorf("%s missing after commit: %v", rel, err)
		}
	}
	staged, _ := os.ReadDir(filepath.Join(target, stagingDir))
	if len(staged) != 0 {
		t.Errorf("staging directory not cleaned: %d entries", len(staged))
	}

	rescanned, err := NewScanner(zerolog.Nop(), nil).Scan(ctx, target)
	if err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	if _, ok := rescanned.FindFeature(f.Identifier); !ok {
		t.Error("installed feature not found on rescan")
	}
	if len(rescanned.Plugins()) != 2 {
		t.Errorf("expected 2 plugins on rescan, got %d", len(rescanned.Plugins()))
	}

	if err := store.Delete(ctx, installed, plugins); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	after, _ := NewScanner(zerolog.Nop(), nil).Scan(ctx, target)
	if len(after.Features()) != 0 || len(after.Plugins()) != 0 {
		t.Errorf("content left after delete: %d features, %d plugins", len(after.Features()), len(after.Plugins()))
	}
}

type stringArchive struct {
	id, body string
}

func (a stringArchive) ID() string    { return a.id }
func (a stringArchive) Length() int64 { return int64(len(a.body)) }
func (a stringArchive) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(a.body[offset:])), nil
}

func TestDirStoreAbort(t *testing.T) {
	f, _ := DecodeFeature(strings.NewReader(sampleFeature))
	target := t.TempDir()
	store := NewDirStore(target, zerolog.Nop())
	ctx := context.Background()

	w, err := store.Begin(ctx, f)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	p := model.NewPluginEntry(model.MustIdentifier("org.example.core", "1.0.0"))
	a := stringArchive{id: p.ArchiveID(), body: "core"}
	if err := w.StorePlugin(ctx, p, a, strings.NewReader(a.body)); err != nil {
		t.Fatalf("StorePlugin: %v", err)
	}
	if err := w.Abort(ctx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "plugins")); !os.IsNotExist(err) {
		t.Error("aborted content reached the site")
	}
	if _, err := w.Commit(ctx); err == nil {
		t.Error("commit after abort should fail")
	}
}

func TestDirStoreContainsEscapingIDs(t *testing.T) {
	f, _ := DecodeFeature(strings.NewReader(sampleFeature))
	store := NewDirStore(t.TempDir(), zerolog.Nop())
	ctx := context.Background()
	w, _ := store.Begin(ctx, f)
	defer w.Abort(ctx)

	a := stringArchive{id: "features/org.example.tools_1.2.0/../../../../etc/passwd", body: "x"}
	if err := w.StoreFeature(ctx, a, strings.NewReader(a.body)); err != nil {
		t.Fatalf("StoreFeature should keep escaping ids inside the feature: %v", err)
	}
}

func TestTargets(t *testing.T) {
	p := model.NewPluginEntry(model.MustIdentifier("org.example.core", "1.0.0"))
	id := model.MustIdentifier("org.example.tools", "1.2.0")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"packed plugin", pluginTarget(p, "plugins/org.example.core_1.0.0.jar"), "plugins/org.example.core_1.0.0.jar"},
		{"unpacked plugin", pluginTarget(p, "plugins/org.example.core_1.0.0/lib/a.so"), "plugins/org.example.core_1.0.0/lib/a.so"},
		{"foreign plugin id", pluginTarget(p, "mirror/core.bin"), "plugins/org.example.core_1.0.0/core.bin"},
		{"feature file", featureTarget(id, "features/org.example.tools_1.2.0/about.txt"), "features/org.example.tools_1.2.0/about.txt"},
		{"remote feature archive", featureTarget(id, "features/org.example.tools_1.2.0.jar"), "features/org.example.tools_1.2.0/org.example.tools_1.2.0.jar"},
		{"escaping feature id", featureTarget(id, "features/org.example.tools_1.2.0/../../x"), "features/org.example.tools_1.2.0/x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %s, want %s", tt.got, tt.want)
			}
		})
	}
}

func TestScratchStage(t *testing.T) {
	ctx := context.Background()
	area, err := ScratchProvider{Base: t.TempDir()}.NewScratch(ctx)
	if err != nil {
		t.Fatalf("NewScratch failed: %v", err)
	}
	staged, err := area.Stage(ctx, stringArchive{id: "plugins/a_1.0.0.jar", body: "payload"})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if staged.ID() != "plugins/a_1.0.0.jar" || staged.Length() != 7 {
		t.Errorf("staged = %s/%d", staged.ID(), staged.Length())
	}
	if got := readAll(t, staged, 3); got != "load" {
		t.Errorf("staged read = %q", got)
	}
	if err := area.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(area.Path()); !os.IsNotExist(err) {
		t.Error("scratch area not removed")
	}
}

type shortArchive struct{ stringArchive }

func (a shortArchive) Length() int64 { return int64(len(a.body)) + 10 }

func TestScratchStageShortRead(t *testing.T) {
	ctx := context.Background()
	area, err := ScratchProvider{Base: t.TempDir()}.NewScratch(ctx)
	if err != nil {
		t.Fatalf("NewScratch failed: %v", err)
	}
	defer area.Remove()
	if _, err := area.Stage(ctx, shortArchive{stringArchive{id: "a", body: "abc"}}); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestChangeStamp(t *testing.T) {
	root := newLocalSite(t)
	before, err := ChangeStamp(root)
	if err != nil {
		t.Fatalf("ChangeStamp failed: %v", err)
	}
	again, _ := ChangeStamp(root)
	if before != again {
		t.Errorf("stamp not stable: %d vs %d", before, again)
	}

	manifest := filepath.Join(root, "features", "org.example.tools_1.2.0", FeatureManifest)
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(manifest, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	after, _ := ChangeStamp(root)
	if after == before {
		t.Error("stamp unchanged after touching a manifest")
	}

	empty, err := ChangeStamp(t.TempDir())
	if err != nil || empty != 0 {
		t.Errorf("empty site stamp = %d, %v", empty, err)
	}
}

func TestSitesStampSkipsRemote(t *testing.T) {
	root := newLocalSite(t)
	local, _ := ChangeStamp(root)
	combined, err := SitesStamp([]string{root, "https://updates.example.com"})
	if err != nil {
		t.Fatalf("SitesStamp failed: %v", err)
	}
	if combined != local {
		t.Errorf("combined = %d, want %d", combined, local)
	}
}

func TestUpdatable(t *testing.T) {
	dir := t.TempDir()
	if !IsWritable(dir) || !IsUpdatable(dir) {
		t.Error("temp dir should be writable")
	}
	if IsUpdatable("https://updates.example.com") {
		t.Error("remote sites are never updatable")
	}
	if IsWritable(filepath.Join(dir, "absent")) {
		t.Error("missing dir should not be writable")
	}
	if IsProductSite(dir) {
		t.Error("no marker yet")
	}
	writeFile(t, filepath.Join(dir, ProductMarker), "")
	if !IsProductSite(dir) {
		t.Error("marker not detected")
	}
}
