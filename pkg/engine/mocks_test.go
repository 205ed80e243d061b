package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/stores"
)

// Test fixtures

func pe(id, version string) model.PluginEntry {
	return model.NewPluginEntry(model.MustIdentifier(id, version))
}

func newTestFeature(t *testing.T, site *model.Site, id, version string, plugins ...model.PluginEntry) *model.Feature {
	t.Helper()
	return newTestFeatureData(t, site, id, version, model.FeatureData{Plugins: plugins})
}

func newTestFeatureData(t *testing.T, site *model.Site, id, version string, data model.FeatureData) *model.Feature {
	t.Helper()
	f := model.NewLoadedFeature(model.MustIdentifier(id, version), data)
	if site != nil {
		if err := site.AddFeature(f); err != nil {
			t.Fatalf("failed to add feature: %v", err)
		}
	}
	return f
}

func newTestSite(url string, plugins ...model.PluginEntry) *model.Site {
	s := model.NewSite(url)
	for _, p := range plugins {
		s.AddPlugin(p)
	}
	return s
}

// newTestConfig builds an unsealed snapshot with the given sites attached.
func newTestConfig(t *testing.T, rt *Runtime, sites ...*ConfiguredSite) *InstallConfiguration {
	t.Helper()
	cfg := NewInstallConfiguration(rt, "test", time.Unix(1700000000, 0))
	for _, cs := range sites {
		if err := cfg.AddConfiguredSite(cs); err != nil {
			t.Fatalf("failed to add site: %v", err)
		}
	}
	return cfg
}

// Mock implementations for testing

type mockStore struct {
	index        *stores.Index
	snapshots    map[string]*stores.SnapshotRecord
	deltas       map[string]*stores.DeltaRecord
	failSnapshot error
	failIndex    error
	failDelta    error
	deleted      []string
}

func newMockStore() *mockStore {
	return &mockStore{
		snapshots: make(map[string]*stores.SnapshotRecord),
		deltas:    make(map[string]*stores.DeltaRecord),
	}
}

func (m *mockStore) Init(ctx context.Context) error        { return nil }
func (m *mockStore) Close() error                          { return nil }
func (m *mockStore) Migrate(ctx context.Context) error     { return nil }
func (m *mockStore) HealthCheck(ctx context.Context) error { return nil }

func (m *mockStore) LoadIndex(ctx context.Context) (*stores.Index, error) {
	if m.index == nil {
		return nil, stores.ErrNotFound
	}
	idx := *m.index
	return &idx, nil
}

func (m *mockStore) SaveIndex(ctx context.Context, index *stores.Index) error {
	if m.failIndex != nil {
		return m.failIndex
	}
	idx := *index
	m.index = &idx
	return nil
}

func (m *mockStore) LoadSnapshot(ctx context.Context, location string) (*stores.SnapshotRecord, error) {
	rec, ok := m.snapshots[location]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return rec, nil
}

func (m *mockStore) SaveSnapshot(ctx context.Context, record *stores.SnapshotRecord) error {
	if m.failSnapshot != nil {
		return m.failSnapshot
	}
	m.snapshots[record.Location] = record
	return nil
}

func (m *mockStore) DeleteSnapshot(ctx context.Context, location string) error {
	delete(m.snapshots, location)
	m.deleted = append(m.deleted, location)
	return nil
}

func (m *mockStore) SaveDelta(ctx context.Context, delta *stores.DeltaRecord) error {
	if m.failDelta != nil {
		return m.failDelta
	}
	m.deltas[delta.ID] = delta
	return nil
}

func (m *mockStore) ListDeltas(ctx context.Context) ([]*stores.DeltaRecord, error) {
	out := make([]*stores.DeltaRecord, 0, len(m.deltas))
	for _, d := range m.deltas {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) DeleteDelta(ctx context.Context, id string) error {
	if _, ok := m.deltas[id]; !ok {
		return stores.ErrNotFound
	}
	delete(m.deltas, id)
	return nil
}

type mockArchive struct {
	id   string
	data []byte
}

func (a *mockArchive) ID() string    { return a.id }
func (a *mockArchive) Length() int64 { return int64(len(a.data)) }

func (a *mockArchive) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(a.data[offset:])), nil
}

// mockContent serves one archive per plugin and one for the feature itself.
type mockContent struct {
	opened []string
}

func (m *mockContent) Provider(site *model.Site) (ContentProvider, error) {
	return m, nil
}

func (m *mockContent) FeatureArchives(ctx context.Context, f *model.Feature) ([]Archive, error) {
	return []Archive{&mockArchive{id: f.Path + "feature.yaml", data: []byte("id: " + f.Identifier.ID)}}, nil
}

func (m *mockContent) PluginArchives(ctx context.Context, f *model.Feature, p model.PluginEntry) ([]Archive, error) {
	return []Archive{&mockArchive{id: p.ArchiveID(), data: []byte(p.Identifier.String())}}, nil
}

type mockContentStore struct {
	writers     []*mockWriter
	failOnStore int
	onStore     func(p model.PluginEntry)
	deleted     []model.PluginEntry
	deleteErr   error
}

func (m *mockContentStore) Begin(ctx context.Context, f *model.Feature) (FeatureWriter, error) {
	w := &mockWriter{failOn: m.failOnStore, onStore: m.onStore}
	m.writers = append(m.writers, w)
	return w, nil
}

func (m *mockContentStore) Delete(ctx context.Context, f *model.Feature, plugins []model.PluginEntry) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, plugins...)
	return nil
}

func (m *mockContentStore) last() *mockWriter {
	if len(m.writers) == 0 {
		return nil
	}
	return m.writers[len(m.writers)-1]
}

type mockWriter struct {
	plugins   []model.VersionedIdentifier
	features  []string
	failOn    int
	onStore   func(p model.PluginEntry)
	stores    int
	committed bool
	aborted   bool
}

func (w *mockWriter) StorePlugin(ctx context.Context, p model.PluginEntry, a Archive, r io.Reader) error {
	w.stores++
	if w.failOn > 0 && w.stores == w.failOn {
		return errors.New("connection reset")
	}
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	w.plugins = append(w.plugins, p.Identifier)
	if w.onStore != nil {
		w.onStore(p)
	}
	return nil
}

func (w *mockWriter) StoreFeature(ctx context.Context, a Archive, r io.Reader) error {
	w.features = append(w.features, a.ID())
	return nil
}

func (w *mockWriter) Commit(ctx context.Context) (*model.Feature, error) {
	w.committed = true
	return nil, nil
}

func (w *mockWriter) Abort(ctx context.Context) error {
	w.aborted = true
	return nil
}

// mockScratch stages into real temporary directories so removal is observable.
type mockScratch struct {
	base  string
	paths []string
}

func (m *mockScratch) NewScratch(ctx context.Context) (ScratchArea, error) {
	dir, err := os.MkdirTemp(m.base, "scratch-")
	if err != nil {
		return nil, err
	}
	m.paths = append(m.paths, dir)
	return &mockScratchArea{dir: dir}, nil
}

type mockScratchArea struct {
	dir string
}

func (s *mockScratchArea) Path() string  { return s.dir }
func (s *mockScratchArea) Remove() error { return os.RemoveAll(s.dir) }

func (s *mockScratchArea) Stage(ctx context.Context, a Archive) (Archive, error) {
	r, err := a.Open(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	name := filepath.Join(s.dir, filepath.Base(a.ID()))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return nil, err
	}
	return &mockArchive{id: a.ID(), data: data}, nil
}

type mockHandler struct {
	calls        []string
	initErr      error
	completedErr error
}

func (h *mockHandler) Initiated(ctx context.Context, hc HandlerContext) error {
	h.calls = append(h.calls, fmt.Sprintf("%s:initiated", hc.Action))
	return h.initErr
}

func (h *mockHandler) Completed(ctx context.Context, hc HandlerContext, success bool) error {
	h.calls = append(h.calls, fmt.Sprintf("%s:completed:%t", hc.Action, success))
	return h.completedErr
}

type mockResolver struct {
	handlers map[string]InstallHandler
}

func (r *mockResolver) Resolve(ctx context.Context, entry model.HandlerEntry) (InstallHandler, error) {
	h, ok := r.handlers[entry.Name]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", entry.Name)
	}
	return h, nil
}

type mockVerifier struct {
	reject string
	seen   []string
}

func (v *mockVerifier) Verify(ctx context.Context, f *model.Feature, a Archive) (Verdict, error) {
	v.seen = append(v.seen, a.ID())
	if a.ID() == v.reject {
		return Verdict{Accepted: false, Reason: "untrusted signer"}, nil
	}
	return Verdict{Accepted: true}, nil
}
