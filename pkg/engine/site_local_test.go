package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/siteconf/pkg/model"
)

// steppingClock returns a Runtime clock advancing one minute per call.
func steppingClock() func() time.Time {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
}

func newTestLocal(t *testing.T, max int) (*SiteLocal, *mockStore, *model.Site) {
	t.Helper()
	rt := NewRuntime()
	rt.Clock = steppingClock()
	store := newMockStore()
	site := newTestSite("file:///opt/app")
	local := NewSiteLocal(rt, store, SiteMap{Sites: []*model.Site{site}}, WithLabel("workstation"), WithMaxHistory(max))
	return local, store, site
}

func addSnapshot(t *testing.T, local *SiteLocal, site *model.Site, label string) *InstallConfiguration {
	t.Helper()
	cfg := local.CloneCurrentConfiguration(label)
	if cfg.Site(site.URL) == nil {
		if err := cfg.AddConfiguredSite(NewConfiguredSite(site, PolicyInclude)); err != nil {
			t.Fatalf("failed to add site: %v", err)
		}
	}
	if err := local.AddConfiguration(context.Background(), cfg); err != nil {
		t.Fatalf("failed to add configuration %s: %v", label, err)
	}
	return cfg
}

func labels(history []*InstallConfiguration) []string {
	out := make([]string, len(history))
	for i, c := range history {
		out[i] = c.Label()
	}
	return out
}

func TestAddConfigurationBoundsHistory(t *testing.T) {
	local, store, site := newTestLocal(t, 3)

	var added []*InstallConfiguration
	for _, l := range []string{"c1", "c2", "c3", "c4", "c5"} {
		added = append(added, addSnapshot(t, local, site, l))
		if n := len(local.History()); n > 3 {
			t.Fatalf("history length %d exceeds bound", n)
		}
	}

	got := labels(local.History())
	want := []string{"c3", "c4", "c5"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
	for _, evicted := range added[:2] {
		if _, ok := store.snapshots[evicted.Location()]; ok {
			t.Errorf("evicted snapshot %s still stored", evicted.Label())
		}
	}
	if len(store.index.Snapshots) != 3 {
		t.Errorf("expected index of 3 snapshots, got %v", store.index.Snapshots)
	}
}

func TestCurrentIsExclusive(t *testing.T) {
	local, _, site := newTestLocal(t, 5)
	first := addSnapshot(t, local, site, "c1")
	second := addSnapshot(t, local, site, "c2")

	if first.IsCurrent() {
		t.Error("previous snapshot must lose the current flag")
	}
	if !second.IsCurrent() || local.Current() != second {
		t.Error("newest snapshot must be current")
	}
	if !first.IsSealed() || !second.IsSealed() {
		t.Error("history snapshots must be sealed")
	}
	if err := local.AddConfiguration(context.Background(), second); !IsPolicyViolation(err) {
		t.Errorf("re-adding a sealed snapshot should be rejected, got %v", err)
	}
}

func TestPreservedSnapshotsSurviveEviction(t *testing.T) {
	ctx := context.Background()
	local, store, site := newTestLocal(t, 3)

	c1 := addSnapshot(t, local, site, "c1")
	if err := local.Preserve(ctx, c1.Location()); err != nil {
		t.Fatalf("preserve failed: %v", err)
	}
	for _, l := range []string{"c2", "c3", "c4"} {
		addSnapshot(t, local, site, l)
	}

	got := labels(local.History())
	want := []string{"c1", "c3", "c4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if len(store.index.Preserved) != 1 || store.index.Preserved[0] != c1.Location() {
		t.Errorf("expected c1 preserved in index, got %v", store.index.Preserved)
	}

	if err := local.Unpreserve(ctx, c1.Location()); err != nil {
		t.Fatalf("unpreserve failed: %v", err)
	}
	addSnapshot(t, local, site, "c5")
	got = labels(local.History())
	if got[0] != "c3" {
		t.Errorf("unpreserved snapshot should be evicted first, got %v", got)
	}
}

func TestPreserveRecordsActivity(t *testing.T) {
	ctx := context.Background()
	local, store, site := newTestLocal(t, 3)
	c1 := addSnapshot(t, local, site, "c1")
	c2 := addSnapshot(t, local, site, "c2")

	if err := local.Preserve(ctx, c1.Location()); err != nil {
		t.Fatalf("preserve failed: %v", err)
	}
	acts := c2.Activities()
	if len(acts) != 1 || acts[0].Action != ActivityPreserve || acts[0].Label != "c1" {
		t.Errorf("expected preserve activity on current, got %v", acts)
	}
	if rec := store.snapshots[c2.Location()]; len(rec.Activities) != 1 {
		t.Errorf("preserve activity should be persisted, got %v", rec.Activities)
	}
}

func TestPreserveLimit(t *testing.T) {
	ctx := context.Background()
	local, _, site := newTestLocal(t, 2)
	c1 := addSnapshot(t, local, site, "c1")
	c2 := addSnapshot(t, local, site, "c2")

	if err := local.Preserve(ctx, c1.Location()); err != nil {
		t.Fatalf("first preserve failed: %v", err)
	}
	err := local.Preserve(ctx, c2.Location())
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeHistoryFull {
		t.Errorf("expected preserve limit error, got %v", err)
	}
	if err := local.Preserve(ctx, "missing"); !IsPolicyViolation(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAddConfigurationIndexFailure(t *testing.T) {
	local, store, site := newTestLocal(t, 3)
	prev := addSnapshot(t, local, site, "c1")

	store.failIndex = errors.New("disk full")
	cfg := local.CloneCurrentConfiguration("c2")
	err := local.AddConfiguration(context.Background(), cfg)
	if !errors.Is(err, ErrSaveFailed) {
		t.Fatalf("expected ErrSaveFailed, got %v", err)
	}
	if local.Current() != prev || !prev.IsCurrent() {
		t.Error("current must be unchanged after a failed save")
	}
	if len(local.History()) != 1 {
		t.Error("history must be unchanged after a failed save")
	}
	if _, ok := store.snapshots[cfg.Location()]; ok {
		t.Error("orphaned snapshot should be deleted")
	}
}

func TestListenersNotified(t *testing.T) {
	local, _, site := newTestLocal(t, 3)
	var seen []string
	local.AddListener(func(c *InstallConfiguration) { seen = append(seen, c.Label()) })

	addSnapshot(t, local, site, "c1")
	addSnapshot(t, local, site, "c2")
	if len(seen) != 2 || seen[1] != "c2" {
		t.Errorf("expected listener calls for c1 and c2, got %v", seen)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	local, store, site := newTestLocal(t, 4)
	f := newTestFeature(t, site, "feat", "1.0.0")
	g := newTestFeature(t, site, "other", "2.0.0")

	addSnapshot(t, local, site, "c1")
	cfg := local.CloneCurrentConfiguration("c2")
	cs := cfg.Site(site.URL)
	if err := cs.Policy().Configure(ctx, f, false); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	cs.Policy().Unconfigure(ctx, g, false)
	if err := local.AddConfiguration(ctx, cfg); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := local.Preserve(ctx, local.History()[0].Location()); err != nil {
		t.Fatalf("preserve failed: %v", err)
	}
	if err := local.SetLastSeenStamp(ctx, 42); err != nil {
		t.Fatalf("set stamp failed: %v", err)
	}

	reloaded := NewSiteLocal(NewRuntime(), store, SiteMap{Sites: []*model.Site{site}})
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if reloaded.Label() != "workstation" || reloaded.MaxHistory() != 4 || reloaded.LastSeenStamp() != 42 {
		t.Errorf("index fields not restored: %q %d %d", reloaded.Label(), reloaded.MaxHistory(), reloaded.LastSeenStamp())
	}
	if got := labels(reloaded.History()); len(got) != 2 || got[1] != "c2" {
		t.Fatalf("expected [c1 c2], got %v", got)
	}
	if !reloaded.IsPreserved(reloaded.History()[0].Location()) {
		t.Error("preserved flag not restored")
	}

	current := reloaded.Current()
	if !current.IsCurrent() || !current.IsSealed() {
		t.Error("reloaded current must be current and sealed")
	}
	rcs := current.Site(site.URL)
	if rcs == nil {
		t.Fatal("site missing after reload")
	}
	if !rcs.IsConfigured(f) || !rcs.Policy().IsUnconfigured(rcs.Ref(g)) {
		t.Error("policy not restored")
	}

	acts := current.Activities()
	orig := cfg.Activities()
	if len(acts) != len(orig) {
		t.Fatalf("expected %d activities, got %d", len(orig), len(acts))
	}
	for i := range acts {
		if acts[i].Action != orig[i].Action || acts[i].Date.UnixMilli() != orig[i].Date.UnixMilli() {
			t.Errorf("activity %d differs: %v vs %v", i, acts[i], orig[i])
		}
	}
}

func TestLoadEmpty(t *testing.T) {
	local := NewSiteLocal(NewRuntime(), newMockStore(), nil)
	if err := local.Load(context.Background()); err != nil {
		t.Fatalf("load of empty store failed: %v", err)
	}
	if local.Current() != nil || len(local.History()) != 0 {
		t.Error("expected empty history")
	}
	if local.MaxHistory() != DefaultMaxHistory {
		t.Errorf("expected default bound %d, got %d", DefaultMaxHistory, local.MaxHistory())
	}
}

func TestRevertTo(t *testing.T) {
	ctx := context.Background()
	local, _, site := newTestLocal(t, 10)
	extra := newTestSite("file:///opt/extra")
	f1 := newTestFeature(t, site, "f1", "1.0.0")
	f2 := newTestFeature(t, site, "f2", "1.0.0")
	gone := newTestFeature(t, site, "gone", "1.0.0")
	f3 := newTestFeature(t, extra, "f3", "1.0.0")

	a := local.CloneCurrentConfiguration("A")
	acs := NewConfiguredSite(site, PolicyInclude)
	if err := a.AddConfiguredSite(acs); err != nil {
		t.Fatal(err)
	}
	acs.Policy().addConfigured(acs.Ref(f1))
	acs.Policy().addConfigured(acs.Ref(gone))
	acs.Policy().addUnconfigured(acs.Ref(f2))
	if err := local.AddConfiguration(ctx, a); err != nil {
		t.Fatal(err)
	}

	late := newTestFeature(t, site, "late", "1.0.0")
	idle := newTestFeature(t, extra, "idle", "1.0.0")

	b := local.CloneCurrentConfiguration("B")
	bcs := b.Site(site.URL)
	bcs.Policy().addUnconfigured(bcs.Ref(f1))
	bcs.Policy().addConfigured(bcs.Ref(f2))
	bcs.Policy().addConfigured(bcs.Ref(late))
	ecs := NewConfiguredSite(extra, PolicyInclude)
	if err := b.AddConfiguredSite(ecs); err != nil {
		t.Fatal(err)
	}
	ecs.Policy().addConfigured(ecs.Ref(f3))
	if err := local.AddConfiguration(ctx, b); err != nil {
		t.Fatal(err)
	}

	site.RemoveFeature(site.FeatureReferences()[2])

	first, err := local.RevertTo(ctx, a, "")
	if err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	rcs := first.Site(site.URL)
	if !rcs.IsConfigured(f1) || rcs.IsConfigured(f2) {
		t.Error("target policy not restored")
	}
	if rcs.Policy().IsConfigured(rcs.Ref(gone)) {
		t.Error("features that no longer exist must be dropped")
	}
	if rcs.IsConfigured(late) || !rcs.Policy().IsUnconfigured(rcs.Ref(late)) {
		t.Error("features added after the target must be unconfigured")
	}
	rext := first.Site(extra.URL)
	if rext == nil {
		t.Fatal("sites absent from the target must be kept")
	}
	if rext.IsConfigured(f3) || !rext.Policy().IsUnconfigured(rext.Ref(f3)) {
		t.Error("features of sites absent from the target must be unconfigured")
	}
	if !rext.Policy().IsUnconfigured(rext.Ref(idle)) {
		t.Error("every catalog feature of a site absent from the target must be unconfigured")
	}
	if got := labels(local.History()); len(got) != 3 || got[1] != "B" {
		t.Errorf("revert must be additive, history %v", got)
	}
	acts := first.Activities()
	if len(acts) != 1 || acts[0].Action != ActivityRevert {
		t.Errorf("expected revert activity, got %v", acts)
	}

	second, err := local.RevertTo(ctx, a, "")
	if err != nil {
		t.Fatalf("second revert failed: %v", err)
	}
	if !first.Equivalent(second) {
		t.Error("reverting twice must yield equivalent configurations")
	}
}

func TestAcceptDelta(t *testing.T) {
	ctx := context.Background()
	local, store, site := newTestLocal(t, 5)
	f := newTestFeature(t, site, "found", "1.0.0")
	addSnapshot(t, local, site, "c1")

	res := &ReconcileResult{}
	cs := local.Current().Site(site.URL)
	res.NewFeatures = []SiteFeature{{Site: cs, Feature: f}}
	delta := newDelta(local.Runtime(), res.NewFeatures)
	if err := local.SaveDelta(ctx, delta); err != nil {
		t.Fatal(err)
	}

	next, err := local.AcceptDelta(ctx, delta.ID)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if !next.Site(site.URL).IsConfigured(f) {
		t.Error("delta feature should be configured")
	}
	if len(store.deltas) != 0 {
		t.Error("accepted delta should be deleted")
	}
	if _, err := local.AcceptDelta(ctx, "unknown"); !IsPolicyViolation(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
