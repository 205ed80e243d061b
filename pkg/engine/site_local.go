package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/stores"
)

// DefaultMaxHistory is the history bound used when none is configured.
const DefaultMaxHistory = 10

// Listener is notified, on the mutating goroutine, when the current
// snapshot changes. It runs with the history locked and must not call back
// into the SiteLocal.
type Listener func(current *InstallConfiguration)

// LocalOption configures a SiteLocal.
type LocalOption func(*SiteLocal)

// WithLabel sets the history label.
func WithLabel(label string) LocalOption {
	return func(sl *SiteLocal) { sl.label = label }
}

// WithMaxHistory sets the history bound. Values below 1 are ignored.
func WithMaxHistory(n int) LocalOption {
	return func(sl *SiteLocal) {
		if n > 0 {
			sl.maxHistory = n
		}
	}
}

// SiteLocal owns the bounded snapshot history. History, current pointer,
// preserved set and listener notification change only under mu.
type SiteLocal struct {
	mu         sync.Mutex
	rt         *Runtime
	store      stores.Store
	source     SiteSource
	label      string
	maxHistory int
	history    []*InstallConfiguration
	preserved  map[string]bool
	lastSeen   int64
	listeners  []Listener
}

// NewSiteLocal creates an empty history backed by store.
func NewSiteLocal(rt *Runtime, store stores.Store, source SiteSource, opts ...LocalOption) *SiteLocal {
	sl := &SiteLocal{
		rt:         rt,
		store:      store,
		source:     source,
		maxHistory: DefaultMaxHistory,
		preserved:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(sl)
	}
	return sl
}

// Label returns the history label.
func (sl *SiteLocal) Label() string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.label
}

// MaxHistory returns the history bound.
func (sl *SiteLocal) MaxHistory() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.maxHistory
}

// Runtime returns the runtime snapshots are created with.
func (sl *SiteLocal) Runtime() *Runtime { return sl.rt }

// Load reads the index and every snapshot it lists. A missing index leaves
// the history empty. Snapshots that cannot be found are skipped.
func (sl *SiteLocal) Load(ctx context.Context) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	log := sl.rt.logger()
	idx, err := sl.store.LoadIndex(ctx)
	if errors.Is(err, stores.ErrNotFound) {
		log.Debug().Msg("No history index, starting empty")
		return nil
	}
	if err != nil {
		return NewTransientError("failed to load history index", err)
	}
	if idx.Label != "" {
		sl.label = idx.Label
	}
	if idx.HistoryBound > 0 {
		sl.maxHistory = idx.HistoryBound
	}
	sl.lastSeen = idx.ChangeStamp

	var history []*InstallConfiguration
	for _, loc := range idx.Snapshots {
		rec, err := sl.store.LoadSnapshot(ctx, loc)
		if errors.Is(err, stores.ErrNotFound) {
			log.Warn().Str("snapshot", loc).Msg("Snapshot listed in index is missing, skipping")
			continue
		}
		if err != nil {
			return NewTransientError("failed to load snapshot", err).WithResource(loc)
		}
		cfg, err := fromRecord(sl.rt, rec, sl.source)
		if err != nil {
			log.Warn().Err(err).Str("snapshot", loc).Msg("Skipping malformed snapshot")
			continue
		}
		cfg.location = loc
		cfg.sealed = true
		history = append(history, cfg)
	}

	preserved := make(map[string]bool)
	for _, loc := range idx.Preserved {
		for _, cfg := range history {
			if cfg.location == loc {
				preserved[loc] = true
			}
		}
	}
	if n := len(history); n > 0 {
		history[n-1].current = true
	}
	sl.history = history
	sl.preserved = preserved
	log.Info().Int("snapshots", len(history)).Msg("History loaded")
	return nil
}

// Current returns the current snapshot, or nil for an empty history.
func (sl *SiteLocal) Current() *InstallConfiguration {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.currentLocked()
}

func (sl *SiteLocal) currentLocked() *InstallConfiguration {
	if len(sl.history) == 0 {
		return nil
	}
	return sl.history[len(sl.history)-1]
}

// History returns the snapshots oldest first.
func (sl *SiteLocal) History() []*InstallConfiguration {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	out := make([]*InstallConfiguration, len(sl.history))
	copy(out, sl.history)
	return out
}

// Configuration finds a snapshot by location.
func (sl *SiteLocal) Configuration(location string) *InstallConfiguration {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.findLocked(location)
}

func (sl *SiteLocal) findLocked(location string) *InstallConfiguration {
	for _, cfg := range sl.history {
		if cfg.location == location {
			return cfg
		}
	}
	return nil
}

// IsPreserved reports whether the snapshot at location is pinned.
func (sl *SiteLocal) IsPreserved(location string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.preserved[location]
}

// AddListener registers a current-snapshot listener.
func (sl *SiteLocal) AddListener(l Listener) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.listeners = append(sl.listeners, l)
}

// CloneCurrentConfiguration returns a mutable copy of the current snapshot,
// or an empty one when the history is empty.
func (sl *SiteLocal) CloneCurrentConfiguration(label string) *InstallConfiguration {
	if current := sl.Current(); current != nil {
		return current.Clone(label, sl.rt.now())
	}
	return NewInstallConfiguration(sl.rt, label, sl.rt.now())
}

// AddConfiguration persists cfg and makes it current, evicting the oldest
// non-preserved snapshots beyond the bound. Nothing changes in memory
// unless both the snapshot and the index were saved.
func (sl *SiteLocal) AddConfiguration(ctx context.Context, cfg *InstallConfiguration) error {
	if cfg == nil {
		return NewPolicyError(ErrCodeInvalidArgument, "configuration is nil")
	}
	if cfg.IsSealed() {
		return NewPolicyError(ErrCodeSealed, "configuration already belongs to a history")
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if cfg.location == "" {
		cfg.location = stores.NewSnapshotLocation(cfg.createdAt)
	}
	if err := sl.store.SaveSnapshot(ctx, toRecord(cfg)); err != nil {
		return saveFailed("failed to save snapshot", err).WithResource(cfg.location)
	}

	next := make([]*InstallConfiguration, 0, len(sl.history)+1)
	next = append(next, sl.history...)
	next = append(next, cfg)
	next, evicted := sl.evict(next)

	if err := sl.store.SaveIndex(ctx, sl.indexFor(next, sl.preserved)); err != nil {
		if derr := sl.store.DeleteSnapshot(ctx, cfg.location); derr != nil {
			sl.rt.logger().Warn().Err(derr).Str("snapshot", cfg.location).Msg("Failed to delete orphaned snapshot")
		}
		return saveFailed("failed to save history index", err)
	}

	if prev := sl.currentLocked(); prev != nil {
		prev.setCurrent(false)
	}
	cfg.setCurrent(true)
	cfg.seal()
	sl.history = next

	sl.dropEvicted(ctx, evicted)
	sl.notify(cfg)
	return nil
}

// evict trims list to the bound, oldest non-preserved first. The last entry
// is never evicted.
func (sl *SiteLocal) evict(list []*InstallConfiguration) (kept, evicted []*InstallConfiguration) {
	kept = list
	for len(kept) > sl.maxHistory {
		victim := -1
		for i := 0; i < len(kept)-1; i++ {
			if !sl.preserved[kept[i].location] {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		evicted = append(evicted, kept[victim])
		kept = append(kept[:victim:victim], kept[victim+1:]...)
	}
	return kept, evicted
}

func (sl *SiteLocal) dropEvicted(ctx context.Context, evicted []*InstallConfiguration) {
	for _, cfg := range evicted {
		if err := sl.store.DeleteSnapshot(ctx, cfg.location); err != nil {
			sl.rt.logger().Warn().Err(err).Str("snapshot", cfg.location).Msg("Failed to delete evicted snapshot")
		}
	}
	if len(evicted) > 0 {
		sl.rt.metrics().RecordEviction(len(evicted))
		sl.rt.logger().Debug().Int("evicted", len(evicted)).Msg("History trimmed")
	}
}

func (sl *SiteLocal) notify(cfg *InstallConfiguration) {
	for _, l := range sl.listeners {
		l(cfg)
	}
}

func (sl *SiteLocal) indexFor(history []*InstallConfiguration, preserved map[string]bool) *stores.Index {
	idx := &stores.Index{
		Label:        sl.label,
		HistoryBound: sl.maxHistory,
		ChangeStamp:  sl.lastSeen,
	}
	for _, cfg := range history {
		idx.Snapshots = append(idx.Snapshots, cfg.location)
		if preserved[cfg.location] {
			idx.Preserved = append(idx.Preserved, cfg.location)
		}
	}
	return idx
}

// Preserve pins a snapshot so eviction skips it. At most maxHistory-1
// snapshots may be pinned. A preserve Activity is added to the current
// snapshot.
func (sl *SiteLocal) Preserve(ctx context.Context, location string) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	cfg := sl.findLocked(location)
	if cfg == nil {
		return NewPolicyError(ErrCodeNotFound, "snapshot not in history").WithResource(location)
	}
	if sl.preserved[location] {
		return nil
	}
	if len(sl.preserved)+1 >= sl.maxHistory {
		return NewPolicyError(ErrCodeHistoryFull,
			fmt.Sprintf("at most %d snapshots can be preserved", sl.maxHistory-1)).WithResource(location)
	}

	preserved := copyFlags(sl.preserved)
	preserved[location] = true
	if err := sl.store.SaveIndex(ctx, sl.indexFor(sl.history, preserved)); err != nil {
		return saveFailed("failed to save history index", err)
	}
	sl.preserved = preserved

	current := sl.currentLocked()
	current.AddActivity(ActivityPreserve, cfg.label, OutcomeOK)
	if err := sl.store.SaveSnapshot(ctx, toRecord(current)); err != nil {
		sl.rt.logger().Warn().Err(err).Str("snapshot", current.location).Msg("Failed to persist preserve activity")
	}
	return nil
}

// KeepActivities appends the audit log of a discarded clone to the current
// snapshot and persists it. With an empty history the entries are dropped.
func (sl *SiteLocal) KeepActivities(ctx context.Context, activities []Activity) error {
	if len(activities) == 0 {
		return nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	current := sl.currentLocked()
	if current == nil {
		sl.rt.logger().Warn().Int("activities", len(activities)).Msg("No current snapshot, dropping activities")
		return nil
	}
	current.appendActivities(activities)
	if err := sl.store.SaveSnapshot(ctx, toRecord(current)); err != nil {
		return saveFailed("failed to persist activities", err).WithResource(current.location)
	}
	return nil
}

// Unpreserve unpins a snapshot and trims the history back to the bound.
func (sl *SiteLocal) Unpreserve(ctx context.Context, location string) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !sl.preserved[location] {
		return NewPolicyError(ErrCodeNotFound, "snapshot is not preserved").WithResource(location)
	}
	preserved := copyFlags(sl.preserved)
	delete(preserved, location)

	saved := sl.preserved
	sl.preserved = preserved
	next, evicted := sl.evict(append([]*InstallConfiguration(nil), sl.history...))
	if err := sl.store.SaveIndex(ctx, sl.indexFor(next, preserved)); err != nil {
		sl.preserved = saved
		return saveFailed("failed to save history index", err)
	}
	sl.history = next
	sl.dropEvicted(ctx, evicted)
	return nil
}

// LastSeenStamp returns the change stamp recorded at the last boot.
func (sl *SiteLocal) LastSeenStamp() int64 {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.lastSeen
}

// SetLastSeenStamp records and persists the platform change stamp.
func (sl *SiteLocal) SetLastSeenStamp(ctx context.Context, stamp int64) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	old := sl.lastSeen
	sl.lastSeen = stamp
	if err := sl.store.SaveIndex(ctx, sl.indexFor(sl.history, sl.preserved)); err != nil {
		sl.lastSeen = old
		return saveFailed("failed to save history index", err)
	}
	return nil
}

// RevertTo pushes a new snapshot that restores target's policies. Sites
// known now and in target get target's policy minus features that no longer
// exist, and every other catalog feature is unconfigured. Sites not in
// target have their whole catalog unconfigured. Sites only in target are
// added back. No install handlers run.
func (sl *SiteLocal) RevertTo(ctx context.Context, target *InstallConfiguration, label string) (*InstallConfiguration, error) {
	if target == nil {
		return nil, NewPolicyError(ErrCodeInvalidArgument, "revert target is nil")
	}
	ctx, span := sl.rt.tracer().Start(ctx, "engine.revert")
	defer span.End()
	span.SetAttributes(attribute.String("target", target.Location()))

	if label == "" {
		label = "revert to " + target.Label()
	}
	next := NewInstallConfiguration(sl.rt, label, sl.rt.now())

	var current []*ConfiguredSite
	if c := sl.Current(); c != nil {
		current = c.Sites()
	}
	for _, cs := range current {
		n := cs.clone(next)
		if tcs := target.Site(cs.URL()); tcs != nil {
			n.policy = tcs.policy.clone(n)
			n.prune()
			n.unconfigureRest()
		} else {
			for _, ref := range n.site.FeatureReferences() {
				n.policy.addUnconfigured(ref)
			}
		}
		next.sites = append(next.sites, n)
	}
	for _, tcs := range target.Sites() {
		if next.Site(tcs.URL()) != nil {
			continue
		}
		n := tcs.clone(next)
		n.prune()
		n.unconfigureRest()
		next.sites = append(next.sites, n)
	}

	next.AddActivity(ActivityRevert, target.Label(), OutcomeOK)
	if err := sl.AddConfiguration(ctx, next); err != nil {
		span.RecordError(err)
		return nil, err
	}
	sl.rt.logger().Info().Str("target", target.Location()).Msg("Configuration reverted")
	return next, nil
}

// prune drops references that no longer resolve in the live catalog and
// rebinds the rest to this site's location.
func (cs *ConfiguredSite) prune() {
	keep := func(refs []model.FeatureReference) []model.FeatureReference {
		out := make([]model.FeatureReference, 0, len(refs))
		for _, ref := range refs {
			if _, ok := cs.site.Resolve(ref); ok {
				out = append(out, ref.Rehome(cs.URL()))
			}
		}
		return out
	}
	cs.policy.configured.refs = keep(cs.policy.configured.refs)
	cs.policy.unconfigured.refs = keep(cs.policy.unconfigured.refs)
}

// unconfigureRest moves every catalog feature that is not configured into
// the unconfigured set, so reconciliation does not report it as new.
func (cs *ConfiguredSite) unconfigureRest() {
	for _, ref := range cs.site.FeatureReferences() {
		if !cs.policy.IsConfigured(ref) {
			cs.policy.addUnconfigured(ref)
		}
	}
}

// SaveDelta persists a reconciliation delta record.
func (sl *SiteLocal) SaveDelta(ctx context.Context, delta *stores.DeltaRecord) error {
	if err := sl.store.SaveDelta(ctx, delta); err != nil {
		return saveFailed("failed to save delta", err).WithResource(delta.ID)
	}
	return nil
}

// Deltas lists the pending delta records.
func (sl *SiteLocal) Deltas(ctx context.Context) ([]*stores.DeltaRecord, error) {
	deltas, err := sl.store.ListDeltas(ctx)
	if err != nil {
		return nil, NewTransientError("failed to list deltas", err)
	}
	return deltas, nil
}

// AcceptDelta configures the features a delta lists in a new snapshot and
// discards the delta.
func (sl *SiteLocal) AcceptDelta(ctx context.Context, id string) (*InstallConfiguration, error) {
	deltas, err := sl.Deltas(ctx)
	if err != nil {
		return nil, err
	}
	var delta *stores.DeltaRecord
	for _, d := range deltas {
		if d.ID == id {
			delta = d
		}
	}
	if delta == nil {
		return nil, NewPolicyError(ErrCodeNotFound, "delta not found").WithResource(id)
	}

	next := sl.CloneCurrentConfiguration("accept delta " + id)
	for _, ds := range delta.Sites {
		cs := next.Site(ds.URL)
		if cs == nil {
			sl.rt.logger().Warn().Str("site", ds.URL).Msg("Delta site no longer configured")
			continue
		}
		for _, path := range ds.Features {
			f, ok := cs.site.Resolve(model.NewFeatureReference(cs.URL(), path))
			if !ok {
				continue
			}
			if err := cs.Configure(ctx, f, ConfigureOptions{}); err != nil {
				return nil, err
			}
		}
	}
	if err := sl.AddConfiguration(ctx, next); err != nil {
		return nil, err
	}
	if err := sl.store.DeleteDelta(ctx, id); err != nil && !errors.Is(err, stores.ErrNotFound) {
		return next, NewTransientError("failed to delete delta", err).WithResource(id)
	}
	return next, nil
}

func saveFailed(msg string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeSaveFailed, msg, err)
}

func copyFlags(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
