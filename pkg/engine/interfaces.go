package engine

import (
	"context"
	"io"

	"github.com/openfroyo/siteconf/pkg/model"
)

// HandlerAction identifies the lifecycle an install handler is driven through.
type HandlerAction string

const (
	ActionInstall     HandlerAction = "install"
	ActionConfigure   HandlerAction = "configure"
	ActionUnconfigure HandlerAction = "unconfigure"
	ActionUninstall   HandlerAction = "uninstall"
)

// IsUndo reports whether the action reverses an earlier one. Handler
// failures during undo actions are logged, not returned.
func (a HandlerAction) IsUndo() bool {
	return a == ActionUnconfigure || a == ActionUninstall
}

// HandlerContext is what a handler sees for one lifecycle.
type HandlerContext struct {
	Action  HandlerAction
	Feature *model.Feature
}

// InstallHandler is driven as initiated, body, completed(success).
type InstallHandler interface {
	// Initiated runs before the body. An error stops the body.
	Initiated(ctx context.Context, hc HandlerContext) error

	// Completed always runs, with success reporting whether the body and
	// Initiated both succeeded.
	Completed(ctx context.Context, hc HandlerContext, success bool) error
}

// HandlerResolver maps a feature's handler entry to an implementation.
type HandlerResolver interface {
	Resolve(ctx context.Context, entry model.HandlerEntry) (InstallHandler, error)
}

// Verdict is the result of verifying one archive.
type Verdict struct {
	Accepted bool
	Reason   string
}

// Verifier admits or vetoes an archive before its bytes reach the target.
type Verifier interface {
	Verify(ctx context.Context, feature *model.Feature, archive Archive) (Verdict, error)
}

// Archive is one named storage unit of content. Open may resume at offset.
type Archive interface {
	ID() string
	Length() int64
	Open(ctx context.Context, offset int64) (io.ReadCloser, error)
}

// ContentProvider resolves the archives making up a feature and its plugins.
type ContentProvider interface {
	FeatureArchives(ctx context.Context, feature *model.Feature) ([]Archive, error)
	PluginArchives(ctx context.Context, feature *model.Feature, plugin model.PluginEntry) ([]Archive, error)
}

// ContentSource yields the content provider for a source site.
type ContentSource interface {
	Provider(site *model.Site) (ContentProvider, error)
}

// ContentStore receives installed bytes on a target site.
type ContentStore interface {
	// Begin opens a writer for one feature transaction.
	Begin(ctx context.Context, feature *model.Feature) (FeatureWriter, error)

	// Delete removes the feature's own files and the given plugins.
	Delete(ctx context.Context, feature *model.Feature, plugins []model.PluginEntry) error
}

// FeatureWriter accumulates one feature's bytes. Nothing is visible on the
// target until Commit; Abort removes whatever was written.
type FeatureWriter interface {
	StorePlugin(ctx context.Context, plugin model.PluginEntry, archive Archive, r io.Reader) error
	StoreFeature(ctx context.Context, archive Archive, r io.Reader) error
	Commit(ctx context.Context) (*model.Feature, error)
	Abort(ctx context.Context) error
}

// ScratchArea is a temporary staging location for archives.
type ScratchArea interface {
	// Stage copies the archive into the scratch area and returns the local copy.
	Stage(ctx context.Context, archive Archive) (Archive, error)
	Path() string
	Remove() error
}

// ScratchProvider creates scratch areas.
type ScratchProvider interface {
	NewScratch(ctx context.Context) (ScratchArea, error)
}

// Monitor receives progress for long-running operations.
type Monitor interface {
	Begin(task string, total int)
	Worked(units int)
	SubTask(name string)
	Done()
}

// NopMonitor discards progress.
type NopMonitor struct{}

func (NopMonitor) Begin(string, int) {}
func (NopMonitor) Worked(int)        {}
func (NopMonitor) SubTask(string)    {}
func (NopMonitor) Done()             {}

// ActiveComponents is the live set of components the platform runs.
type ActiveComponents interface {
	// Versions returns every active version of a component id.
	Versions(id string) []model.Version
}

// ActiveSet is a map-backed ActiveComponents.
type ActiveSet map[string][]model.Version

// Versions implements ActiveComponents.
func (s ActiveSet) Versions(id string) []model.Version {
	return s[id]
}

// Add records an active component.
func (s ActiveSet) Add(id model.VersionedIdentifier) {
	s[id.ID] = append(s[id.ID], id.Version)
}

// IsActive reports whether exactly id is active.
func (s ActiveSet) IsActive(id model.VersionedIdentifier) bool {
	return isActive(s, id)
}

func isActive(active ActiveComponents, id model.VersionedIdentifier) bool {
	if active == nil {
		return false
	}
	for _, v := range active.Versions(id.ID) {
		if v.IsPerfect(id.Version) {
			return true
		}
	}
	return false
}
