package stores

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Index is the root record tying the history together.
type Index struct {
	Label        string   `json:"label" yaml:"label"`
	HistoryBound int      `json:"history_bound" yaml:"historyBound"`
	ChangeStamp  int64    `json:"change_stamp" yaml:"changeStamp"`
	Snapshots    []string `json:"snapshots" yaml:"snapshots"`
	Preserved    []string `json:"preserved,omitempty" yaml:"preserved,omitempty"`
}

// SnapshotRecord is the persisted form of one install configuration.
type SnapshotRecord struct {
	Location   string           `json:"location" yaml:"location"`
	Label      string           `json:"label" yaml:"label"`
	CreatedAt  time.Time        `json:"created_at" yaml:"createdAt"`
	Sites      []SiteRecord     `json:"sites" yaml:"sites"`
	Activities []ActivityRecord `json:"activities,omitempty" yaml:"activities,omitempty"`
}

// SiteRecord captures one configured site and its policy.
type SiteRecord struct {
	URL          string   `json:"url" yaml:"url"`
	PlatformURL  string   `json:"platform_url,omitempty" yaml:"platformURL,omitempty"`
	Policy       string   `json:"policy" yaml:"policy"`
	Mutable      bool     `json:"mutable" yaml:"mutable"`
	Staging      bool     `json:"staging,omitempty" yaml:"staging,omitempty"`
	Configured   []string `json:"configured,omitempty" yaml:"configured,omitempty"`
	Unconfigured []string `json:"unconfigured,omitempty" yaml:"unconfigured,omitempty"`
}

// ActivityRecord is one audit entry. Date is epoch milliseconds.
type ActivityRecord struct {
	Date    int64  `json:"date" yaml:"date"`
	Action  string `json:"action" yaml:"action"`
	Label   string `json:"label" yaml:"label"`
	Outcome string `json:"outcome" yaml:"outcome"`
}

// DeltaRecord lists features discovered by a pessimistic reconciliation
// that were left unconfigured pending a user decision.
type DeltaRecord struct {
	ID        string      `json:"id" yaml:"id"`
	CreatedAt time.Time   `json:"created_at" yaml:"createdAt"`
	Sites     []DeltaSite `json:"sites" yaml:"sites"`
}

// DeltaSite groups newly found feature paths by site.
type DeltaSite struct {
	URL      string   `json:"url" yaml:"url"`
	Features []string `json:"features" yaml:"features"`
}

// Store persists the history index, snapshot records and delta records.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Index operations
	LoadIndex(ctx context.Context) (*Index, error)
	SaveIndex(ctx context.Context, index *Index) error

	// Snapshot operations
	LoadSnapshot(ctx context.Context, location string) (*SnapshotRecord, error)
	SaveSnapshot(ctx context.Context, record *SnapshotRecord) error
	DeleteSnapshot(ctx context.Context, location string) error

	// Delta operations
	SaveDelta(ctx context.Context, delta *DeltaRecord) error
	ListDeltas(ctx context.Context) ([]*DeltaRecord, error)
	DeleteDelta(ctx context.Context, id string) error
}

// NewSnapshotLocation returns a unique, date-prefixed snapshot location.
func NewSnapshotLocation(at time.Time) string {
	return at.UTC().Format("20060102T150405") + "-" + uuid.NewString()
}

// NewDeltaID returns a fresh delta record identifier.
func NewDeltaID() string {
	return uuid.NewString()
}
