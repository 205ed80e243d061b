package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

var errNotInitialized = errors.New("sqlite store not initialized")

// SQLiteStore keeps the index, snapshots and deltas in one SQLite file.
type SQLiteStore struct {
	cfg Config
	db  *sql.DB
}

// Config tunes the SQLite connection pool. Zero values pick defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// withDefaults fills unset pool settings. An in-memory database lives in a
// single connection, so its pool is pinned to one.
func (c Config) withDefaults() Config {
	if c.Path == memoryPath {
		c.MaxOpenConns, c.MaxIdleConns, c.ConnMaxLifetime = 1, 1, 0
		return c
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

// dsn enables WAL and a busy timeout for file databases.
func (c Config) dsn() string {
	if c.Path == memoryPath {
		return memoryPath
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + c.Path + "?" + q.Encode()
}

// NewSQLiteStore validates cfg. Init opens the database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store: path is required")
	}
	return &SQLiteStore{cfg: cfg.withDefaults()}, nil
}

// Init opens and pings the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.dsn())
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to reach %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

// Close releases the pool. It is safe on an uninitialized store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dst, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", dst)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate %s: %w", s.cfg.Path, err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

// LoadIndex reads the single index row.
func (s *SQLiteStore) LoadIndex(ctx context.Context) (*Index, error) {
	query := `
		SELECT label, history_bound, change_stamp, snapshots, preserved
		FROM store_index
		WHERE id = 1
	`

	var (
		idx                  Index
		snapshots, preserved string
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&idx.Label,
		&idx.HistoryBound,
		&idx.ChangeStamp,
		&snapshots,
		&preserved,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index: %w", err)
	}

	if err := json.Unmarshal([]byte(snapshots), &idx.Snapshots); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot list: %w", err)
	}
	if err := json.Unmarshal([]byte(preserved), &idx.Preserved); err != nil {
		return nil, fmt.Errorf("failed to decode preserved list: %w", err)
	}
	return &idx, nil
}

// SaveIndex upserts the index row.
func (s *SQLiteStore) SaveIndex(ctx context.Context, index *Index) error {
	if index == nil {
		return fmt.Errorf("index is nil")
	}

	snapshots, err := marshalList(index.Snapshots)
	if err != nil {
		return err
	}
	preserved, err := marshalList(index.Preserved)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO store_index (id, label, history_bound, change_stamp, snapshots, preserved, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			history_bound = excluded.history_bound,
			change_stamp = excluded.change_stamp,
			snapshots = excluded.snapshots,
			preserved = excluded.preserved,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		index.Label,
		index.HistoryBound,
		index.ChangeStamp,
		snapshots,
		preserved,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot and its activities.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, location string) (*SnapshotRecord, error) {
	query := `
		SELECT location, label, created_at, sites
		FROM snapshots
		WHERE location = ?
	`

	var (
		rec       SnapshotRecord
		createdAt int64
		sites     string
	)
	err := s.db.QueryRowContext(ctx, query, location).Scan(&rec.Location, &rec.Label, &createdAt, &sites)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s: %w", location, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()

	if err := json.Unmarshal([]byte(sites), &rec.Sites); err != nil {
		return nil, fmt.Errorf("failed to decode sites of %s: %w", location, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, action, label, outcome
		FROM activities
		WHERE snapshot = ?
		ORDER BY seq ASC
	`, location)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a ActivityRecord
		if err := rows.Scan(&a.Date, &a.Action, &a.Label, &a.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		rec.Activities = append(rec.Activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}

	return &rec, nil
}

// SaveSnapshot upserts a snapshot and replaces its activity rows in one transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, record *SnapshotRecord) error {
	if record == nil {
		return fmt.Errorf("snapshot record is nil")
	}
	if record.Location == "" {
		return fmt.Errorf("snapshot location is required")
	}

	sites, err := json.Marshal(record.Sites)
	if err != nil {
		return fmt.Errorf("failed to encode sites: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (location, label, created_at, sites)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(location) DO UPDATE SET
			label = excluded.label,
			created_at = excluded.created_at,
			sites = excluded.sites
	`, record.Location, record.Label, record.CreatedAt.UnixNano(), string(sites))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE snapshot = ?`, record.Location); err != nil {
		return fmt.Errorf("failed to reset activities: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activities (snapshot, seq, date, action, label, outcome)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare activity insert: %w", err)
	}
	defer stmt.Close()

	for i, a := range record.Activities {
		if _, err := stmt.ExecContext(ctx, record.Location, i, a.Date, a.Action, a.Label, a.Outcome); err != nil {
			return fmt.Errorf("failed to save activity %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// DeleteSnapshot removes a snapshot; its activities cascade.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, location string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE location = ?`, location); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// SaveDelta inserts or replaces a delta record.
func (s *SQLiteStore) SaveDelta(ctx context.Context, delta *DeltaRecord) error {
	if delta == nil {
		return fmt.Errorf("delta record is nil")
	}
	sites, err := json.Marshal(delta.Sites)
	if err != nil {
		return fmt.Errorf("failed to encode delta sites: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deltas (id, created_at, sites)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			sites = excluded.sites
	`, delta.ID, delta.CreatedAt.UnixNano(), string(sites))
	if err != nil {
		return fmt.Errorf("failed to save delta: %w", err)
	}
	return nil
}

// ListDeltas returns every delta record, oldest first.
func (s *SQLiteStore) ListDeltas(ctx context.Context) ([]*DeltaRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, sites
		FROM deltas
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deltas: %w", err)
	}
	defer rows.Close()

	var deltas []*DeltaRecord
	for rows.Next() {
		var (
			d         DeltaRecord
			createdAt int64
			sites     string
		)
		if err := rows.Scan(&d.ID, &createdAt, &sites); err != nil {
			return nil, fmt.Errorf("failed to scan delta: %w", err)
		}
		d.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(sites), &d.Sites); err != nil {
			return nil, fmt.Errorf("failed to decode delta %s: %w", d.ID, err)
		}
		deltas = append(deltas, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deltas: %w", err)
	}
	return deltas, nil
}

// DeleteDelta removes a delta record.
func (s *SQLiteStore) DeleteDelta(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deltas WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete delta: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delta %s: %w", id, ErrNotFound)
	}
	return nil
}

func marshalList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(data), nil
}
