// Package store persists the local replica, the outbound change log,
// and per-account sync state in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrCorrupt indicates the database failed its integrity check on
// open. Recovery requires deleting the file and performing a full
// resync.
var ErrCorrupt = errors.New("store: integrity check failed")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database holding all durable sync state.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at dbPath, enables WAL mode,
// verifies integrity, and runs any pending schema migrations.
// Use ":memory:" for tests.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases
	// from splitting across pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// A damaged file must not be silently reused: a bad page can
	// surface as missing change-log rows long after the fact.
	var check string
	if err := db.Get(&check, "PRAGMA quick_check"); err != nil || check != "ok" {
		db.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, check)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Entry is the local replica copy of an item's synced fields plus the
// last-seen remote version it was reconciled against. It is mutated
// only inside a sync transaction, or speculatively by local user
// actions that enqueue a matching pending change.
type Entry struct {
	AccountID string
	RemoteID  string
	ThreadID  string
	Subject   string
	Sender    string
	Snippet   string
	Labels    []string
	IsRead    bool
	IsStarred bool
	IsDraft   bool
	Version   string
	Date      time.Time
	SyncedAt  time.Time
}

// GetEntry returns the replica entry for (accountID, remoteID), or
// ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, accountID, remoteID string) (*Entry, error) {
	row := s.db.QueryRowxContext(ctx,
		`SELECT account_id, remote_id, thread_id, subject, sender, snippet,
		        labels, is_read, is_starred, is_draft, version, date, synced_at
		 FROM replica WHERE account_id = ? AND remote_id = ?`,
		accountID, remoteID,
	)
	return scanEntry(row)
}

// ListEntries returns all replica entries for an account ordered by
// message date descending.
func (s *Store) ListEntries(ctx context.Context, accountID string) ([]Entry, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT account_id, remote_id, thread_id, subject, sender, snippet,
		        labels, is_read, is_starred, is_draft, version, date, synced_at
		 FROM replica WHERE account_id = ? ORDER BY date DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying replica: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ClearAccount discards the replica's remote linkage for an account.
// Used on cursor invalidation before a full refetch; this is the only
// bulk rewrite of the replica.
func (s *Store) ClearAccount(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM replica WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("clearing replica for %s: %w", accountID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE sync_state SET cursor = '' WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("resetting cursor for %s: %w", accountID, err)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		labelsJSON string
		isRead     int
		isStarred  int
		isDraft    int
		date       time.Time
		syncedAt   time.Time
	)

	err := row.Scan(
		&e.AccountID, &e.RemoteID, &e.ThreadID, &e.Subject, &e.Sender, &e.Snippet,
		&labelsJSON, &isRead, &isStarred, &isDraft, &e.Version, &date, &syncedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning replica row: %w", err)
	}

	e.IsRead = isRead != 0
	e.IsStarred = isStarred != 0
	e.IsDraft = isDraft != 0
	e.Date = date
	e.SyncedAt = syncedAt

	if labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &e.Labels); err != nil {
			return nil, fmt.Errorf("unmarshaling labels: %w", err)
		}
	}

	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("marshaling labels: %w", err)
	}
	return string(b), nil
}
