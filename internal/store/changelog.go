package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeLogKind classifies a locally originated mutation.
type ChangeLogKind string

const (
	KindCreate ChangeLogKind = "create"
	KindUpdate ChangeLogKind = "update"
	KindDelete ChangeLogKind = "delete"
)

// PendingStatus is the lifecycle state of a pending change. Synced and
// failed are terminal; synced rows are eventually purged, failed rows
// are kept and surfaced for manual action.
type PendingStatus string

const (
	StatusQueued   PendingStatus = "queued"
	StatusInFlight PendingStatus = "in_flight"
	StatusSynced   PendingStatus = "synced"
	StatusFailed   PendingStatus = "failed"
)

// Draft is the compose content of a change that creates a message.
type Draft struct {
	To      []string `json:"to,omitempty"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject,omitempty"`
	Body    string   `json:"body,omitempty"`
	Send    bool     `json:"send,omitempty"`
}

// ChangePayload describes the intent of a pending change. Nil pointers
// mean the field is untouched.
type ChangePayload struct {
	SetRead      *bool    `json:"set_read,omitempty"`
	SetStarred   *bool    `json:"set_starred,omitempty"`
	AddLabels    []string `json:"add_labels,omitempty"`
	RemoveLabels []string `json:"remove_labels,omitempty"`
	Archive      bool     `json:"archive,omitempty"`
	Trash        bool     `json:"trash,omitempty"`
	Draft        *Draft   `json:"draft,omitempty"`
}

// PendingChange is one locally originated mutation not yet confirmed
// by the remote. FIFO within an account by Seq; unordered across
// accounts.
type PendingChange struct {
	ID             string
	AccountID      string
	Seq            int64
	TargetRemoteID string // empty when the item has not been created remotely yet
	Kind           ChangeLogKind
	Payload        ChangePayload
	Status         PendingStatus
	AttemptCount   int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Enqueue appends a pending change to the account's change log,
// assigning it a strictly increasing sequence number within the
// account. A zero ID is filled with a fresh UUID.
func (s *Store) Enqueue(ctx context.Context, pc *PendingChange) error {
	if pc.ID == "" {
		pc.ID = uuid.NewString()
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now().UTC()
	}
	pc.Status = StatusQueued

	payload, err := json.Marshal(pc.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// MAX(seq)+1 inside the insert transaction keeps Seq strictly
	// increasing even under concurrent enqueues.
	err = tx.GetContext(ctx, &pc.Seq,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM change_log WHERE account_id = ?", pc.AccountID)
	if err != nil {
		return fmt.Errorf("assigning sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_log
			(id, account_id, seq, target_remote_id, kind, payload, status,
			 attempt_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		pc.ID, pc.AccountID, pc.Seq, pc.TargetRemoteID, string(pc.Kind),
		string(payload), string(StatusQueued), pc.CreatedAt, pc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueueing change %s: %w", pc.ID, err)
	}

	return tx.Commit()
}

// NextBatch returns up to limit queued changes for the account in
// sequence order.
func (s *Store) NextBatch(ctx context.Context, accountID string, limit int) ([]PendingChange, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, seq, target_remote_id, kind, payload, status,
		       attempt_count, last_error, created_at, updated_at
		FROM change_log
		WHERE account_id = ? AND status = ?
		ORDER BY seq
		LIMIT ?`,
		accountID, string(StatusQueued), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying change log: %w", err)
	}
	defer rows.Close()

	var batch []PendingChange
	for rows.Next() {
		pc, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, pc)
	}
	return batch, rows.Err()
}

// ListChanges returns all non-purged changes for an account in
// sequence order, for diagnostics and "pending changes" indicators.
func (s *Store) ListChanges(ctx context.Context, accountID string) ([]PendingChange, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, seq, target_remote_id, kind, payload, status,
		       attempt_count, last_error, created_at, updated_at
		FROM change_log
		WHERE account_id = ?
		ORDER BY seq`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying change log: %w", err)
	}
	defer rows.Close()

	var changes []PendingChange
	for rows.Next() {
		pc, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, pc)
	}
	return changes, rows.Err()
}

// GetChange returns a single pending change by id.
func (s *Store) GetChange(ctx context.Context, id string) (*PendingChange, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, account_id, seq, target_remote_id, kind, payload, status,
		       attempt_count, last_error, created_at, updated_at
		FROM change_log WHERE id = ?`, id)

	pc, err := scanPendingChange(row)
	if err != nil {
		if errors.Is(err, errNoChangeRow) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pc, nil
}

// PurgeSynced deletes synced changes older than the given time.
// Failed changes are never purged here; they stay queryable until the
// user acts on them.
func (s *Store) PurgeSynced(ctx context.Context, accountID string, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM change_log
		WHERE account_id = ? AND status = ? AND updated_at < ?`,
		accountID, string(StatusSynced), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purging synced changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

var errNoChangeRow = errors.New("store: no change row")

func scanPendingChange(row rowScanner) (PendingChange, error) {
	var (
		pc          PendingChange
		kind        string
		payloadJSON string
		status      string
		createdAt   time.Time
		updatedAt   time.Time
	)

	err := row.Scan(
		&pc.ID, &pc.AccountID, &pc.Seq, &pc.TargetRemoteID, &kind, &payloadJSON,
		&status, &pc.AttemptCount, &pc.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PendingChange{}, errNoChangeRow
		}
		return PendingChange{}, fmt.Errorf("scanning change row: %w", err)
	}

	pc.Kind = ChangeLogKind(kind)
	pc.Status = PendingStatus(status)
	pc.CreatedAt = createdAt
	pc.UpdatedAt = updatedAt

	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &pc.Payload); err != nil {
			return PendingChange{}, fmt.Errorf("unmarshaling payload: %w", err)
		}
	}

	return pc, nil
}
