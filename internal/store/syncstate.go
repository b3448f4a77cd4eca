package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SyncState is the durable per-account cursor and bookkeeping row.
// The cursor blob is opaque to everything except its originating
// provider; it never moves backward for an account except through
// ClearAccount on explicit full resync.
type SyncState struct {
	AccountID     string
	Cursor        string
	LastSyncAt    time.Time
	LastErrorKind string
	LastErrorMsg  string
}

// LoadSyncState returns the sync state for an account. A missing row
// yields a zero state with an empty cursor.
func (s *Store) LoadSyncState(ctx context.Context, accountID string) (SyncState, error) {
	var (
		st       SyncState
		lastSync sql.NullTime
	)
	st.AccountID = accountID

	err := s.db.QueryRowxContext(ctx, `
		SELECT cursor, last_sync_at, last_error_kind, last_error_msg
		FROM sync_state WHERE account_id = ?`, accountID,
	).Scan(&st.Cursor, &lastSync, &st.LastErrorKind, &st.LastErrorMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, nil
		}
		return st, fmt.Errorf("loading sync state for %s: %w", accountID, err)
	}

	if lastSync.Valid {
		st.LastSyncAt = lastSync.Time
	}
	return st, nil
}

// RecordError stores the last error for an account outside a sync
// transaction, so a failed run still leaves a diagnosable trace.
func (s *Store) RecordError(ctx context.Context, accountID, kind, msg string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, cursor, last_error_kind, last_error_msg, updated_at)
		VALUES (?, '', ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_error_kind = excluded.last_error_kind,
			last_error_msg = excluded.last_error_msg,
			updated_at = excluded.updated_at`,
		accountID, kind, msg, now,
	)
	if err != nil {
		return fmt.Errorf("recording error for %s: %w", accountID, err)
	}
	return nil
}

// SyncTx batches one sync run's replica mutations, change-log marks,
// and the cursor advance into a single transaction. A crash before
// Commit leaves the old cursor in place; the idempotent marks make the
// re-run of a partially completed drain safe.
type SyncTx struct {
	tx  *sqlx.Tx
	now time.Time
}

// Begin opens a sync transaction.
func (s *Store) Begin(ctx context.Context) (*SyncTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning sync transaction: %w", err)
	}
	return &SyncTx{tx: tx, now: time.Now().UTC()}, nil
}

// NextBatch returns up to limit queued changes for the account in
// sequence order, read through the transaction.
func (t *SyncTx) NextBatch(ctx context.Context, accountID string, limit int) ([]PendingChange, error) {
	rows, err := t.tx.QueryxContext(ctx, `
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

// QueuedForTarget returns the queued changes aimed at one remote item
// in sequence order, read through the transaction.
func (t *SyncTx) QueuedForTarget(ctx context.Context, accountID, remoteID string) ([]PendingChange, error) {
	rows, err := t.tx.QueryxContext(ctx, `
		SELECT id, account_id, seq, target_remote_id, kind, payload, status,
		       attempt_count, last_error, created_at, updated_at
		FROM change_log
		WHERE account_id = ? AND target_remote_id = ? AND status = ?
		ORDER BY seq`,
		accountID, remoteID, string(StatusQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("querying changes for %s: %w", remoteID, err)
	}
	defer rows.Close()

	var out []PendingChange
	for rows.Next() {
		pc, err := scanPendingChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// GetEntry reads a replica entry through the transaction.
func (t *SyncTx) GetEntry(ctx context.Context, accountID, remoteID string) (*Entry, error) {
	row := t.tx.QueryRowxContext(ctx,
		`SELECT account_id, remote_id, thread_id, subject, sender, snippet,
		        labels, is_read, is_starred, is_draft, version, date, synced_at
		 FROM replica WHERE account_id = ? AND remote_id = ?`,
		accountID, remoteID,
	)
	return scanEntry(row)
}

// UpsertEntry inserts or replaces a replica entry.
func (t *SyncTx) UpsertEntry(ctx context.Context, e Entry) error {
	labels, err := marshalLabels(e.Labels)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO replica
			(account_id, remote_id, thread_id, subject, sender, snippet,
			 labels, is_read, is_starred, is_draft, version, date, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.RemoteID, e.ThreadID, e.Subject, e.Sender, e.Snippet,
		labels, boolToInt(e.IsRead), boolToInt(e.IsStarred), boolToInt(e.IsDraft),
		e.Version, e.Date.UTC(), t.now,
	)
	if err != nil {
		return fmt.Errorf("upserting replica entry %s: %w", e.RemoteID, err)
	}
	return nil
}

// DeleteEntry removes a replica entry. Deleting a missing entry is a
// no-op; remote deletions may race local ones.
func (t *SyncTx) DeleteEntry(ctx context.Context, accountID, remoteID string) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM replica WHERE account_id = ? AND remote_id = ?",
		accountID, remoteID,
	)
	if err != nil {
		return fmt.Errorf("deleting replica entry %s: %w", remoteID, err)
	}
	return nil
}

// MarkSynced moves a pending change to its synced terminal state.
// Idempotent: marking an already-terminal change is a no-op, which
// crash recovery relies on when it re-runs a partially completed
// drain.
func (t *SyncTx) MarkSynced(ctx context.Context, changeID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE change_log SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusSynced), t.now, changeID,
		string(StatusSynced), string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("marking change %s synced: %w", changeID, err)
	}
	return nil
}

// MarkFailed moves a pending change to its failed terminal state.
// Idempotent like MarkSynced.
func (t *SyncTx) MarkFailed(ctx context.Context, changeID, reason string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE change_log SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusFailed), reason, t.now, changeID,
		string(StatusSynced), string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("marking change %s failed: %w", changeID, err)
	}
	return nil
}

// BumpAttempt increments the attempt counter of a still-queued change.
func (t *SyncTx) BumpAttempt(ctx context.Context, changeID, lastError string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE change_log
		SET attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		lastError, t.now, changeID, string(StatusQueued),
	)
	if err != nil {
		return fmt.Errorf("bumping attempt for change %s: %w", changeID, err)
	}
	return nil
}

// RewritePayload replaces the payload of a queued change. Used when
// conflict resolution re-expresses the change's intent against the
// current remote state.
func (t *SyncTx) RewritePayload(ctx context.Context, changeID string, payload ChangePayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE change_log SET payload = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(raw), t.now, changeID, string(StatusQueued),
	)
	if err != nil {
		return fmt.Errorf("rewriting payload for change %s: %w", changeID, err)
	}
	return nil
}

// BindRemoteID records the remote id a create produced on the change
// row, so diagnostics can correlate the local change with the item the
// server materialized.
func (t *SyncTx) BindRemoteID(ctx context.Context, changeID, remoteID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE change_log SET target_remote_id = ?, updated_at = ?
		WHERE id = ?`,
		remoteID, t.now, changeID,
	)
	if err != nil {
		return fmt.Errorf("binding remote id for change %s: %w", changeID, err)
	}
	return nil
}

// SaveCursor advances the account cursor and stamps the successful
// sync. Committed together with the replica and change-log mutations
// of the same run.
func (t *SyncTx) SaveCursor(ctx context.Context, accountID, cursor string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, cursor, last_sync_at, last_error_kind, last_error_msg, updated_at)
		VALUES (?, ?, ?, '', '', ?)
		ON CONFLICT(account_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_sync_at = excluded.last_sync_at,
			last_error_kind = '',
			last_error_msg = '',
			updated_at = excluded.updated_at`,
		accountID, cursor, t.now, t.now,
	)
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", accountID, err)
	}
	return nil
}

// Commit makes the run's mutations visible to readers atomically.
func (t *SyncTx) Commit() error {
	return t.tx.Commit()
}

// Rollback abandons the transaction. Safe to call after Commit.
func (t *SyncTx) Rollback() error {
	return t.tx.Rollback()
}
