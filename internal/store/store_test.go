package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func boolp(b bool) *bool { return &b }

func TestEnqueueAssignsIncreasingSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &PendingChange{AccountID: "acct", Kind: KindUpdate, TargetRemoteID: "m1"}
	second := &PendingChange{AccountID: "acct", Kind: KindUpdate, TargetRemoteID: "m2"}
	other := &PendingChange{AccountID: "other", Kind: KindDelete, TargetRemoteID: "m9"}

	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.Enqueue(ctx, second))
	require.NoError(t, s.Enqueue(ctx, other))

	require.NotEmpty(t, first.ID)
	require.Greater(t, second.Seq, first.Seq)

	// Sequences are per account.
	require.Equal(t, int64(1), other.Seq)
}

func TestNextBatchReturnsQueuedInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Enqueue(ctx, &PendingChange{
			AccountID: "acct", Kind: KindUpdate, TargetRemoteID: id,
		}))
	}

	batch, err := s.NextBatch(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, "m1", batch[0].TargetRemoteID)
	require.Equal(t, "m3", batch[2].TargetRemoteID)

	limited, err := s.NextBatch(ctx, "acct", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestMarksAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pc := &PendingChange{AccountID: "acct", Kind: KindUpdate, TargetRemoteID: "m1"}
	require.NoError(t, s.Enqueue(ctx, pc))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MarkSynced(ctx, pc.ID))
	// A second mark on a terminal row is a no-op, as is trying to flip
	// it to the other terminal state.
	require.NoError(t, tx.MarkSynced(ctx, pc.ID))
	require.NoError(t, tx.MarkFailed(ctx, pc.ID, "should not apply"))
	require.NoError(t, tx.Commit())

	got, err := s.GetChange(ctx, pc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, got.Status)
	require.Empty(t, got.LastError)
}

func TestBumpAttemptOnlyTouchesQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pc := &PendingChange{AccountID: "acct", Kind: KindUpdate, TargetRemoteID: "m1"}
	require.NoError(t, s.Enqueue(ctx, pc))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.BumpAttempt(ctx, pc.ID, "rate limited"))
	require.NoError(t, tx.MarkFailed(ctx, pc.ID, "given up"))
	require.NoError(t, tx.BumpAttempt(ctx, pc.ID, "late bump"))
	require.NoError(t, tx.Commit())

	got, err := s.GetChange(ctx, pc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 1, got.AttemptCount)
	require.Equal(t, "given up", got.LastError)
}

func TestRewritePayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pc := &PendingChange{
		AccountID:      "acct",
		Kind:           KindUpdate,
		TargetRemoteID: "m1",
		Payload:        ChangePayload{SetRead: boolp(true), SetStarred: boolp(true)},
	}
	require.NoError(t, s.Enqueue(ctx, pc))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.RewritePayload(ctx, pc.ID, ChangePayload{SetStarred: boolp(true)}))
	require.NoError(t, tx.Commit())

	got, err := s.GetChange(ctx, pc.ID)
	require.NoError(t, err)
	require.Nil(t, got.Payload.SetRead)
	require.NotNil(t, got.Payload.SetStarred)
	require.Equal(t, StatusQueued, got.Status)
}

func TestSyncTxRollbackLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertEntry(ctx, Entry{
		AccountID: "acct", RemoteID: "m1", Subject: "hello",
	}))
	require.NoError(t, tx.SaveCursor(ctx, "acct", "cursor-1"))
	require.NoError(t, tx.Rollback())

	_, err = s.GetEntry(ctx, "acct", "m1")
	require.ErrorIs(t, err, ErrNotFound)

	st, err := s.LoadSyncState(ctx, "acct")
	require.NoError(t, err)
	require.Empty(t, st.Cursor)
}

func TestSyncTxCommitPersistsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pc := &PendingChange{AccountID: "acct", Kind: KindUpdate, TargetRemoteID: "m1"}
	require.NoError(t, s.Enqueue(ctx, pc))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertEntry(ctx, Entry{
		AccountID: "acct", RemoteID: "m1", Subject: "hello",
		Labels: []string{"work", "travel"}, IsRead: true,
		Date: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, tx.MarkSynced(ctx, pc.ID))
	require.NoError(t, tx.SaveCursor(ctx, "acct", "cursor-1"))
	require.NoError(t, tx.Commit())

	entry, err := s.GetEntry(ctx, "acct", "m1")
	require.NoError(t, err)
	require.Equal(t, "hello", entry.Subject)
	require.Equal(t, []string{"work", "travel"}, entry.Labels)
	require.True(t, entry.IsRead)

	st, err := s.LoadSyncState(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, "cursor-1", st.Cursor)
	require.False(t, st.LastSyncAt.IsZero())
}

func TestBindRemoteID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pc := &PendingChange{AccountID: "acct", Kind: KindCreate}
	require.NoError(t, s.Enqueue(ctx, pc))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MarkSynced(ctx, pc.ID))
	require.NoError(t, tx.BindRemoteID(ctx, pc.ID, "server-42"))
	require.NoError(t, tx.Commit())

	got, err := s.GetChange(ctx, pc.ID)
	require.NoError(t, err)
	require.Equal(t, "server-42", got.TargetRemoteID)
}

func TestPurgeSyncedKeepsFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	synced := &PendingChange{AccountID: "acct", Kind: KindUpdate, TargetRemoteID: "m1"}
	failed := &PendingChange{AccountID: "acct", Kind: KindUpdate, TargetRemoteID: "m2"}
	queued := &PendingChange{AccountID: "acct", Kind: KindUpdate, TargetRemoteID: "m3"}
	require.NoError(t, s.Enqueue(ctx, synced))
	require.NoError(t, s.Enqueue(ctx, failed))
	require.NoError(t, s.Enqueue(ctx, queued))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MarkSynced(ctx, synced.ID))
	require.NoError(t, tx.MarkFailed(ctx, failed.ID, "rejected"))
	require.NoError(t, tx.Commit())

	n, err := s.PurgeSynced(ctx, "acct", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	remaining, err := s.ListChanges(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, pc := range remaining {
		require.NotEqual(t, StatusSynced, pc.Status)
	}
}

func TestClearAccountResetsCursorAndReplica(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertEntry(ctx, Entry{AccountID: "acct", RemoteID: "m1"}))
	require.NoError(t, tx.UpsertEntry(ctx, Entry{AccountID: "other", RemoteID: "m1"}))
	require.NoError(t, tx.SaveCursor(ctx, "acct", "cursor-1"))
	require.NoError(t, tx.Commit())

	require.NoError(t, s.ClearAccount(ctx, "acct"))

	_, err = s.GetEntry(ctx, "acct", "m1")
	require.ErrorIs(t, err, ErrNotFound)

	// Other accounts are untouched.
	_, err = s.GetEntry(ctx, "other", "m1")
	require.NoError(t, err)

	st, err := s.LoadSyncState(ctx, "acct")
	require.NoError(t, err)
	require.Empty(t, st.Cursor)
}

func TestDeleteEntryMissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteEntry(ctx, "acct", "never-existed"))
	require.NoError(t, tx.Commit())
}

func TestLoadSyncStateMissingRow(t *testing.T) {
	s := newTestStore(t)

	st, err := s.LoadSyncState(context.Background(), "acct")
	require.NoError(t, err)
	require.Empty(t, st.Cursor)
	require.True(t, st.LastSyncAt.IsZero())
}

func TestRecordError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordError(ctx, "acct", "rate_limited", "429 from server"))

	st, err := s.LoadSyncState(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, "rate_limited", st.LastErrorKind)
	require.Equal(t, "429 from server", st.LastErrorMsg)

	// A successful cursor save clears the recorded error.
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveCursor(ctx, "acct", "cursor-1"))
	require.NoError(t, tx.Commit())

	st, err = s.LoadSyncState(ctx, "acct")
	require.NoError(t, err)
	require.Empty(t, st.LastErrorKind)
}
