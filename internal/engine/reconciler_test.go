package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftmail/driftmail/internal/events"
	"github.com/driftmail/driftmail/internal/store"
)

// fakeProvider serves scripted fetch results and push outcomes.
type fakeProvider struct {
	kind    ProviderKind
	authErr error

	// fetches is consumed front to back; the last element repeats.
	fetches    []fakeFetch
	fetchCalls int

	// outcomes maps a target remote id (or change kind for creates) to
	// a scripted push result.
	outcomes map[string]*PushOutcome
	pushErr  error
	pushed   []store.PendingChange

	fullItems map[string]*Item
}

type fakeFetch struct {
	result *FetchResult
	err    error
	// wantCursor, when set, asserts the cursor the reconciler passed.
	wantCursor *string
}

func (f *fakeProvider) Kind() ProviderKind {
	if f.kind == "" {
		return KindHistoryCursor
	}
	return f.kind
}

func (f *fakeProvider) Authenticate(ctx context.Context) error { return f.authErr }

func (f *fakeProvider) FetchChangesSince(ctx context.Context, cursor string) (*FetchResult, error) {
	i := f.fetchCalls
	if i >= len(f.fetches) {
		i = len(f.fetches) - 1
	}
	f.fetchCalls++

	fetch := f.fetches[i]
	if fetch.wantCursor != nil && cursor != *fetch.wantCursor {
		return nil, errors.New("unexpected cursor " + cursor)
	}
	return fetch.result, fetch.err
}

func (f *fakeProvider) PushChange(ctx context.Context, pc store.PendingChange) (*PushOutcome, error) {
	f.pushed = append(f.pushed, pc)
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	key := pc.TargetRemoteID
	if key == "" {
		key = string(pc.Kind)
	}
	if out, ok := f.outcomes[key]; ok {
		return out, nil
	}
	return &PushOutcome{Status: PushAccepted}, nil
}

func (f *fakeProvider) FetchFullItem(ctx context.Context, remoteID string) (*Item, error) {
	return f.fullItems[remoteID], nil
}

func strp(s string) *string { return &s }

func newTestReconciler(t *testing.T, prov Provider) (*Reconciler, *store.Store, Account) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	account := Account{ID: "acct", Kind: prov.Kind()}
	reg := NewRegistry()
	reg.Register(account.ID, prov)

	r := NewReconciler(s, reg, events.NewBus(nil), DefaultPolicy(), nil)
	return r, s, account
}

func TestSyncBackfillPopulatesReplicaAndCursor(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{
			wantCursor: strp(""),
			result: &FetchResult{
				Cursor: "c1",
				Changes: []Change{
					{Kind: ChangeNew, RemoteID: "m1", Item: &Item{RemoteID: "m1", Subject: "first"}},
					{Kind: ChangeNew, RemoteID: "m2", Item: &Item{RemoteID: "m2", Subject: "second", IsStarred: true}},
				},
			},
		}},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	res, err := r.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, 2, res.Received)

	entry, err := s.GetEntry(ctx, account.ID, "m2")
	require.NoError(t, err)
	require.Equal(t, "second", entry.Subject)
	require.True(t, entry.IsStarred)

	st, err := s.LoadSyncState(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, "c1", st.Cursor)
}

func TestSyncIsIdempotentOnReplay(t *testing.T) {
	changes := []Change{
		{Kind: ChangeNew, RemoteID: "m1", Item: &Item{RemoteID: "m1", Subject: "hello"}},
		{Kind: ChangeUpdated, RemoteID: "m1", Fields: &ItemFields{IsRead: boolp(true), Version: "v2"}},
	}
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1", Changes: changes}}},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)
	first, err := s.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)

	// Same change list delivered again, as after a crash before the
	// cursor advanced.
	_, err = r.Sync(ctx, account)
	require.NoError(t, err)
	second, err := s.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)

	require.Equal(t, first.Subject, second.Subject)
	require.Equal(t, first.IsRead, second.IsRead)
	require.Equal(t, first.Version, second.Version)
}

func TestSyncAppliesUpdatesAndDeletes(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{
			{result: &FetchResult{Cursor: "c1", Changes: []Change{
				{Kind: ChangeNew, RemoteID: "m1", Item: &Item{RemoteID: "m1", Labels: []string{"inboxish"}}},
				{Kind: ChangeNew, RemoteID: "m2", Item: &Item{RemoteID: "m2"}},
			}}},
			{result: &FetchResult{Cursor: "c2", Changes: []Change{
				{Kind: ChangeUpdated, RemoteID: "m1", Fields: &ItemFields{
					IsRead: boolp(true), AddLabels: []string{"work"}, Version: "v2",
				}},
				{Kind: ChangeDeleted, RemoteID: "m2"},
			}}},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)
	_, err = r.Sync(ctx, account)
	require.NoError(t, err)

	entry, err := s.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)
	require.True(t, entry.IsRead)
	require.Equal(t, []string{"inboxish", "work"}, entry.Labels)
	require.Equal(t, "v2", entry.Version)

	_, err = s.GetEntry(ctx, account.ID, "m2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncUpdateForUnknownItemFetchesFull(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1", Changes: []Change{
			{Kind: ChangeUpdated, RemoteID: "m1", Fields: &ItemFields{IsRead: boolp(true)}},
		}}}},
		fullItems: map[string]*Item{
			"m1": {RemoteID: "m1", Subject: "recovered", IsRead: true},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)

	entry, err := s.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)
	require.Equal(t, "recovered", entry.Subject)
}

func TestSyncCursorInvalidationTriggersFullResync(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{
			{result: &FetchResult{Cursor: "c1", Changes: []Change{
				{Kind: ChangeNew, RemoteID: "stale", Item: &Item{RemoteID: "stale"}},
			}}},
			{wantCursor: strp("c1"), err: ErrCursorInvalidated},
			{wantCursor: strp(""), result: &FetchResult{Cursor: "c2", Changes: []Change{
				{Kind: ChangeNew, RemoteID: "fresh", Item: &Item{RemoteID: "fresh"}},
			}}},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)
	_, err = r.Sync(ctx, account)
	require.NoError(t, err)

	// The stale replica was dropped before the refetch.
	_, err = s.GetEntry(ctx, account.ID, "stale")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetEntry(ctx, account.ID, "fresh")
	require.NoError(t, err)

	st, err := s.LoadSyncState(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, "c2", st.Cursor)
}

func TestSyncMaxItemsKeepsOldCursor(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1", Changes: []Change{
			{Kind: ChangeNew, RemoteID: "m1", Item: &Item{RemoteID: "m1"}},
			{Kind: ChangeNew, RemoteID: "m2", Item: &Item{RemoteID: "m2"}},
			{Kind: ChangeNew, RemoteID: "m3", Item: &Item{RemoteID: "m3"}},
		}}}},
	}
	r, s, account := newTestReconciler(t, prov)
	r.MaxItems = 2
	ctx := context.Background()

	res, err := r.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, 2, res.Received)

	// The cursor did not advance: the remainder arrives next run.
	st, err := s.LoadSyncState(ctx, account.ID)
	require.NoError(t, err)
	require.Empty(t, st.Cursor)

	_, err = s.GetEntry(ctx, account.ID, "m3")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncRejectsConcurrentRuns(t *testing.T) {
	prov := &fakeProvider{fetches: []fakeFetch{{result: &FetchResult{}}}}
	r, _, account := newTestReconciler(t, prov)

	require.True(t, r.tryLock(account.ID))
	_, err := r.Sync(context.Background(), account)
	require.ErrorIs(t, err, ErrAlreadySyncing)
	r.unlock(account.ID)

	_, err = r.Sync(context.Background(), account)
	require.NoError(t, err)
}

func TestDrainPushesInOrderAndMarksSynced(t *testing.T) {
	prov := &fakeProvider{fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1"}}}}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		pc := queuedUpdate(account.ID, id)
		require.NoError(t, s.Enqueue(ctx, &pc))
	}

	res, err := r.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, 3, res.Pushed)

	require.Len(t, prov.pushed, 3)
	require.Equal(t, "m1", prov.pushed[0].TargetRemoteID)
	require.Equal(t, "m3", prov.pushed[2].TargetRemoteID)

	for _, pc := range listAll(t, s, account.ID) {
		require.Equal(t, store.StatusSynced, pc.Status)
	}
}

func TestDrainRetryableStopsWithoutReordering(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1"}}},
		outcomes: map[string]*PushOutcome{
			"m2": {Status: PushRetryable, Err: errors.New("503")},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		pc := queuedUpdate(account.ID, id)
		require.NoError(t, s.Enqueue(ctx, &pc))
	}

	res, err := r.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pushed)

	// m3 was never attempted: a retryable failure on m2 must not let
	// later changes overtake it.
	require.Len(t, prov.pushed, 2)

	statuses := statusByTarget(t, s, account.ID)
	require.Equal(t, store.StatusSynced, statuses["m1"])
	require.Equal(t, store.StatusQueued, statuses["m2"])
	require.Equal(t, store.StatusQueued, statuses["m3"])
}

func TestDrainRejectedFailsChainedChanges(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1"}}},
		outcomes: map[string]*PushOutcome{
			"m1": {Status: PushRejected, Reason: "malformed"},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	first := queuedUpdate(account.ID, "m1")
	chained := queuedUpdate(account.ID, "m1")
	unrelated := queuedUpdate(account.ID, "m2")
	require.NoError(t, s.Enqueue(ctx, &first))
	require.NoError(t, s.Enqueue(ctx, &chained))
	require.NoError(t, s.Enqueue(ctx, &unrelated))

	res, err := r.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, 1, res.Pushed)

	// The chained change was failed without being pushed.
	require.Len(t, prov.pushed, 2)

	got, err := s.GetChange(ctx, chained.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
}

func TestDrainConflictKeepRemoteAppliesServerState(t *testing.T) {
	remote := &Item{RemoteID: "m1", Subject: "server copy", IsRead: true}
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1"}}},
		outcomes: map[string]*PushOutcome{
			"m1": {Status: PushConflict, Remote: remote},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	// A read-state change loses to the remote under the default policy.
	pc := store.PendingChange{
		AccountID:      account.ID,
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload:        store.ChangePayload{SetRead: boolp(false)},
	}
	require.NoError(t, s.Enqueue(ctx, &pc))

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)

	got, err := s.GetChange(ctx, pc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, got.Status)

	entry, err := s.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)
	require.Equal(t, "server copy", entry.Subject)
	require.True(t, entry.IsRead)
}

func TestDrainConflictKeepLocalRetriesNextRun(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1"}}},
		outcomes: map[string]*PushOutcome{
			"m1": {Status: PushConflict, Remote: &Item{RemoteID: "m1"}},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	pc := store.PendingChange{
		AccountID:      account.ID,
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload:        store.ChangePayload{SetStarred: boolp(true)},
	}
	require.NoError(t, s.Enqueue(ctx, &pc))

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)

	got, err := s.GetChange(ctx, pc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, got.Status)
	require.Equal(t, 1, got.AttemptCount)
}

func TestDrainConflictReapplyRewritesPayload(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1"}}},
		outcomes: map[string]*PushOutcome{
			"m1": {Status: PushConflict, Remote: &Item{RemoteID: "m1"}},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	pc := store.PendingChange{
		AccountID:      account.ID,
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload: store.ChangePayload{
			SetStarred: boolp(true),
			AddLabels:  []string{"work"},
		},
	}
	require.NoError(t, s.Enqueue(ctx, &pc))

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)

	got, err := s.GetChange(ctx, pc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, got.Status)
	require.NotNil(t, got.Payload.SetStarred)
	// The remote-owned label edit was dropped in the rebase.
	require.Empty(t, got.Payload.AddLabels)
}

func TestDrainCreateBindsRemoteID(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1"}}},
		outcomes: map[string]*PushOutcome{
			string(store.KindCreate): {Status: PushAccepted, RemoteID: "server-99"},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	pc := store.PendingChange{
		AccountID: account.ID,
		Kind:      store.KindCreate,
		Payload:   store.ChangePayload{Draft: &store.Draft{Subject: "hi"}},
	}
	require.NoError(t, s.Enqueue(ctx, &pc))

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)

	got, err := s.GetChange(ctx, pc.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, got.Status)
	require.Equal(t, "server-99", got.TargetRemoteID)
}

func TestSyncFullItemUpdateOverwritesCachedEntry(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{
			{result: &FetchResult{Cursor: "c1", Changes: []Change{
				{Kind: ChangeNew, RemoteID: "m1", Item: &Item{RemoteID: "m1", Subject: "hello"}},
			}}},
			{result: &FetchResult{Cursor: "c2", Changes: []Change{
				{Kind: ChangeUpdated, RemoteID: "m1", Item: &Item{
					RemoteID: "m1", Subject: "hello", IsRead: true, Version: "v2",
				}},
			}}},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)
	_, err = r.Sync(ctx, account)
	require.NoError(t, err)

	// Updates that carry the whole item instead of field deltas must
	// still land on an already-cached entry.
	entry, err := s.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)
	require.True(t, entry.IsRead)
	require.Equal(t, "v2", entry.Version)
}

func TestIncomingItemKeepsSpeculativeLocalState(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{
			{result: &FetchResult{Cursor: "c1", Changes: []Change{
				{Kind: ChangeNew, RemoteID: "m1", Item: &Item{RemoteID: "m1", Subject: "hello"}},
			}}},
			{result: &FetchResult{Cursor: "c2", Changes: []Change{
				{Kind: ChangeNew, RemoteID: "m1", Item: &Item{RemoteID: "m1", Subject: "hello"}},
			}}},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)

	// The user stars the message offline: the replica is updated
	// speculatively and the intent is queued.
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	entry, err := tx.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)
	entry.IsStarred = true
	require.NoError(t, tx.UpsertEntry(ctx, *entry))
	require.NoError(t, tx.Commit())

	pc := store.PendingChange{
		AccountID:      account.ID,
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload:        store.ChangePayload{SetStarred: boolp(true)},
	}
	require.NoError(t, s.Enqueue(ctx, &pc))

	_, err = r.Sync(ctx, account)
	require.NoError(t, err)

	// The incoming copy of m1 must not clobber the starred state the
	// queued change is carrying to the server.
	got, err := s.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)
	require.True(t, got.IsStarred)
}

func TestIncomingItemOverwritesWhenRemoteWins(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{
			{result: &FetchResult{Cursor: "c1", Changes: []Change{
				{Kind: ChangeNew, RemoteID: "m1", Item: &Item{RemoteID: "m1", IsRead: true}},
			}}},
			{result: &FetchResult{Cursor: "c2", Changes: []Change{
				{Kind: ChangeNew, RemoteID: "m1", Item: &Item{
					RemoteID: "m1", Subject: "rewritten", IsRead: true,
				}},
			}}},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	ctx := context.Background()

	_, err := r.Sync(ctx, account)
	require.NoError(t, err)

	// A queued read-state edit is remote-owned under the default
	// policy, so the incoming item replaces the entry.
	pc := queuedUpdate(account.ID, "m1")
	require.NoError(t, s.Enqueue(ctx, &pc))

	_, err = r.Sync(ctx, account)
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, account.ID, "m1")
	require.NoError(t, err)
	require.Equal(t, "rewritten", got.Subject)
}

func TestDrainFailsChangeAfterAttemptCap(t *testing.T) {
	prov := &fakeProvider{
		fetches: []fakeFetch{{result: &FetchResult{Cursor: "c1"}}},
		outcomes: map[string]*PushOutcome{
			"m1": {Status: PushRetryable, Err: errors.New("503")},
		},
	}
	r, s, account := newTestReconciler(t, prov)
	r.MaxPushAttempts = 2
	ctx := context.Background()

	stuck := queuedUpdate(account.ID, "m1")
	rest := queuedUpdate(account.ID, "m2")
	require.NoError(t, s.Enqueue(ctx, &stuck))
	require.NoError(t, s.Enqueue(ctx, &rest))

	// First run: one attempt, the change stays queued and m2 waits
	// behind it.
	_, err := r.Sync(ctx, account)
	require.NoError(t, err)
	statuses := statusByTarget(t, s, account.ID)
	require.Equal(t, store.StatusQueued, statuses["m1"])
	require.Equal(t, store.StatusQueued, statuses["m2"])

	// Second run exhausts the cap: m1 fails permanently and stops
	// blocking the queue.
	res, err := r.Sync(ctx, account)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Pushed)

	got, err := s.GetChange(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, 2, got.AttemptCount)
	require.Contains(t, got.LastError, "gave up")

	statuses = statusByTarget(t, s, account.ID)
	require.Equal(t, store.StatusSynced, statuses["m2"])
}

// stallingProvider hangs in FetchChangesSince until the call context
// expires.
type stallingProvider struct{ fakeProvider }

func (p *stallingProvider) FetchChangesSince(ctx context.Context, cursor string) (*FetchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSyncCallTimeoutSurfacesAsNetworkError(t *testing.T) {
	prov := &stallingProvider{}
	r, s, account := newTestReconciler(t, prov)
	r.CallTimeout = 25 * time.Millisecond
	ctx := context.Background()

	_, err := r.Sync(ctx, account)
	require.Error(t, err)
	require.True(t, IsRetryable(err))

	st, err := s.LoadSyncState(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, "network", st.LastErrorKind)
}

func TestSyncAuthFailurePublishesAuthRequired(t *testing.T) {
	prov := &fakeProvider{
		authErr: &AuthError{AccountID: "acct", Message: "token expired"},
		fetches: []fakeFetch{{result: &FetchResult{}}},
	}

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	account := Account{ID: "acct", Kind: KindHistoryCursor}
	reg := NewRegistry()
	reg.Register(account.ID, prov)

	bus := events.NewBus(nil)
	sub := bus.Subscribe()
	r := NewReconciler(s, reg, bus, DefaultPolicy(), nil)

	_, err = r.Sync(context.Background(), account)
	require.Error(t, err)
	require.True(t, IsAuthError(err))

	types := collectEventTypes(t, sub, 3)
	require.Contains(t, types, events.AuthRequired)
	require.Contains(t, types, events.SyncFailed)

	st, err := s.LoadSyncState(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, "auth_expired", st.LastErrorKind)
}

func TestSyncUnknownAccount(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	r := NewReconciler(s, NewRegistry(), events.NewBus(nil), DefaultPolicy(), nil)
	_, err = r.Sync(context.Background(), Account{ID: "ghost"})
	require.ErrorIs(t, err, ErrNoProvider)
}

// queuedUpdate builds a minimal queued read-state change for tests.
func queuedUpdate(accountID, target string) store.PendingChange {
	return store.PendingChange{
		AccountID:      accountID,
		Kind:           store.KindUpdate,
		TargetRemoteID: target,
		Payload:        store.ChangePayload{SetRead: boolp(true)},
	}
}

func listAll(t *testing.T, s *store.Store, accountID string) []store.PendingChange {
	t.Helper()
	changes, err := s.ListChanges(context.Background(), accountID)
	require.NoError(t, err)
	return changes
}

func statusByTarget(t *testing.T, s *store.Store, accountID string) map[string]store.PendingStatus {
	t.Helper()
	out := make(map[string]store.PendingStatus)
	for _, pc := range listAll(t, s, accountID) {
		out[pc.TargetRemoteID] = pc.Status
	}
	return out
}

func collectEventTypes(t *testing.T, sub <-chan events.Event, n int) []events.Type {
	t.Helper()
	var types []events.Type
	timeout := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case ev := <-sub:
			types = append(types, ev.Type)
		case <-timeout:
			return types
		}
	}
	return types
}
