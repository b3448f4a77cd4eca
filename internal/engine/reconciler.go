// Package engine implements the sync core: the provider contract, the
// per-account reconciliation algorithm, conflict resolution, and the
// background scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftmail/driftmail/internal/events"
	"github.com/driftmail/driftmail/internal/store"
)

// drainBatchSize bounds how many queued changes one run pushes.
const drainBatchSize = 100

// syncedRetention is how long synced change-log rows are kept before
// housekeeping purges them.
const syncedRetention = 24 * time.Hour

// Result summarizes one reconciliation run.
type Result struct {
	Received int
	Pushed   int
	Failed   int
	Duration time.Duration
}

// Reconciler merges remote changes into the local replica and drains
// the change log against the remote, one account at a time.
type Reconciler struct {
	store    *store.Store
	registry *Registry
	bus      *events.Bus
	policy   Policy
	logger   *logrus.Logger

	// MaxItems caps how many remote changes one run applies; zero
	// means unlimited.
	MaxItems int

	// MaxPushAttempts fails a pending change permanently once its
	// retryable failures reach this count; zero means retry forever.
	MaxPushAttempts int

	// CallTimeout bounds each individual provider call; zero means the
	// run's context alone governs them. A timed-out call surfaces as
	// retryable, not permanent.
	CallTimeout time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewReconciler wires a reconciler over the given store and provider
// registry.
func NewReconciler(s *store.Store, reg *Registry, bus *events.Bus, policy Policy, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{
		store:    s,
		registry: reg,
		bus:      bus,
		policy:   policy,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
}

// Sync reconciles one account: fetch remote changes, apply them to the
// replica, drain queued local changes, and commit the new cursor with
// everything else in one transaction.
//
// Returns ErrAlreadySyncing when a run for the account is in flight.
func (r *Reconciler) Sync(ctx context.Context, account Account) (Result, error) {
	if !r.tryLock(account.ID) {
		return Result{}, ErrAlreadySyncing
	}
	defer r.unlock(account.ID)

	start := time.Now()
	r.bus.Publish(events.Event{Type: events.SyncStarted, AccountID: account.ID})

	res, err := r.sync(ctx, account)
	res.Duration = time.Since(start)

	if err != nil {
		kind := ErrorKind(err)
		if recErr := r.store.RecordError(ctx, account.ID, kind, err.Error()); recErr != nil {
			r.logger.WithError(recErr).WithField("account", account.ID).
				Error("failed to record sync error")
		}
		if IsAuthError(err) {
			r.bus.Publish(events.Event{Type: events.AuthRequired, AccountID: account.ID})
		}
		r.bus.Publish(events.Event{
			Type:      events.SyncFailed,
			AccountID: account.ID,
			ErrorKind: kind,
		})
		return res, err
	}

	r.bus.Publish(events.Event{
		Type:       events.SyncCompleted,
		AccountID:  account.ID,
		Received:   res.Received,
		Pushed:     res.Pushed,
		Failed:     res.Failed,
		DurationMS: res.Duration.Milliseconds(),
	})

	// Housekeeping outside the sync transaction; losing a purge to a
	// crash is harmless.
	if _, err := r.store.PurgeSynced(ctx, account.ID, time.Now().Add(-syncedRetention)); err != nil {
		r.logger.WithError(err).WithField("account", account.ID).
			Warn("failed to purge synced changes")
	}

	return res, nil
}

func (r *Reconciler) sync(ctx context.Context, account Account) (Result, error) {
	var res Result

	prov := r.registry.Get(account.ID)
	if prov == nil {
		return res, ErrNoProvider
	}

	if err := r.authenticate(ctx, account, prov); err != nil {
		return res, err
	}

	st, err := r.store.LoadSyncState(ctx, account.ID)
	if err != nil {
		return res, &CorruptionError{AccountID: account.ID, Detail: err.Error()}
	}

	fetch, err := r.fetchChanges(ctx, prov, st.Cursor)
	if errors.Is(err, ErrCursorInvalidated) {
		r.logger.WithField("account", account.ID).
			Warn("cursor invalidated, performing full resync")
		if clearErr := r.store.ClearAccount(ctx, account.ID); clearErr != nil {
			return res, fmt.Errorf("clearing replica for resync: %w", clearErr)
		}
		fetch, err = r.fetchChanges(ctx, prov, "")
	}
	if err != nil {
		return res, fmt.Errorf("fetching changes for %s: %w", account.ID, err)
	}

	changes := fetch.Changes
	if r.MaxItems > 0 && len(changes) > r.MaxItems {
		// Apply a bounded prefix; the old cursor stays put so the rest
		// arrives on the next run.
		changes = changes[:r.MaxItems]
		fetch.Cursor = st.Cursor
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	applied, err := r.applyChanges(ctx, tx, account, prov, changes)
	if err != nil {
		return res, err
	}
	res.Received = applied

	pushed, failed, err := r.drain(ctx, tx, account, prov)
	if err != nil {
		return res, err
	}
	res.Pushed = pushed
	res.Failed = failed

	if err := tx.SaveCursor(ctx, account.ID, fetch.Cursor); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("committing sync for %s: %w", account.ID, err)
	}

	return res, nil
}

// callCtx bounds one provider call so a hung network connection cannot
// stall the account loop past CallTimeout.
func (r *Reconciler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.CallTimeout)
}

func (r *Reconciler) authenticate(ctx context.Context, account Account, prov Provider) error {
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()

	err := prov.Authenticate(callCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &NetworkError{Op: "authenticate", Err: err}
	}
	return fmt.Errorf("authenticating %s: %w", account.ID, err)
}

func (r *Reconciler) fetchChanges(ctx context.Context, prov Provider, cursor string) (*FetchResult, error) {
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()

	fetch, err := prov.FetchChangesSince(callCtx, cursor)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, &NetworkError{Op: "fetch changes", Err: err}
	}
	return fetch, err
}

// applyChanges replays remote changes onto the replica in delivery
// order. Applying the same sequence twice yields the same replica
// state as applying it once.
func (r *Reconciler) applyChanges(ctx context.Context, tx *store.SyncTx, account Account, prov Provider, changes []Change) (int, error) {
	applied := 0

	for _, ch := range changes {
		switch ch.Kind {
		case ChangeDeleted:
			if err := tx.DeleteEntry(ctx, account.ID, ch.RemoteID); err != nil {
				return applied, err
			}

		case ChangeUpdated:
			// Some providers have no field-level deltas and deliver the
			// full current item instead.
			if ch.Item != nil {
				if err := r.applyIncoming(ctx, tx, account, ch.Item); err != nil {
					return applied, err
				}
				applied++
				continue
			}

			entry, err := tx.GetEntry(ctx, account.ID, ch.RemoteID)
			if errors.Is(err, store.ErrNotFound) {
				// An update for an item we never cached: pull the full
				// item instead of guessing at missing fields.
				item, fetchErr := r.fetchFullItem(ctx, prov, ch.RemoteID)
				if fetchErr != nil {
					return applied, fmt.Errorf("fetching full item %s: %w", ch.RemoteID, fetchErr)
				}
				if item == nil {
					// Gone between the change feed and the fetch.
					applied++
					continue
				}
				if err := tx.UpsertEntry(ctx, itemToEntry(account.ID, item)); err != nil {
					return applied, err
				}
				applied++
				continue
			}
			if err != nil {
				return applied, err
			}
			mergeFields(entry, ch.Fields)
			if err := tx.UpsertEntry(ctx, *entry); err != nil {
				return applied, err
			}

		case ChangeNew:
			if ch.Item == nil {
				return applied, fmt.Errorf("new change for %s carries no item", ch.RemoteID)
			}
			if err := r.applyIncoming(ctx, tx, account, ch.Item); err != nil {
				return applied, err
			}
		}
		applied++
	}

	return applied, nil
}

// applyIncoming upserts a full remote item. When the item is already
// cached and queued local changes target it, the conflict policy
// decides whether the speculatively applied local state survives the
// overwrite.
func (r *Reconciler) applyIncoming(ctx context.Context, tx *store.SyncTx, account Account, item *Item) error {
	_, err := tx.GetEntry(ctx, account.ID, item.RemoteID)
	if errors.Is(err, store.ErrNotFound) {
		return tx.UpsertEntry(ctx, itemToEntry(account.ID, item))
	}
	if err != nil {
		return err
	}

	pending, err := tx.QueuedForTarget(ctx, account.ID, item.RemoteID)
	if err != nil {
		return err
	}

	keepLocal := false
	for _, pc := range pending {
		switch r.policy.Resolve(pc, item) {
		case KeepLocal:
			keepLocal = true
		case Reapply:
			if err := tx.RewritePayload(ctx, pc.ID, RebasePayload(pc.Payload)); err != nil {
				return err
			}
		}
	}
	if keepLocal {
		// The replica keeps the speculative local state; the queued
		// change carries it to the server on the drain.
		return nil
	}
	return tx.UpsertEntry(ctx, itemToEntry(account.ID, item))
}

func (r *Reconciler) fetchFullItem(ctx context.Context, prov Provider, remoteID string) (*Item, error) {
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()

	item, err := prov.FetchFullItem(callCtx, remoteID)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, &NetworkError{Op: "fetch full item", Err: err}
	}
	return item, err
}

// drain pushes queued pending changes in enqueue order. A Retryable
// outcome stops the drain for this run so later changes never overtake
// an earlier one; a Rejected outcome fails only the changes chained on
// the same item.
func (r *Reconciler) drain(ctx context.Context, tx *store.SyncTx, account Account, prov Provider) (pushed, failed int, err error) {
	batch, err := tx.NextBatch(ctx, account.ID, drainBatchSize)
	if err != nil {
		return 0, 0, err
	}

	rejectedTargets := make(map[string]bool)

	for _, pc := range batch {
		select {
		case <-ctx.Done():
			// Stop requested: what has been recorded so far still
			// commits; the rest drains next run.
			return pushed, failed, nil
		default:
		}

		if pc.TargetRemoteID != "" && rejectedTargets[pc.TargetRemoteID] {
			// An earlier change on this item was permanently refused;
			// replaying later intents on top of it would reorder.
			if err := tx.MarkFailed(ctx, pc.ID, "earlier change on this item was rejected"); err != nil {
				return pushed, failed, err
			}
			failed++
			continue
		}

		pushCtx, cancel := r.callCtx(ctx)
		outcome, pushErr := prov.PushChange(pushCtx, pc)
		cancel()
		if pushErr != nil {
			// A transport-level error is indistinguishable from a
			// Retryable outcome; treat it the same way.
			gaveUp, err := r.requeueOrGiveUp(ctx, tx, pc, pushErr.Error(), rejectedTargets)
			if err != nil {
				return pushed, failed, err
			}
			if gaveUp {
				failed++
				continue
			}
			break
		}

		switch outcome.Status {
		case PushAccepted:
			if err := tx.MarkSynced(ctx, pc.ID); err != nil {
				return pushed, failed, err
			}
			if outcome.RemoteID != "" && outcome.RemoteID != pc.TargetRemoteID {
				if err := tx.BindRemoteID(ctx, pc.ID, outcome.RemoteID); err != nil {
					return pushed, failed, err
				}
			}
			pushed++

		case PushConflict:
			verdict := r.policy.Resolve(pc, outcome.Remote)
			r.logger.WithFields(logrus.Fields{
				"account": account.ID,
				"change":  pc.ID,
				"verdict": verdict.String(),
			}).Info("push conflict resolved")

			switch verdict {
			case KeepLocal:
				if err := tx.BumpAttempt(ctx, pc.ID, "conflict: retrying local intent"); err != nil {
					return pushed, failed, err
				}
			case Reapply:
				if err := tx.RewritePayload(ctx, pc.ID, RebasePayload(pc.Payload)); err != nil {
					return pushed, failed, err
				}
				if err := tx.BumpAttempt(ctx, pc.ID, "conflict: rebased onto remote state"); err != nil {
					return pushed, failed, err
				}
			case KeepRemote:
				if err := tx.MarkSynced(ctx, pc.ID); err != nil {
					return pushed, failed, err
				}
				if outcome.Remote != nil {
					if err := tx.UpsertEntry(ctx, itemToEntry(account.ID, outcome.Remote)); err != nil {
						return pushed, failed, err
					}
				} else if pc.TargetRemoteID != "" {
					if err := tx.DeleteEntry(ctx, account.ID, pc.TargetRemoteID); err != nil {
						return pushed, failed, err
					}
				}
			}

		case PushRejected:
			if err := tx.MarkFailed(ctx, pc.ID, outcome.Reason); err != nil {
				return pushed, failed, err
			}
			if pc.TargetRemoteID != "" {
				rejectedTargets[pc.TargetRemoteID] = true
			}
			failed++

		case PushRetryable:
			reason := "retryable push failure"
			if outcome.Err != nil {
				reason = outcome.Err.Error()
			}
			gaveUp, err := r.requeueOrGiveUp(ctx, tx, pc, reason, rejectedTargets)
			if err != nil {
				return pushed, failed, err
			}
			if gaveUp {
				failed++
				continue
			}
			// Do not reorder past a failed item: the rest of the queue
			// waits for the next run.
			return pushed, failed, nil
		}
	}

	return pushed, failed, nil
}

// requeueOrGiveUp handles a retryable push failure: the change stays
// queued with a bumped attempt counter until MaxPushAttempts is
// reached, then fails permanently so it stops blocking the queue.
func (r *Reconciler) requeueOrGiveUp(ctx context.Context, tx *store.SyncTx, pc store.PendingChange, reason string, rejected map[string]bool) (gaveUp bool, err error) {
	if err := tx.BumpAttempt(ctx, pc.ID, reason); err != nil {
		return false, err
	}

	attempts := pc.AttemptCount + 1
	if r.MaxPushAttempts <= 0 || attempts < r.MaxPushAttempts {
		return false, nil
	}

	if err := tx.MarkFailed(ctx, pc.ID, fmt.Sprintf("gave up after %d attempts: %s", attempts, reason)); err != nil {
		return false, err
	}
	if pc.TargetRemoteID != "" {
		rejected[pc.TargetRemoteID] = true
	}
	return true, nil
}

func (r *Reconciler) tryLock(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[accountID] {
		return false
	}
	r.inFlight[accountID] = true
	return true
}

func (r *Reconciler) unlock(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, accountID)
}

// itemToEntry converts a provider item to its replica representation.
func itemToEntry(accountID string, it *Item) store.Entry {
	return store.Entry{
		AccountID: accountID,
		RemoteID:  it.RemoteID,
		ThreadID:  it.ThreadID,
		Subject:   it.Subject,
		Sender:    it.Sender,
		Snippet:   it.Snippet,
		Labels:    it.Labels,
		IsRead:    it.IsRead,
		IsStarred: it.IsStarred,
		IsDraft:   it.IsDraft,
		Version:   it.Version,
		Date:      it.Date,
	}
}

// mergeFields folds an update's touched fields into an entry and bumps
// its version token.
func mergeFields(e *store.Entry, f *ItemFields) {
	if f == nil {
		return
	}
	if f.IsRead != nil {
		e.IsRead = *f.IsRead
	}
	if f.IsStarred != nil {
		e.IsStarred = *f.IsStarred
	}
	if len(f.AddLabels) > 0 || len(f.RemoveLabels) > 0 {
		e.Labels = applyLabelEdits(e.Labels, f.AddLabels, f.RemoveLabels)
	}
	if f.Version != "" {
		e.Version = f.Version
	}
}

func applyLabelEdits(labels, add, remove []string) []string {
	set := make(map[string]bool, len(labels)+len(add))
	var out []string
	for _, l := range labels {
		set[l] = true
	}
	for _, l := range add {
		set[l] = true
	}
	for _, l := range remove {
		delete(set, l)
	}
	// Preserve original order, then append additions in order.
	for _, l := range labels {
		if set[l] {
			out = append(out, l)
			set[l] = false
		}
	}
	for _, l := range add {
		if v, ok := set[l]; ok && v {
			out = append(out, l)
			set[l] = false
		}
	}
	return out
}
