package engine

import "github.com/driftmail/driftmail/internal/store"

// Verdict is the decision a conflict resolution produces. The
// reconciler alone performs the resulting I/O.
type Verdict int

const (
	// KeepLocal retries the pending change as-is on the next drain.
	KeepLocal Verdict = iota
	// KeepRemote drops the pending change and applies the remote
	// state locally.
	KeepRemote
	// Reapply rewrites the pending change's intent against the
	// current remote state and retries it on the next drain.
	Reapply
)

func (v Verdict) String() string {
	switch v {
	case KeepLocal:
		return "keep_local"
	case KeepRemote:
		return "keep_remote"
	case Reapply:
		return "reapply"
	}
	return "unknown"
}

// Policy draws the field-level boundary between externally visible
// mailbox state (remote wins) and locally authored intent (local
// wins). The default allocation puts read state and labels on the
// remote side, and starred state plus compose content on the local
// side. Treated as configuration, not a hard guarantee.
type Policy struct {
	// StarredIsLocalIntent keeps a locally toggled star even when the
	// remote copy disagrees.
	StarredIsLocalIntent bool

	// LabelsAreRemote lets labels applied by other clients win over a
	// queued local label edit.
	LabelsAreRemote bool
}

// DefaultPolicy returns the stock conflict allocation.
func DefaultPolicy() Policy {
	return Policy{
		StarredIsLocalIntent: true,
		LabelsAreRemote:      true,
	}
}

// Resolve decides what to do when a pending change's target has been
// independently modified or removed on the remote. remote is the
// current server state, nil when the target was deleted remotely.
//
// Resolve is pure: same inputs always produce the same verdict,
// regardless of call order or prior state.
func (p Policy) Resolve(pending store.PendingChange, remote *Item) Verdict {
	// The target is gone on the server. A mutation of a deleted item
	// has nothing to apply to; the deletion wins silently.
	if remote == nil {
		if pending.Kind == store.KindCreate {
			// Creating something new cannot conflict with a deletion
			// of an unrelated id; push it again.
			return KeepLocal
		}
		return KeepRemote
	}

	switch pending.Kind {
	case store.KindCreate:
		// Not-yet-sent drafts and in-flight compose content are the
		// user's words; they always win.
		return KeepLocal

	case store.KindDelete:
		// Archive/trash is explicit user intent on a still-existing
		// item; retry it against the current state.
		return KeepLocal

	case store.KindUpdate:
		if pending.Payload.Draft != nil {
			return KeepLocal
		}
		if p.StarredIsLocalIntent && pending.Payload.SetStarred != nil {
			if onlyTouchesStar(pending.Payload) {
				return KeepLocal
			}
			// Mixed payload: carry the local-intent fields forward,
			// rebased onto the remote's view of the rest.
			return Reapply
		}
		if p.LabelsAreRemote || pending.Payload.SetRead != nil {
			return KeepRemote
		}
		return Reapply
	}

	// Unknown change kinds default to remote-wins; the reconciler logs
	// the ambiguity.
	return KeepRemote
}

func onlyTouchesStar(p store.ChangePayload) bool {
	return p.SetRead == nil && len(p.AddLabels) == 0 && len(p.RemoveLabels) == 0 &&
		!p.Archive && !p.Trash && p.Draft == nil
}

// RebasePayload rewrites a mixed payload for Reapply: local-intent
// fields are preserved, remote-owned fields are dropped so the next
// push no longer fights the server over them.
func RebasePayload(p store.ChangePayload) store.ChangePayload {
	return store.ChangePayload{
		SetStarred: p.SetStarred,
		Draft:      p.Draft,
		Archive:    p.Archive,
		Trash:      p.Trash,
	}
}
