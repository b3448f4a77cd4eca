package engine

import (
	"context"
	"sync"
	"time"

	"github.com/driftmail/driftmail/internal/store"
)

// ProviderKind identifies the cursor family a provider belongs to.
// The set is closed: remote-API-style providers page through an
// incremental history feed, stateful-mailbox providers track a
// validity epoch plus a last-seen sequence.
type ProviderKind string

const (
	KindHistoryCursor  ProviderKind = "history"
	KindSequenceCursor ProviderKind = "sequence"
)

// Account describes one remote mailbox the engine syncs. Accounts are
// created by account management; the engine only reads them.
type Account struct {
	ID            string
	Kind          ProviderKind
	CredentialRef string
}

// Item is the normalized server-side view of a message. Version
// changes whenever the server-visible state of the item changes.
type Item struct {
	RemoteID  string
	ThreadID  string
	Subject   string
	Sender    string
	To        []string
	Snippet   string
	Labels    []string
	IsRead    bool
	IsStarred bool
	IsDraft   bool
	Version   string
	Date      time.Time
}

// ItemFields carries the subset of fields touched by a remote update.
// Nil pointers mean "unchanged".
type ItemFields struct {
	IsRead       *bool
	IsStarred    *bool
	AddLabels    []string
	RemoveLabels []string
	Version      string
}

// ChangeKind discriminates the remote-origin change variants.
type ChangeKind int

const (
	ChangeNew ChangeKind = iota
	ChangeUpdated
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNew:
		return "new"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	}
	return "unknown"
}

// Change is a remote-origin mutation delivered by a provider fetch.
// Changes are consumed immediately by the reconciler and never
// persisted as-is.
type Change struct {
	Kind     ChangeKind
	RemoteID string

	// Item is set for ChangeNew.
	Item *Item

	// Fields is set for ChangeUpdated.
	Fields *ItemFields
}

// FetchResult is the outcome of one FetchChangesSince call. Changes
// are in provider-delivery order, which reflects server-side causal
// order. Cursor is the token to persist once the batch and any queued
// pushes have both committed.
type FetchResult struct {
	Changes []Change
	Cursor  string
}

// PushStatus classifies the result of pushing one pending change.
type PushStatus int

const (
	PushAccepted PushStatus = iota
	PushConflict
	PushRejected
	PushRetryable
)

// PushOutcome reports what the remote did with a pushed change.
type PushOutcome struct {
	Status PushStatus

	// RemoteID is set on PushAccepted when the push created an item.
	RemoteID string

	// Remote is the current server state on PushConflict. Nil means
	// the target no longer exists remotely.
	Remote *Item

	// Reason explains a PushRejected.
	Reason string

	// Err is the transient cause behind a PushRetryable.
	Err error
}

// Provider is the uniform capability interface over a remote mailbox.
// Each protocol family implements its own pagination and cursor
// arithmetic; the reconciler stays protocol-agnostic.
//
// FetchChangesSince must be resumable: retrying with the same input
// cursor must yield a prefix-compatible or full result set; it must
// never skip changes. A stored cursor the remote no longer accepts is
// reported as ErrCursorInvalidated.
type Provider interface {
	Kind() ProviderKind

	// Authenticate validates the externally supplied credential.
	// It returns an AuthError when interactive re-authentication is
	// required; the engine never performs that flow itself.
	Authenticate(ctx context.Context) error

	FetchChangesSince(ctx context.Context, cursor string) (*FetchResult, error)

	PushChange(ctx context.Context, pending store.PendingChange) (*PushOutcome, error)

	// FetchFullItem loads a complete item, used when a change
	// references an id not locally cached.
	FetchFullItem(ctx context.Context, remoteID string) (*Item, error)
}

// Registry holds the provider per account. It is read-mostly:
// populated when accounts are added, read on every sync run.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a provider to an account id, replacing any previous
// binding.
func (r *Registry) Register(accountID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[accountID] = p
}

// Unregister removes the provider for an account.
func (r *Registry) Unregister(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, accountID)
}

// Get returns the provider for an account, or nil if none registered.
func (r *Registry) Get(accountID string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[accountID]
}
