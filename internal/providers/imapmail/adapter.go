// Package imapmail implements the sequence-cursor provider over IMAP.
// IMAP has no change feed, so the cursor records the UIDVALIDITY
// epoch, the highest UID seen, and a flag signature per known UID; the
// adapter diffs mailbox state against that record to synthesize a
// change list.
package imapmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"

	"github.com/driftmail/driftmail/internal/credential"
	"github.com/driftmail/driftmail/internal/engine"
	"github.com/driftmail/driftmail/internal/store"
)

const (
	mailboxInbox   = "INBOX"
	mailboxDrafts  = "Drafts"
	mailboxTrash   = "Trash"
	mailboxArchive = "Archive"

	snippetLimit = 200
)

// Adapter implements engine.Provider for plain IMAP servers.
type Adapter struct {
	accountID string
	host      string
	port      int
	creds     credential.Source
	credRef   string

	// dial is swapped out in tests.
	dial func(addr string) (*client.Client, error)
}

var _ engine.Provider = (*Adapter)(nil)

// New creates an IMAP adapter for one account.
func New(accountID, host string, port int, credRef string, creds credential.Source) *Adapter {
	return &Adapter{
		accountID: accountID,
		host:      host,
		port:      port,
		creds:     creds,
		credRef:   credRef,
		dial: func(addr string) (*client.Client, error) {
			return client.DialTLS(addr, &tls.Config{MinVersion: tls.VersionTLS12})
		},
	}
}

// Kind reports that IMAP uses sequence-style cursors.
func (a *Adapter) Kind() engine.ProviderKind { return engine.KindSequenceCursor }

// connect dials, logs in, and returns a live session.
func (a *Adapter) connect(ctx context.Context) (*client.Client, error) {
	h, err := a.creds.Handle(a.credRef)
	if err != nil {
		return nil, &engine.AuthError{AccountID: a.accountID, Message: err.Error()}
	}

	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	cl, err := a.dial(addr)
	if err != nil {
		return nil, &engine.NetworkError{Op: "dial imap", Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		cl.Timeout = time.Until(deadline)
	}

	if err := cl.Login(h.Username, h.Password); err != nil {
		cl.Logout() //nolint:errcheck
		return nil, &engine.AuthError{AccountID: a.accountID, Message: err.Error()}
	}
	return cl, nil
}

// Authenticate verifies the stored credential by logging in.
func (a *Adapter) Authenticate(ctx context.Context) error {
	cl, err := a.connect(ctx)
	if err != nil {
		return err
	}
	return cl.Logout()
}

// FetchChangesSince diffs the mailbox against the cursor. An empty
// cursor performs the full backfill; a UIDVALIDITY change means every
// stored UID is meaningless and surfaces as engine.ErrCursorInvalidated.
func (a *Adapter) FetchChangesSince(ctx context.Context, rawCursor string) (*engine.FetchResult, error) {
	cl, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer cl.Logout() //nolint:errcheck

	mbox, err := cl.Select(mailboxInbox, true)
	if err != nil {
		return nil, a.mapError("select inbox", err)
	}

	if rawCursor == "" {
		return a.backfill(cl, mbox)
	}

	cur, err := decodeCursor(rawCursor)
	if err != nil {
		return nil, engine.ErrCursorInvalidated
	}
	if cur.UIDValidity != mbox.UidValidity {
		// The server renumbered the mailbox.
		return nil, engine.ErrCursorInvalidated
	}

	var changes []engine.Change
	next := cursor{
		UIDValidity: mbox.UidValidity,
		LastUID:     cur.LastUID,
		Seen:        make(map[uint32]string, len(cur.Seen)),
	}

	// Pass 1: flags of every UID the cursor knows about. A UID absent
	// from the response was expunged; a changed signature is an update.
	if len(cur.Seen) > 0 {
		present := make(map[uint32]*imap.Message)
		set := new(imap.SeqSet)
		set.AddRange(1, cur.LastUID)
		msgs, err := a.uidFetch(cl, set, []imap.FetchItem{imap.FetchFlags, imap.FetchUid})
		if err != nil {
			return nil, a.mapError("fetch flags", err)
		}
		for _, m := range msgs {
			present[m.Uid] = m
		}

		for _, uid := range sortedUIDs(cur.Seen) {
			oldSig := cur.Seen[uid]
			m, ok := present[uid]
			if !ok {
				changes = append(changes, engine.Change{
					Kind:     engine.ChangeDeleted,
					RemoteID: formatUID(uid),
				})
				continue
			}
			sig := flagSignature(m.Flags)
			next.Seen[uid] = sig
			if sig != oldSig {
				changes = append(changes, engine.Change{
					Kind:     engine.ChangeUpdated,
					RemoteID: formatUID(uid),
					Fields:   fieldsFromFlags(m.Flags, oldSig),
				})
			}
		}
	}

	// Pass 2: everything above the high-water mark is new.
	set := new(imap.SeqSet)
	set.AddRange(cur.LastUID+1, 0)
	msgs, err := a.uidFetch(cl, set, []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid,
	})
	if err != nil {
		return nil, a.mapError("fetch new messages", err)
	}
	for _, m := range msgs {
		// Servers answer "N+1:*" with message N when nothing is newer.
		if m.Uid <= cur.LastUID {
			continue
		}
		changes = append(changes, engine.Change{
			Kind:     engine.ChangeNew,
			RemoteID: formatUID(m.Uid),
			Item:     a.normalize(m, ""),
		})
		next.Seen[m.Uid] = flagSignature(m.Flags)
		if m.Uid > next.LastUID {
			next.LastUID = m.Uid
		}
	}

	encoded, err := next.encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode cursor: %w", err)
	}
	return &engine.FetchResult{Changes: changes, Cursor: encoded}, nil
}

// backfill fetches the whole mailbox and seeds the cursor.
func (a *Adapter) backfill(cl *client.Client, mbox *imap.MailboxStatus) (*engine.FetchResult, error) {
	cur := cursor{
		UIDValidity: mbox.UidValidity,
		Seen:        make(map[uint32]string),
	}

	var changes []engine.Change
	if mbox.Messages > 0 {
		set := new(imap.SeqSet)
		set.AddRange(1, 0)
		msgs, err := a.uidFetch(cl, set, []imap.FetchItem{
			imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid,
		})
		if err != nil {
			return nil, a.mapError("backfill", err)
		}
		for _, m := range msgs {
			changes = append(changes, engine.Change{
				Kind:     engine.ChangeNew,
				RemoteID: formatUID(m.Uid),
				Item:     a.normalize(m, ""),
			})
			cur.Seen[m.Uid] = flagSignature(m.Flags)
			if m.Uid > cur.LastUID {
				cur.LastUID = m.Uid
			}
		}
	}

	encoded, err := cur.encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode cursor: %w", err)
	}
	return &engine.FetchResult{Changes: changes, Cursor: encoded}, nil
}

// PushChange applies one pending local change over IMAP.
func (a *Adapter) PushChange(ctx context.Context, pending store.PendingChange) (*engine.PushOutcome, error) {
	cl, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer cl.Logout() //nolint:errcheck

	switch pending.Kind {
	case store.KindCreate:
		return a.pushCreate(cl, pending)
	case store.KindDelete:
		return a.moveToMailbox(cl, pending, mailboxTrash)
	case store.KindUpdate:
		return a.pushUpdate(cl, pending)
	}
	return &engine.PushOutcome{
		Status: engine.PushRejected,
		Reason: fmt.Sprintf("unsupported change kind %q", pending.Kind),
	}, nil
}

func (a *Adapter) pushUpdate(cl *client.Client, pending store.PendingChange) (*engine.PushOutcome, error) {
	p := pending.Payload
	if p.Trash {
		return a.moveToMailbox(cl, pending, mailboxTrash)
	}
	if p.Archive {
		return a.moveToMailbox(cl, pending, mailboxArchive)
	}

	uid, err := parseUID(pending.TargetRemoteID)
	if err != nil {
		return &engine.PushOutcome{Status: engine.PushRejected, Reason: err.Error()}, nil
	}
	if _, err := cl.Select(mailboxInbox, false); err != nil {
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("select inbox", err)}, nil
	}

	exists, err := a.uidExists(cl, uid)
	if err != nil {
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("probe uid", err)}, nil
	}
	if !exists {
		return &engine.PushOutcome{Status: engine.PushConflict}, nil
	}

	var add, remove []interface{}
	if p.SetRead != nil {
		if *p.SetRead {
			add = append(add, imap.SeenFlag)
		} else {
			remove = append(remove, imap.SeenFlag)
		}
	}
	if p.SetStarred != nil {
		if *p.SetStarred {
			add = append(add, imap.FlaggedFlag)
		} else {
			remove = append(remove, imap.FlaggedFlag)
		}
	}
	for _, l := range p.AddLabels {
		add = append(add, l)
	}
	for _, l := range p.RemoveLabels {
		remove = append(remove, l)
	}

	set := new(imap.SeqSet)
	set.AddNum(uid)
	if len(add) > 0 {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := cl.UidStore(set, item, add, nil); err != nil {
			return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("store flags", err)}, nil
		}
	}
	if len(remove) > 0 {
		item := imap.FormatFlagsOp(imap.RemoveFlags, true)
		if err := cl.UidStore(set, item, remove, nil); err != nil {
			return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("store flags", err)}, nil
		}
	}
	return &engine.PushOutcome{Status: engine.PushAccepted}, nil
}

// moveToMailbox copies the message and expunges the original.
func (a *Adapter) moveToMailbox(cl *client.Client, pending store.PendingChange, dest string) (*engine.PushOutcome, error) {
	uid, err := parseUID(pending.TargetRemoteID)
	if err != nil {
		return &engine.PushOutcome{Status: engine.PushRejected, Reason: err.Error()}, nil
	}
	if _, err := cl.Select(mailboxInbox, false); err != nil {
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("select inbox", err)}, nil
	}

	exists, err := a.uidExists(cl, uid)
	if err != nil {
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("probe uid", err)}, nil
	}
	if !exists {
		return &engine.PushOutcome{Status: engine.PushConflict}, nil
	}

	set := new(imap.SeqSet)
	set.AddNum(uid)
	if err := cl.UidCopy(set, dest); err != nil {
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("copy", err)}, nil
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := cl.UidStore(set, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("flag deleted", err)}, nil
	}
	if err := cl.Expunge(nil); err != nil {
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("expunge", err)}, nil
	}
	return &engine.PushOutcome{Status: engine.PushAccepted}, nil
}

func (a *Adapter) pushCreate(cl *client.Client, pending store.PendingChange) (*engine.PushOutcome, error) {
	draft := pending.Payload.Draft
	if draft == nil {
		return &engine.PushOutcome{
			Status: engine.PushRejected,
			Reason: "create change carries no draft content",
		}, nil
	}
	if draft.Send {
		// Sending needs SMTP, which this transport does not speak.
		return &engine.PushOutcome{
			Status: engine.PushRejected,
			Reason: "imap accounts cannot send mail",
		}, nil
	}

	h, err := a.creds.Handle(a.credRef)
	if err != nil {
		return nil, &engine.AuthError{AccountID: a.accountID, Message: err.Error()}
	}

	builder := enmime.Builder().
		From("", h.Username).
		Subject(draft.Subject).
		Text([]byte(draft.Body))
	for _, to := range draft.To {
		builder = builder.To("", to)
	}
	for _, cc := range draft.Cc {
		builder = builder.CC("", cc)
	}

	part, err := builder.Build()
	if err != nil {
		return &engine.PushOutcome{Status: engine.PushRejected, Reason: err.Error()}, nil
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return &engine.PushOutcome{Status: engine.PushRejected, Reason: err.Error()}, nil
	}

	flags := []string{imap.DraftFlag, imap.SeenFlag}
	if err := cl.Append(mailboxDrafts, flags, time.Now(), &buf); err != nil {
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("append draft", err)}, nil
	}
	// APPENDUID is not surfaced by this client; the draft gets its UID
	// binding on the next fetch round instead.
	return &engine.PushOutcome{Status: engine.PushAccepted}, nil
}

// FetchFullItem loads one message including its body text. A missing
// UID returns a nil item with no error.
func (a *Adapter) FetchFullItem(ctx context.Context, remoteID string) (*engine.Item, error) {
	uid, err := parseUID(remoteID)
	if err != nil {
		return nil, fmt.Errorf("imap: bad remote id %q: %w", remoteID, err)
	}

	cl, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer cl.Logout() //nolint:errcheck

	if _, err := cl.Select(mailboxInbox, true); err != nil {
		return nil, a.mapError("select inbox", err)
	}

	section := &imap.BodySectionName{Peek: true}
	set := new(imap.SeqSet)
	set.AddNum(uid)
	msgs, err := a.uidFetch(cl, set, []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid,
		section.FetchItem(),
	})
	if err != nil {
		return nil, a.mapError("fetch message", err)
	}
	for _, m := range msgs {
		if m.Uid == uid {
			return a.normalize(m, snippetFromBody(m, section)), nil
		}
	}
	return nil, nil
}

// uidFetch runs a UID FETCH and drains the message channel.
func (a *Adapter) uidFetch(cl *client.Client, set *imap.SeqSet, items []imap.FetchItem) ([]*imap.Message, error) {
	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.UidFetch(set, items, ch)
	}()

	var msgs []*imap.Message
	for m := range ch {
		msgs = append(msgs, m)
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (a *Adapter) uidExists(cl *client.Client, uid uint32) (bool, error) {
	set := new(imap.SeqSet)
	set.AddNum(uid)
	msgs, err := a.uidFetch(cl, set, []imap.FetchItem{imap.FetchUid})
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Uid == uid {
			return true, nil
		}
	}
	return false, nil
}

// normalize converts an IMAP message to the engine item shape.
func (a *Adapter) normalize(m *imap.Message, snippet string) *engine.Item {
	item := &engine.Item{
		RemoteID: formatUID(m.Uid),
		Snippet:  snippet,
		Version:  flagSignature(m.Flags),
		Date:     m.InternalDate,
	}

	for _, f := range m.Flags {
		switch f {
		case imap.SeenFlag:
			item.IsRead = true
		case imap.FlaggedFlag:
			item.IsStarred = true
		case imap.DraftFlag:
			item.IsDraft = true
		case imap.AnsweredFlag, imap.DeletedFlag, imap.RecentFlag:
		default:
			item.Labels = append(item.Labels, f)
		}
	}

	if env := m.Envelope; env != nil {
		item.Subject = env.Subject
		item.ThreadID = env.MessageId
		if len(env.From) > 0 {
			item.Sender = env.From[0].Address()
		}
		for _, to := range env.To {
			item.To = append(item.To, to.Address())
		}
		if !env.Date.IsZero() {
			item.Date = env.Date
		}
	}
	return item
}

// snippetFromBody parses the fetched body with enmime and returns a
// short text preview.
func snippetFromBody(m *imap.Message, section *imap.BodySectionName) string {
	literal := m.GetBody(section)
	if literal == nil {
		return ""
	}
	raw, err := io.ReadAll(literal)
	if err != nil || len(raw) == 0 {
		return ""
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(env.Text)
	if len(text) > snippetLimit {
		text = text[:snippetLimit]
	}
	return text
}

// fieldsFromFlags expresses the transition from the old flag signature
// to the current flag state as field edits. Keywords present in the
// old signature but absent now were removed on the server.
func fieldsFromFlags(flags []string, oldSig string) *engine.ItemFields {
	read, starred := false, false
	var labels []string
	have := make(map[string]bool)
	for _, f := range flags {
		switch f {
		case imap.SeenFlag:
			read = true
		case imap.FlaggedFlag:
			starred = true
		case imap.AnsweredFlag, imap.DeletedFlag, imap.RecentFlag, imap.DraftFlag:
		default:
			labels = append(labels, f)
			have[f] = true
		}
	}

	var removed []string
	for _, f := range strings.Split(oldSig, ",") {
		switch f {
		case "", imap.SeenFlag, imap.FlaggedFlag, imap.AnsweredFlag, imap.DeletedFlag, imap.DraftFlag:
		default:
			if !have[f] {
				removed = append(removed, f)
			}
		}
	}

	return &engine.ItemFields{
		IsRead:       &read,
		IsStarred:    &starred,
		AddLabels:    labels,
		RemoveLabels: removed,
		Version:      flagSignature(flags),
	}
}

// flagSignature produces a stable fingerprint of a flag set, used both
// as the change-detection key in the cursor and as the item version.
func flagSignature(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	sorted := make([]string, 0, len(flags))
	for _, f := range flags {
		if f == imap.RecentFlag {
			continue
		}
		sorted = append(sorted, f)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func sortedUIDs(m map[uint32]string) []uint32 {
	uids := make([]uint32, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func formatUID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func parseUID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not a uid: %q", s)
	}
	return uint32(v), nil
}

// mapError classifies transport failures into the engine taxonomy.
func (a *Adapter) mapError(op string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &engine.NetworkError{Op: op, Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, client.ErrNotLoggedIn) {
		return &engine.NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("imap %s: %w", op, err)
}
