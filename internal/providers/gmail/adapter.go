// Package gmail implements the history-cursor provider over the Gmail
// REST API. The cursor is the mailbox history id: a monotonically
// increasing token the History endpoint resumes from.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/driftmail/driftmail/internal/credential"
	"github.com/driftmail/driftmail/internal/engine"
	"github.com/driftmail/driftmail/internal/store"
)

const (
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelInbox   = "INBOX"
	labelDraft   = "DRAFT"

	pageSize = 100
)

// Adapter implements engine.Provider for Gmail.
type Adapter struct {
	accountID string
	creds     credential.Source
	credRef   string

	// newService builds the API client per run, so a refreshed
	// credential takes effect without restarting the daemon.
	newService func(ctx context.Context, h *credential.Handle) (*gmailapi.Service, error)
}

var _ engine.Provider = (*Adapter)(nil)

// New creates a Gmail adapter for one account.
func New(accountID, credRef string, creds credential.Source) *Adapter {
	return &Adapter{
		accountID:  accountID,
		creds:      creds,
		credRef:    credRef,
		newService: newService,
	}
}

func newService(ctx context.Context, h *credential.Handle) (*gmailapi.Service, error) {
	tok := &oauth2.Token{
		AccessToken:  h.AccessToken,
		RefreshToken: h.RefreshToken,
		Expiry:       h.Expiry,
	}
	cfg := &oauth2.Config{Scopes: []string{gmailapi.GmailModifyScope}}
	httpClient := cfg.Client(ctx, tok)

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// Kind reports that Gmail uses history-style cursors.
func (a *Adapter) Kind() engine.ProviderKind { return engine.KindHistoryCursor }

// Authenticate checks the stored credential without performing any
// interactive flow.
func (a *Adapter) Authenticate(ctx context.Context) error {
	h, err := a.creds.Handle(a.credRef)
	if err != nil {
		return &engine.AuthError{AccountID: a.accountID, Message: err.Error()}
	}
	if h.Expired(time.Now()) && h.RefreshToken == "" {
		return &engine.AuthError{AccountID: a.accountID, Message: "access token expired"}
	}

	svc, err := a.newService(ctx, h)
	if err != nil {
		return err
	}
	if _, err := svc.Users.GetProfile("me").Context(ctx).Do(); err != nil {
		return a.mapError("get profile", err)
	}
	return nil
}

// FetchChangesSince lists history records newer than the cursor. An
// empty cursor performs the full backfill. A history id Gmail no
// longer retains surfaces as engine.ErrCursorInvalidated.
func (a *Adapter) FetchChangesSince(ctx context.Context, cursor string) (*engine.FetchResult, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		return a.backfill(ctx, svc)
	}

	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		// A cursor this adapter cannot parse was written by something
		// else; resync rather than guess.
		return nil, engine.ErrCursorInvalidated
	}

	var (
		changes   []engine.Change
		latest    = startID
		seenAdded = make(map[string]bool)
	)

	call := svc.Users.History.List("me").StartHistoryId(startID).MaxResults(pageSize)
	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		for _, h := range page.History {
			if h.Id > latest {
				latest = h.Id
			}

			for _, rec := range h.MessagesAdded {
				id := rec.Message.Id
				if seenAdded[id] {
					continue
				}
				seenAdded[id] = true

				item, err := a.fetchItem(ctx, svc, id)
				if err != nil {
					var gerr *googleapi.Error
					if errors.As(err, &gerr) && gerr.Code == 404 {
						// Added and removed between the history record
						// and now; the delete record follows.
						continue
					}
					return err
				}
				changes = append(changes, engine.Change{
					Kind:     engine.ChangeNew,
					RemoteID: id,
					Item:     item,
				})
			}

			for _, rec := range h.LabelsAdded {
				changes = append(changes, labelChange(rec.Message.Id, h.Id, rec.LabelIds, nil))
			}
			for _, rec := range h.LabelsRemoved {
				changes = append(changes, labelChange(rec.Message.Id, h.Id, nil, rec.LabelIds))
			}
			for _, rec := range h.MessagesDeleted {
				changes = append(changes, engine.Change{
					Kind:     engine.ChangeDeleted,
					RemoteID: rec.Message.Id,
				})
			}
		}
		return nil
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			// Gmail expired the history id; the stored cursor is dead.
			return nil, engine.ErrCursorInvalidated
		}
		return nil, a.mapError("list history", err)
	}

	return &engine.FetchResult{
		Changes: changes,
		Cursor:  strconv.FormatUint(latest, 10),
	}, nil
}

// backfill lists every message and anchors the cursor at the current
// profile history id.
func (a *Adapter) backfill(ctx context.Context, svc *gmailapi.Service) (*engine.FetchResult, error) {
	var changes []engine.Change

	call := svc.Users.Messages.List("me").IncludeSpamTrash(false).MaxResults(pageSize)
	err := call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		for _, m := range page.Messages {
			item, err := a.fetchItem(ctx, svc, m.Id)
			if err != nil {
				return err
			}
			changes = append(changes, engine.Change{
				Kind:     engine.ChangeNew,
				RemoteID: m.Id,
				Item:     item,
			})
		}
		return nil
	})
	if err != nil {
		return nil, a.mapError("backfill messages", err)
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, a.mapError("get profile", err)
	}

	return &engine.FetchResult{
		Changes: changes,
		Cursor:  strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// PushChange applies one pending local change via the Gmail API.
func (a *Adapter) PushChange(ctx context.Context, pending store.PendingChange) (*engine.PushOutcome, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	switch pending.Kind {
	case store.KindCreate:
		return a.pushCreate(ctx, svc, pending)
	case store.KindDelete:
		return a.pushDelete(ctx, svc, pending)
	case store.KindUpdate:
		return a.pushUpdate(ctx, svc, pending)
	}
	return &engine.PushOutcome{
		Status: engine.PushRejected,
		Reason: fmt.Sprintf("unsupported change kind %q", pending.Kind),
	}, nil
}

func (a *Adapter) pushUpdate(ctx context.Context, svc *gmailapi.Service, pending store.PendingChange) (*engine.PushOutcome, error) {
	p := pending.Payload
	if p.Trash {
		return a.pushDelete(ctx, svc, pending)
	}

	req := &gmailapi.ModifyMessageRequest{}
	if p.SetRead != nil {
		if *p.SetRead {
			req.RemoveLabelIds = append(req.RemoveLabelIds, labelUnread)
		} else {
			req.AddLabelIds = append(req.AddLabelIds, labelUnread)
		}
	}
	if p.SetStarred != nil {
		if *p.SetStarred {
			req.AddLabelIds = append(req.AddLabelIds, labelStarred)
		} else {
			req.RemoveLabelIds = append(req.RemoveLabelIds, labelStarred)
		}
	}
	req.AddLabelIds = append(req.AddLabelIds, p.AddLabels...)
	req.RemoveLabelIds = append(req.RemoveLabelIds, p.RemoveLabels...)
	if p.Archive {
		req.RemoveLabelIds = append(req.RemoveLabelIds, labelInbox)
	}

	if len(req.AddLabelIds) == 0 && len(req.RemoveLabelIds) == 0 {
		return &engine.PushOutcome{Status: engine.PushAccepted}, nil
	}

	if _, err := svc.Users.Messages.Modify("me", pending.TargetRemoteID, req).Context(ctx).Do(); err != nil {
		return a.pushOutcome(ctx, pending, err)
	}
	return &engine.PushOutcome{Status: engine.PushAccepted}, nil
}

func (a *Adapter) pushDelete(ctx context.Context, svc *gmailapi.Service, pending store.PendingChange) (*engine.PushOutcome, error) {
	if _, err := svc.Users.Messages.Trash("me", pending.TargetRemoteID).Context(ctx).Do(); err != nil {
		return a.pushOutcome(ctx, pending, err)
	}
	return &engine.PushOutcome{Status: engine.PushAccepted}, nil
}

func (a *Adapter) pushCreate(ctx context.Context, svc *gmailapi.Service, pending store.PendingChange) (*engine.PushOutcome, error) {
	draft := pending.Payload.Draft
	if draft == nil {
		return &engine.PushOutcome{
			Status: engine.PushRejected,
			Reason: "create change carries no draft content",
		}, nil
	}

	raw := buildRFC822(draft)
	msg := &gmailapi.Message{Raw: base64.URLEncoding.EncodeToString(raw)}

	if draft.Send {
		sent, err := svc.Users.Messages.Send("me", msg).Context(ctx).Do()
		if err != nil {
			return a.pushOutcome(ctx, pending, err)
		}
		return &engine.PushOutcome{Status: engine.PushAccepted, RemoteID: sent.Id}, nil
	}

	created, err := svc.Users.Drafts.Create("me", &gmailapi.Draft{Message: msg}).Context(ctx).Do()
	if err != nil {
		return a.pushOutcome(ctx, pending, err)
	}
	return &engine.PushOutcome{Status: engine.PushAccepted, RemoteID: created.Message.Id}, nil
}

// pushOutcome maps a Gmail API error to the push outcome taxonomy.
func (a *Adapter) pushOutcome(ctx context.Context, pending store.PendingChange, err error) (*engine.PushOutcome, error) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 404:
			// Target is gone remotely: a conflict with a nil current
			// state, decided by the resolver.
			return &engine.PushOutcome{Status: engine.PushConflict}, nil
		case gerr.Code == 409 || gerr.Code == 412:
			remote, fetchErr := a.FetchFullItem(ctx, pending.TargetRemoteID)
			if fetchErr != nil {
				return &engine.PushOutcome{Status: engine.PushRetryable, Err: fetchErr}, nil
			}
			return &engine.PushOutcome{Status: engine.PushConflict, Remote: remote}, nil
		case gerr.Code == 429 || gerr.Code >= 500:
			return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("push", err)}, nil
		case gerr.Code == 401:
			return nil, &engine.AuthError{AccountID: a.accountID, Message: gerr.Message}
		default:
			return &engine.PushOutcome{Status: engine.PushRejected, Reason: gerr.Message}, nil
		}
	}
	return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("push", err)}, nil
}

// FetchFullItem loads one message's metadata. A missing message
// returns a nil item with no error.
func (a *Adapter) FetchFullItem(ctx context.Context, remoteID string) (*engine.Item, error) {
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	item, err := a.fetchItem(ctx, svc, remoteID)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			return nil, nil
		}
		return nil, a.mapError("get message", err)
	}
	return item, nil
}

func (a *Adapter) service(ctx context.Context) (*gmailapi.Service, error) {
	h, err := a.creds.Handle(a.credRef)
	if err != nil {
		return nil, &engine.AuthError{AccountID: a.accountID, Message: err.Error()}
	}
	return a.newService(ctx, h)
}

func (a *Adapter) fetchItem(ctx context.Context, svc *gmailapi.Service, id string) (*engine.Item, error) {
	msg, err := svc.Users.Messages.Get("me", id).Format("metadata").
		MetadataHeaders("Subject", "From", "To", "Date").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return normalize(msg), nil
}

// mapError classifies transport and API failures into the engine
// taxonomy.
func (a *Adapter) mapError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return &engine.AuthError{AccountID: a.accountID, Message: gerr.Message}
		case gerr.Code == 429:
			return &engine.RateLimitError{RetryAfter: retryAfter(gerr)}
		case gerr.Code >= 500:
			return &engine.NetworkError{Op: op, Err: err}
		}
		return fmt.Errorf("gmail %s: %w", op, err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return &engine.NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("gmail %s: %w", op, err)
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	for _, h := range gerr.Header.Values("Retry-After") {
		if secs, err := strconv.Atoi(h); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// labelChange converts a label add/remove history record into an
// update change. Read and starred state ride on the UNREAD and STARRED
// system labels.
func labelChange(msgID string, historyID uint64, added, removed []string) engine.Change {
	fields := &engine.ItemFields{Version: strconv.FormatUint(historyID, 10)}

	for _, l := range added {
		switch l {
		case labelUnread:
			fields.IsRead = boolPtr(false)
		case labelStarred:
			fields.IsStarred = boolPtr(true)
		default:
			fields.AddLabels = append(fields.AddLabels, l)
		}
	}
	for _, l := range removed {
		switch l {
		case labelUnread:
			fields.IsRead = boolPtr(true)
		case labelStarred:
			fields.IsStarred = boolPtr(false)
		default:
			fields.RemoveLabels = append(fields.RemoveLabels, l)
		}
	}

	return engine.Change{Kind: engine.ChangeUpdated, RemoteID: msgID, Fields: fields}
}

// normalize converts a Gmail message to the engine item shape.
func normalize(m *gmailapi.Message) *engine.Item {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	isRead, isStarred, isDraft := true, false, false
	var labels []string
	for _, l := range m.LabelIds {
		switch l {
		case labelUnread:
			isRead = false
		case labelStarred:
			isStarred = true
		case labelDraft:
			isDraft = true
		default:
			labels = append(labels, l)
		}
	}

	return &engine.Item{
		RemoteID:  m.Id,
		ThreadID:  m.ThreadId,
		Subject:   headers["Subject"],
		Sender:    headers["From"],
		To:        splitAddrs(headers["To"]),
		Snippet:   m.Snippet,
		Labels:    labels,
		IsRead:    isRead,
		IsStarred: isStarred,
		IsDraft:   isDraft,
		Version:   strconv.FormatUint(m.HistoryId, 10),
		Date:      time.UnixMilli(m.InternalDate),
	}
}

// buildRFC822 renders draft content as a minimal RFC 5322 message.
func buildRFC822(d *store.Draft) []byte {
	var b strings.Builder
	if len(d.To) > 0 {
		fmt.Fprintf(&b, "To: %s\r\n", strings.Join(d.To, ", "))
	}
	if len(d.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(d.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", d.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(d.Body)
	return []byte(b.String())
}

// splitAddrs parses a comma separated address header.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
