// Package outlook implements the history-cursor provider over
// Microsoft Graph. The cursor is the opaque delta link returned by the
// messages delta query.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	kiotaauth "github.com/microsoft/kiota-authentication-azure-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/driftmail/driftmail/internal/credential"
	"github.com/driftmail/driftmail/internal/engine"
	"github.com/driftmail/driftmail/internal/store"
)

const (
	folderInbox        = "inbox"
	folderDeletedItems = "deleteditems"

	pageSize int32 = 100
)

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients",
	"bodyPreview", "receivedDateTime", "isRead", "isDraft",
	"flag", "categories", "changeKey",
}

// Adapter implements engine.Provider for Outlook via Microsoft Graph.
type Adapter struct {
	accountID string
	userID    string
	creds     credential.Source
	credRef   string
}

var _ engine.Provider = (*Adapter)(nil)

// New creates an Outlook adapter for one account. userID is the Graph
// principal the mailbox belongs to.
func New(accountID, userID, credRef string, creds credential.Source) *Adapter {
	return &Adapter{
		accountID: accountID,
		userID:    userID,
		creds:     creds,
		credRef:   credRef,
	}
}

// graph builds a Graph client and its request adapter from the stored
// credential. The adapter is needed separately to resume delta links.
func (a *Adapter) graph() (*msgraphsdk.GraphServiceClient, *msgraphsdk.GraphRequestAdapter, error) {
	h, err := a.creds.Handle(a.credRef)
	if err != nil {
		return nil, nil, &engine.AuthError{AccountID: a.accountID, Message: err.Error()}
	}
	if h.Expired(time.Now()) {
		return nil, nil, &engine.AuthError{AccountID: a.accountID, Message: "access token expired"}
	}

	cred := &staticTokenCredential{token: h.AccessToken, expiry: h.Expiry}
	authProvider, err := kiotaauth.NewAzureIdentityAuthenticationProviderWithScopes(cred, []string{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Graph auth provider: %w", err)
	}
	adapter, err := msgraphsdk.NewGraphRequestAdapter(authProvider)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Graph adapter: %w", err)
	}
	return msgraphsdk.NewGraphServiceClient(adapter), adapter, nil
}

// Kind reports that Graph delta links behave like history cursors.
func (a *Adapter) Kind() engine.ProviderKind { return engine.KindHistoryCursor }

// Authenticate checks the stored credential against Graph.
func (a *Adapter) Authenticate(ctx context.Context) error {
	client, _, err := a.graph()
	if err != nil {
		return err
	}
	if _, err := client.Users().ByUserId(a.userID).Get(ctx, nil); err != nil {
		return a.mapError("get user", err)
	}
	return nil
}

// FetchChangesSince runs the messages delta query. An empty cursor
// starts a fresh delta round, which Graph serves as the full mailbox.
// A 410 on a stored delta link surfaces as engine.ErrCursorInvalidated.
func (a *Adapter) FetchChangesSince(ctx context.Context, cursor string) (*engine.FetchResult, error) {
	client, adapter, err := a.graph()
	if err != nil {
		return nil, err
	}

	var (
		changes  []engine.Change
		initial  = cursor == ""
		nextLink = cursor
	)

	for {
		var resp users.ItemMailFoldersItemMessagesDeltaResponseable
		if nextLink == "" {
			cfg := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
				QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
					Top:    int32Ptr(pageSize),
					Select: selectFields,
				},
			}
			resp, err = client.Users().ByUserId(a.userID).
				MailFolders().ByMailFolderId(folderInbox).
				Messages().Delta().Get(ctx, cfg)
		} else {
			builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(nextLink, adapter)
			resp, err = builder.Get(ctx, nil)
		}
		if err != nil {
			if !initial && statusCode(err) == 410 {
				// Graph expired the delta token.
				return nil, engine.ErrCursorInvalidated
			}
			return nil, a.mapError("delta query", err)
		}

		for _, msg := range resp.GetValue() {
			changes = append(changes, a.deltaChange(msg, initial))
		}

		if dl := resp.GetOdataDeltaLink(); dl != nil && *dl != "" {
			return &engine.FetchResult{Changes: changes, Cursor: *dl}, nil
		}
		nl := resp.GetOdataNextLink()
		if nl == nil || *nl == "" {
			// Neither link should be absent; keep the old cursor so the
			// next run retries cleanly.
			return &engine.FetchResult{Changes: changes, Cursor: cursor}, nil
		}
		nextLink = *nl
	}
}

// deltaChange classifies one delta entry. Removed entries carry the
// @removed annotation with only an id; during the initial round every
// entry is a new item.
func (a *Adapter) deltaChange(msg models.Messageable, initial bool) engine.Change {
	id := deref(msg.GetId())

	if extra := msg.GetAdditionalData(); extra != nil {
		if _, removed := extra["@removed"]; removed {
			return engine.Change{Kind: engine.ChangeDeleted, RemoteID: id}
		}
	}

	item := normalize(msg)
	if initial {
		return engine.Change{Kind: engine.ChangeNew, RemoteID: id, Item: item}
	}
	// Graph deltas do not distinguish new from updated entries; report
	// them as updates and let the replica upsert decide.
	return engine.Change{Kind: engine.ChangeUpdated, RemoteID: id, Item: item}
}

// PushChange applies one pending local change via Graph.
func (a *Adapter) PushChange(ctx context.Context, pending store.PendingChange) (*engine.PushOutcome, error) {
	client, _, err := a.graph()
	if err != nil {
		return nil, err
	}

	switch pending.Kind {
	case store.KindCreate:
		return a.pushCreate(ctx, client, pending)
	case store.KindDelete:
		return a.moveToFolder(ctx, client, pending, folderDeletedItems)
	case store.KindUpdate:
		return a.pushUpdate(ctx, client, pending)
	}
	return &engine.PushOutcome{
		Status: engine.PushRejected,
		Reason: fmt.Sprintf("unsupported change kind %q", pending.Kind),
	}, nil
}

func (a *Adapter) pushUpdate(ctx context.Context, client *msgraphsdk.GraphServiceClient, pending store.PendingChange) (*engine.PushOutcome, error) {
	p := pending.Payload
	if p.Trash {
		return a.moveToFolder(ctx, client, pending, folderDeletedItems)
	}
	if p.Archive {
		return a.moveToFolder(ctx, client, pending, "archive")
	}

	patch := models.NewMessage()
	dirty := false

	if p.SetRead != nil {
		patch.SetIsRead(p.SetRead)
		dirty = true
	}
	if p.SetStarred != nil {
		flag := models.NewFollowupFlag()
		status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
		if *p.SetStarred {
			status = models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
		flag.SetFlagStatus(&status)
		patch.SetFlag(flag)
		dirty = true
	}
	if len(p.AddLabels) > 0 || len(p.RemoveLabels) > 0 {
		current, err := a.FetchFullItem(ctx, pending.TargetRemoteID)
		if err != nil {
			return &engine.PushOutcome{Status: engine.PushRetryable, Err: err}, nil
		}
		if current == nil {
			return &engine.PushOutcome{Status: engine.PushConflict}, nil
		}
		patch.SetCategories(mergeCategories(current.Labels, p.AddLabels, p.RemoveLabels))
		dirty = true
	}

	if !dirty {
		return &engine.PushOutcome{Status: engine.PushAccepted}, nil
	}

	if _, err := client.Users().ByUserId(a.userID).
		Messages().ByMessageId(pending.TargetRemoteID).
		Patch(ctx, patch, nil); err != nil {
		return a.pushOutcome(ctx, pending, err)
	}
	return &engine.PushOutcome{Status: engine.PushAccepted}, nil
}

func (a *Adapter) moveToFolder(ctx context.Context, client *msgraphsdk.GraphServiceClient, pending store.PendingChange, folder string) (*engine.PushOutcome, error) {
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(strPtr(folder))

	moved, err := client.Users().ByUserId(a.userID).
		Messages().ByMessageId(pending.TargetRemoteID).
		Move().Post(ctx, body, nil)
	if err != nil {
		return a.pushOutcome(ctx, pending, err)
	}
	return &engine.PushOutcome{Status: engine.PushAccepted, RemoteID: deref(moved.GetId())}, nil
}

func (a *Adapter) pushCreate(ctx context.Context, client *msgraphsdk.GraphServiceClient, pending store.PendingChange) (*engine.PushOutcome, error) {
	draft := pending.Payload.Draft
	if draft == nil {
		return &engine.PushOutcome{
			Status: engine.PushRejected,
			Reason: "create change carries no draft content",
		}, nil
	}

	msg := models.NewMessage()
	msg.SetSubject(strPtr(draft.Subject))
	body := models.NewItemBody()
	ctype := models.TEXT_BODYTYPE
	body.SetContentType(&ctype)
	body.SetContent(strPtr(draft.Body))
	msg.SetBody(body)
	msg.SetToRecipients(recipients(draft.To))
	msg.SetCcRecipients(recipients(draft.Cc))

	if draft.Send {
		req := users.NewItemSendMailPostRequestBody()
		req.SetMessage(msg)
		if err := client.Users().ByUserId(a.userID).SendMail().Post(ctx, req, nil); err != nil {
			return a.pushOutcome(ctx, pending, err)
		}
		// SendMail returns no body, so the sent copy keeps no binding
		// until the next delta round picks it up.
		return &engine.PushOutcome{Status: engine.PushAccepted}, nil
	}

	created, err := client.Users().ByUserId(a.userID).Messages().Post(ctx, msg, nil)
	if err != nil {
		return a.pushOutcome(ctx, pending, err)
	}
	return &engine.PushOutcome{Status: engine.PushAccepted, RemoteID: deref(created.GetId())}, nil
}

// pushOutcome maps a Graph error to the push outcome taxonomy.
func (a *Adapter) pushOutcome(ctx context.Context, pending store.PendingChange, err error) (*engine.PushOutcome, error) {
	switch code := statusCode(err); {
	case code == 404:
		return &engine.PushOutcome{Status: engine.PushConflict}, nil
	case code == 409 || code == 412:
		remote, fetchErr := a.FetchFullItem(ctx, pending.TargetRemoteID)
		if fetchErr != nil {
			return &engine.PushOutcome{Status: engine.PushRetryable, Err: fetchErr}, nil
		}
		return &engine.PushOutcome{Status: engine.PushConflict, Remote: remote}, nil
	case code == 429 || code >= 500:
		return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("push", err)}, nil
	case code == 401:
		return nil, &engine.AuthError{AccountID: a.accountID, Message: err.Error()}
	case code >= 400:
		return &engine.PushOutcome{Status: engine.PushRejected, Reason: err.Error()}, nil
	}
	return &engine.PushOutcome{Status: engine.PushRetryable, Err: a.mapError("push", err)}, nil
}

// FetchFullItem loads one message. A missing message returns a nil
// item with no error.
func (a *Adapter) FetchFullItem(ctx context.Context, remoteID string) (*engine.Item, error) {
	client, _, err := a.graph()
	if err != nil {
		return nil, err
	}

	cfg := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: selectFields,
		},
	}
	msg, err := client.Users().ByUserId(a.userID).
		Messages().ByMessageId(remoteID).Get(ctx, cfg)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, a.mapError("get message", err)
	}
	return normalize(msg), nil
}

// mapError classifies Graph failures into the engine taxonomy.
func (a *Adapter) mapError(op string, err error) error {
	switch code := statusCode(err); {
	case code == 401:
		return &engine.AuthError{AccountID: a.accountID, Message: err.Error()}
	case code == 429:
		return &engine.RateLimitError{}
	case code >= 500:
		return &engine.NetworkError{Op: op, Err: err}
	case code > 0:
		return fmt.Errorf("outlook %s: %w", op, err)
	}
	return &engine.NetworkError{Op: op, Err: err}
}

func statusCode(err error) int {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		return odataErr.ResponseStatusCode
	}
	return 0
}

// normalize converts a Graph message to the engine item shape.
func normalize(m models.Messageable) *engine.Item {
	item := &engine.Item{
		RemoteID: deref(m.GetId()),
		ThreadID: deref(m.GetConversationId()),
		Subject:  deref(m.GetSubject()),
		Snippet:  deref(m.GetBodyPreview()),
		Labels:   m.GetCategories(),
		Version:  deref(m.GetChangeKey()),
		IsRead:   true,
	}

	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			item.Sender = deref(addr.GetAddress())
		}
	}
	item.To = extractAddresses(m.GetToRecipients())

	if r := m.GetIsRead(); r != nil {
		item.IsRead = *r
	}
	if d := m.GetIsDraft(); d != nil {
		item.IsDraft = *d
	}
	if flag := m.GetFlag(); flag != nil {
		if st := flag.GetFlagStatus(); st != nil {
			item.IsStarred = *st == models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		item.Date = *rcvd
	}
	return item
}

// extractAddresses collects plain addresses from recipients.
func extractAddresses(rs []models.Recipientable) []string {
	var addrs []string
	for _, r := range rs {
		if ea := r.GetEmailAddress(); ea != nil {
			if addr := ea.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

func recipients(addrs []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, addr := range addrs {
		ea := models.NewEmailAddress()
		ea.SetAddress(strPtr(addr))
		r := models.NewRecipient()
		r.SetEmailAddress(ea)
		out = append(out, r)
	}
	return out
}

// mergeCategories applies label edits on top of the current set,
// preserving order.
func mergeCategories(current, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, l := range remove {
		drop[l] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, l := range current {
		if !drop[l] && !seen[l] {
			out = append(out, l)
			seen[l] = true
		}
	}
	for _, l := range add {
		if !drop[l] && !seen[l] {
			out = append(out, l)
			seen[l] = true
		}
	}
	return out
}

// staticTokenCredential adapts a stored access token to the Azure
// credential interface.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}

func int32Ptr(i int32) *int32 { return &i }

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
