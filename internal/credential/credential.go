// Package credential supplies already-acquired credentials to provider
// adapters. Acquisition and interactive refresh flows live outside the
// sync daemon; this package only loads, stores, and inspects handles.
package credential

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// expirySlack treats a credential expiring within this window as
// already expired, so a sync run does not start with a token that dies
// mid-run.
const expirySlack = 2 * time.Minute

// Handle is one account's credential material. For OAuth accounts the
// tokens come from an external authorization flow; for password
// accounts only Password is set.
type Handle struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Expired reports whether the handle is unusable without
// re-authentication. When no explicit expiry was stored but the access
// token is a JWT, the token's own exp claim is consulted.
func (h *Handle) Expired(now time.Time) bool {
	if !h.Expiry.IsZero() {
		return now.After(h.Expiry.Add(-expirySlack))
	}
	if h.AccessToken == "" {
		return false
	}

	tok, err := jwt.ParseInsecure([]byte(h.AccessToken))
	if err != nil {
		// Opaque token with no stored expiry: assume valid and let the
		// provider's own auth check decide.
		return false
	}
	exp := tok.Expiration()
	if exp.IsZero() {
		return false
	}
	return now.After(exp.Add(-expirySlack))
}

// Source resolves a credential reference to a handle. The scheduler
// re-resolves on every run so an externally refreshed credential is
// picked up without a restart.
type Source interface {
	Handle(ref string) (*Handle, error)
}

// Writer persists handles, used by account-management tooling and by
// the control API's re-auth endpoint.
type Writer interface {
	Put(ref string, h *Handle) error
	Delete(ref string) error
}

// decodeHandle parses a stored handle blob.
func decodeHandle(data []byte) (*Handle, error) {
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return &h, nil
}

// encodeHandle serializes a handle for storage.
func encodeHandle(h *Handle) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding credential: %w", err)
	}
	return data, nil
}
