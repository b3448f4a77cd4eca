package imapmail

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// cursor is the serialized sync position for one IMAP mailbox. It is
// stored opaquely by the engine as base64-wrapped JSON.
type cursor struct {
	// UIDValidity is the epoch the UIDs below belong to. A mismatch
	// with the live mailbox invalidates the whole cursor.
	UIDValidity uint32 `json:"uid_validity"`

	// LastUID is the highest UID observed; anything above it is new.
	LastUID uint32 `json:"last_uid"`

	// Seen maps each known UID to its flag signature, so flag changes
	// and expunges can be detected without consulting the replica.
	Seen map[uint32]string `json:"seen"`
}

func (c cursor) encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("failed to decode cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("failed to parse cursor: %w", err)
	}
	if c.Seen == nil {
		c.Seen = make(map[uint32]string)
	}
	return c, nil
}
