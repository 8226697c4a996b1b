package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Attachment references a file held by the object store.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	MIME string `json:"mime"`
}

// Attachments is stored as a JSONB column.
type Attachments []Attachment

// Value implements driver.Valuer.
func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *Attachments) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return errors.New("attachments: unsupported scan type")
	}
}

// DeleteKind is the visibility state of a message for one viewer.
type DeleteKind string

const (
	DeleteActive         DeleteKind = "active"
	DeleteForAll         DeleteKind = "deleted_for_all"
	DeleteLocallyForUser DeleteKind = "deleted_locally"
)

// DeleteState is a tagged soft-delete state. HiddenBy holds the users that
// hid the message for themselves; it never leaves the server.
type DeleteState struct {
	Kind     DeleteKind
	HiddenBy []int
}

// MarshalJSON encodes only the kind.
func (d DeleteState) MarshalJSON() ([]byte, error) {
	kind := d.Kind
	if kind == "" {
		kind = DeleteActive
	}
	return json.Marshal(kind)
}

// UnmarshalJSON decodes the kind.
func (d *DeleteState) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &d.Kind)
}

// HiddenFor reports whether userID hid the message locally.
func (d DeleteState) HiddenFor(userID int) bool {
	for _, id := range d.HiddenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is a persisted chat message. Text is empty for attachment-only
// messages and for tombstones.
type Message struct {
	ID             int         `db:"id" json:"id"`
	ConversationID int         `db:"conversation_id" json:"conversationId"`
	SenderID       int         `db:"sender_id" json:"senderId"`
	Text           string      `db:"body" json:"text"`
	Attachments    Attachments `db:"attachments" json:"attachments"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
	EditedAt       *time.Time  `db:"edited_at" json:"editedAt,omitempty"`
	Deletion       DeleteState `db:"-" json:"deletion"`
	SeenBy         []int       `db:"-" json:"seenBy"`
}

// DeletedForAll reports whether the message is a global tombstone.
func (m Message) DeletedForAll() bool {
	return m.Deletion.Kind == DeleteForAll
}

// ForViewer projects the message for one user: local hides by other users
// are stripped and the kind reflects what viewerID may observe.
func (m Message) ForViewer(viewerID int) Message {
	out := m
	out.Attachments = append(Attachments(nil), m.Attachments...)
	out.SeenBy = append([]int(nil), m.SeenBy...)
	switch {
	case m.Deletion.Kind == DeleteForAll:
		out.Deletion = DeleteState{Kind: DeleteForAll}
	case m.Deletion.HiddenFor(viewerID):
		out.Deletion = DeleteState{Kind: DeleteLocallyForUser}
	default:
		out.Deletion = DeleteState{Kind: DeleteActive}
	}
	return out
}

// Public is the projection broadcast to every participant.
func (m Message) Public() Message {
	return m.ForViewer(0)
}

// Preview is the denormalized text stored on the conversation.
func (m Message) Preview() string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Attachments) > 0 {
		return m.Attachments[0].Name
	}
	return ""
}
