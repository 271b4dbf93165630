package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Image is pre-uploaded image metadata supplied by the upload service.
type Image struct {
	URL      string `json:"url"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int64  `json:"bytes"`
	PublicID string `json:"publicId"`
}

// Images is the ordered image list stored as JSONB.
type Images []Image

// Value implements driver.Valuer.
func (im Images) Value() (driver.Value, error) {
	if im == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Image(im))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (im *Images) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*im = Images{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("images: unsupported column type")
	}
	list := []Image{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	*im = list
	return nil
}

// Message is a single entry in a conversation's append-only log.
type Message struct {
	ID              string         `db:"id" json:"id"`
	ConversationID  string         `db:"conversation_id" json:"conversationId"`
	ClientMessageID *string        `db:"client_message_id" json:"clientMessageId,omitempty"`
	SenderID        string         `db:"sender_id" json:"senderId"`
	Text            string         `db:"text" json:"text"`
	Images          Images         `db:"images" json:"images"`
	ReadBy          pq.StringArray `db:"read_by" json:"readBy"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
}

// IsReadBy reports whether userID appears in ReadBy.
func (m Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// NewMessage is the validated input to the message store.
type NewMessage struct {
	ConversationID  string
	ClientMessageID string
	SenderID        string
	Text            string
	Images          Images
	Preview         string
}

// AppendResult is the outcome of appending a message to a conversation.
type AppendResult struct {
	Message      Message
	Conversation Conversation
	Dedup        bool
}

// ReadOutcome is the result of marking a conversation read up to a cutoff.
// Until is the cutoff the store applied.
type ReadOutcome struct {
	Marked       int64
	Until        time.Time
	Conversation Conversation
}
