package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Conversation is a persisted two-party thread keyed by its canonical participant pair.
type Conversation struct {
	ID              string         `db:"id" json:"id"`
	PairKey         string         `db:"pair_key" json:"pairKey"`
	Participants    pq.StringArray `db:"participants" json:"participants"`
	LastMessageAt   time.Time      `db:"last_message_at" json:"lastMessageAt"`
	LastMessageText string         `db:"last_message_text" json:"lastMessageText"`
	Unread          UnreadCounts   `db:"unread" json:"unread"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Peer returns the other participant, or "" when userID is not one of exactly two.
func (c Conversation) Peer(userID string) string {
	if !c.Valid() || !c.HasParticipant(userID) {
		return ""
	}
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Valid reports whether the conversation has two distinct non-empty participants.
func (c Conversation) Valid() bool {
	if len(c.Participants) != 2 {
		return false
	}
	a, b := strings.TrimSpace(c.Participants[0]), strings.TrimSpace(c.Participants[1])
	return a != "" && b != "" && a != b
}

// PairKey builds the canonical key for an unordered pair of user ids.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// SortedPair returns the two ids in ascending order.
func SortedPair(a, b string) []string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids
}

// UnreadCounts maps a participant id to the number of messages they have not read.
// A missing key means zero.
type UnreadCounts map[string]int

// For returns the count for userID.
func (u UnreadCounts) For(userID string) int {
	return u[userID]
}

// Value implements driver.Valuer for the JSONB column.
func (u UnreadCounts) Value() (driver.Value, error) {
	if u == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]int(u))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for the JSONB column.
func (u *UnreadCounts) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*u = UnreadCounts{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unread: unsupported column type")
	}
	counts := map[string]int{}
	if err := json.Unmarshal(raw, &counts); err != nil {
		return err
	}
	*u = counts
	return nil
}

// Profile is a read-only snapshot of a marketplace user from the user directory.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ConversationSummary is a conversation as seen by one participant.
type ConversationSummary struct {
	ID              string    `json:"id"`
	PairKey         string    `json:"pairKey"`
	Peer            Profile   `json:"peer"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	LastMessageText string    `json:"lastMessageText"`
	Unread          int       `json:"unread"`
}
