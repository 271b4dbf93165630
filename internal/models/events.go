package models

import (
	"encoding/json"
	"time"
)

// Outbound live event names.
const (
	EventMessageNew         = "message:new"
	EventMessageRead        = "message:read"
	EventConversationUpdate = "conversation:update"
	EventNotify             = "notify"
	EventTyping             = "typing"
	EventAck                = "ack"
)

// Inbound live event names.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventMessageSend       = "message:send"
	EventMessageMarkRead   = "message:read"
	EventTypingSignal      = "typing"
)

// Event is the frame written to live connections.
type Event struct {
	Event string `json:"event"`
	AckID string `json:"ackId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// MessageNewPayload carries a persisted message to an open thread.
type MessageNewPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// MessageReadPayload tells peers which messages a reader has seen.
type MessageReadPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Until          time.Time `json:"until"`
}

// ConversationUpdatePayload is the lightweight sidebar summary sent to personal channels.
type ConversationUpdatePayload struct {
	ConversationID  string    `json:"conversationId"`
	LastMessageAt   time.Time `json:"lastMessageAt"`
	LastMessageText string    `json:"lastMessageText"`
	SenderID        string    `json:"senderId,omitempty"`
	Unread          int       `json:"unread"`
}

// TypingPayload is the ephemeral typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// NotificationRequest asks the notification service to upsert an unread notification.
// Requests sharing a CollapseKey for the same recipient collapse into one notification.
type NotificationRequest struct {
	Recipient   string `json:"recipient"`
	Actor       string `json:"actor"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	RefModel    string `json:"refModel"`
	RefID       string `json:"refId"`
	CollapseKey string `json:"collapseKey"`
}

// AckPayload answers an inbound frame that carried an ackId.
type AckPayload struct {
	OK     bool      `json:"ok"`
	Result any       `json:"result,omitempty"`
	Error  *AckError `json:"error,omitempty"`
}

// AckError is the client-facing failure description.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NotifyRelayMessage is the body published on notify.* routing keys.
type NotifyRelayMessage struct {
	Recipient    string          `json:"recipient"`
	Notification json.RawMessage `json:"notification"`
}
