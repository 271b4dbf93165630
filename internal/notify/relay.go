package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"marketplace-chat/internal/models"
)

// RelayBindingKey selects notification-service events on the topic exchange.
const RelayBindingKey = "notify.#"

// UserDelivery delivers events to a user's personal channel.
type UserDelivery interface {
	ToUser(userID string, evt models.Event)
}

// Relay forwards notifications created elsewhere to the recipient's live connections.
type Relay struct {
	users  UserDelivery
	logger *slog.Logger
}

// NewRelay constructs a Relay.
func NewRelay(users UserDelivery, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{users: users, logger: logger.With("component", "notify_relay")}
}

// Handle decodes one relay message and emits it as a notify event.
func (r *Relay) Handle(_ context.Context, routingKey string, body []byte) error {
	var msg models.NotifyRelayMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode notify message: %w", err)
	}
	if msg.Recipient == "" {
		return fmt.Errorf("notify message on %s has no recipient", routingKey)
	}
	if len(msg.Notification) == 0 {
		msg.Notification = json.RawMessage("{}")
	}

	r.users.ToUser(msg.Recipient, models.Event{Event: models.EventNotify, Data: msg.Notification})
	return nil
}
