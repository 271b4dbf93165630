package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
)

const (
	MaxImages             = 8
	MaxTextRunes          = 4000
	MaxClientMessageIDLen = 128
	MaxPageSize           = 100
	DefaultConversations  = 20
	DefaultMessages       = 50

	previewRunes = 120
	imagePreview = "[image]"
)

// Broadcaster fans events out to the two subscription scopes.
type Broadcaster interface {
	// ToRoom delivers to connections that joined conv:<conversationID>.
	// Connections bound to excludeUserID are skipped when it is non-empty.
	ToRoom(conversationID string, evt models.Event, excludeUserID string)
	// ToUser delivers to every connection bound to user:<userID>.
	ToUser(userID string, evt models.Event)
}

// Notifier forwards notification requests to the notification service.
type Notifier interface {
	Notify(ctx context.Context, req models.NotificationRequest) error
}

// ProfileDirectory resolves user profile snapshots.
type ProfileDirectory interface {
	BulkProfiles(ctx context.Context, ids []string) ([]models.Profile, error)
}

// Service implements the messaging core shared by the REST and live surfaces.
type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	profiles      ProfileDirectory
	broadcaster   Broadcaster
	notifier      Notifier
	logger        *slog.Logger
}

// NewService wires a Service. profiles and notifier may be nil.
func NewService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	profiles ProfileDirectory,
	broadcaster Broadcaster,
	notifier Notifier,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conversations: conversations,
		messages:      messages,
		profiles:      profiles,
		broadcaster:   broadcaster,
		notifier:      notifier,
		logger:        logger.With("component", "chat"),
	}
}

// SendInput is a request to append a message.
type SendInput struct {
	UserID          string
	ConversationID  string
	Text            string
	Images          []models.Image
	ClientMessageID string
}

// SendResult is the acknowledged outcome of Send.
type SendResult struct {
	Message models.Message `json:"message"`
	Dedup   bool           `json:"dedup"`
}

// ReadResult is the acknowledged outcome of MarkRead.
type ReadResult struct {
	ConversationID string    `json:"conversationId"`
	Until          time.Time `json:"until"`
	Marked         int64     `json:"marked"`
}

// ConversationPage is one page of a user's conversation list.
type ConversationPage struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	NextCursor    *time.Time                   `json:"nextCursor,omitempty"`
}

// ValidateConversationID rejects ids that cannot name a conversation.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return validation("invalid conversation id")
	}
	return nil
}

// GetOrCreate returns the conversation between me and peer, creating it on first contact.
// The bool reports whether it was created by this call.
func (s *Service) GetOrCreate(ctx context.Context, me, peer string) (models.Conversation, bool, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return models.Conversation{}, false, validation("peerId is required")
	}
	if peer == me {
		return models.Conversation{}, false, validation("cannot start a conversation with yourself")
	}

	if s.profiles != nil {
		found, err := s.profiles.BulkProfiles(ctx, []string{peer})
		if err != nil {
			return models.Conversation{}, false, internal("lookup peer", err)
		}
		if len(found) == 0 {
			return models.Conversation{}, false, notFound("user not found")
		}
	}

	conv, created, err := s.conversations.GetOrCreate(ctx, me, peer)
	if err != nil {
		return models.Conversation{}, false, internal("get or create conversation", err)
	}
	if created {
		s.logger.Info("conversation created", "conversation_id", conv.ID, "pair_key", conv.PairKey)
	}
	return conv, created, nil
}

// ListConversations returns a page of the caller's conversations, newest activity first.
func (s *Service) ListConversations(ctx context.Context, me string, cursor *time.Time, limit int) (ConversationPage, error) {
	limit = clampLimit(limit, DefaultConversations)

	convs, err := s.conversations.ListForUser(ctx, me, cursor, limit)
	if err != nil {
		return ConversationPage{}, internal("list conversations", err)
	}

	peers := make([]string, 0, len(convs))
	for _, c := range convs {
		peers = append(peers, c.Peer(me))
	}
	profileByID := s.lookupProfiles(ctx, peers)

	page := ConversationPage{Conversations: make([]models.ConversationSummary, 0, len(convs))}
	for _, c := range convs {
		peer := c.Peer(me)
		if peer == "" {
			continue
		}
		profile, ok := profileByID[peer]
		if !ok {
			profile = models.Profile{ID: peer}
		}
		page.Conversations = append(page.Conversations, models.ConversationSummary{
			ID:              c.ID,
			PairKey:         c.PairKey,
			Peer:            profile,
			LastMessageAt:   c.LastMessageAt,
			LastMessageText: c.LastMessageText,
			Unread:          c.Unread.For(me),
		})
	}
	if len(convs) == limit && len(convs) > 0 {
		next := convs[len(convs)-1].LastMessageAt
		page.NextCursor = &next
	}
	return page, nil
}

func (s *Service) lookupProfiles(ctx context.Context, ids []string) map[string]models.Profile {
	result := make(map[string]models.Profile, len(ids))
	if s.profiles == nil || len(ids) == 0 {
		return result
	}
	profiles, err := s.profiles.BulkProfiles(ctx, ids)
	if err != nil {
		s.logger.Warn("profile lookup failed, returning bare ids", "error", err)
		return result
	}
	for _, p := range profiles {
		result[p.ID] = p
	}
	return result
}

// ListMessages returns history strictly before the cursor, oldest first.
func (s *Service) ListMessages(ctx context.Context, me, conversationID string, before *time.Time, limit int) ([]models.Message, error) {
	if _, err := s.authorize(ctx, me, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListBefore(ctx, conversationID, before, clampLimit(limit, DefaultMessages))
	if err != nil {
		return nil, internal("list messages", err)
	}
	return msgs, nil
}

// CanAccess reports whether me may subscribe to or signal in the conversation.
func (s *Service) CanAccess(ctx context.Context, me, conversationID string) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}
	ok, err := s.conversations.IsParticipant(ctx, conversationID, me)
	if err != nil {
		return internal("check participant", err)
	}
	if !ok {
		return forbidden("not a participant of this conversation")
	}
	return nil
}

// Send validates, deduplicates, persists and fans out a message.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	conv, err := s.authorize(ctx, in.UserID, in.ConversationID)
	if err != nil {
		return SendResult{}, err
	}
	if err := validateContent(in); err != nil {
		return SendResult{}, err
	}

	preview := buildPreview(in.Text)
	res, err := s.messages.Append(ctx, models.NewMessage{
		ConversationID:  in.ConversationID,
		ClientMessageID: in.ClientMessageID,
		SenderID:        in.UserID,
		Text:            in.Text,
		Images:          models.Images(in.Images),
		Preview:         preview,
	})
	if err != nil {
		return SendResult{}, internal("store message", err)
	}

	s.broadcaster.ToRoom(in.ConversationID, models.Event{
		Event: models.EventMessageNew,
		Data:  models.MessageNewPayload{ConversationID: in.ConversationID, Message: res.Message},
	}, "")

	if res.Dedup {
		observability.IncMessageSent("dedup")
		s.logger.Debug("duplicate send absorbed", "conversation_id", in.ConversationID, "client_message_id", in.ClientMessageID)
		return SendResult{Message: res.Message, Dedup: true}, nil
	}
	observability.IncMessageSent("created")

	updated := res.Conversation
	if len(updated.Participants) == 0 {
		updated = conv
	}
	for _, p := range updated.Participants {
		s.broadcaster.ToUser(p, models.Event{
			Event: models.EventConversationUpdate,
			Data: models.ConversationUpdatePayload{
				ConversationID:  in.ConversationID,
				LastMessageAt:   updated.LastMessageAt,
				LastMessageText: updated.LastMessageText,
				SenderID:        in.UserID,
				Unread:          updated.Unread.For(p),
			},
		})
	}

	s.notifyRecipients(ctx, updated, in.UserID, preview)
	return SendResult{Message: res.Message}, nil
}

func (s *Service) notifyRecipients(ctx context.Context, conv models.Conversation, sender, preview string) {
	if s.notifier == nil {
		return
	}
	for _, p := range conv.Participants {
		if p == sender {
			continue
		}
		err := s.notifier.Notify(ctx, models.NotificationRequest{
			Recipient:   p,
			Actor:       sender,
			Type:        "message",
			Title:       "New message",
			Body:        preview,
			RefModel:    "Conversation",
			RefID:       conv.ID,
			CollapseKey: "msg:" + conv.ID,
		})
		if err != nil {
			s.logger.Warn("notification request failed", "conversation_id", conv.ID, "recipient", p, "error", err)
		}
	}
}

// MarkRead records that me has read every message created at or before until.
// A zero until means the store's current time.
func (s *Service) MarkRead(ctx context.Context, me, conversationID string, until time.Time) (ReadResult, error) {
	if _, err := s.authorize(ctx, me, conversationID); err != nil {
		return ReadResult{}, err
	}
	var cutoff *time.Time
	if !until.IsZero() {
		cutoff = &until
	}

	out, err := s.messages.MarkRead(ctx, conversationID, me, cutoff)
	if err != nil {
		return ReadResult{}, internal("mark read", err)
	}
	until, conv := out.Until, out.Conversation

	s.broadcaster.ToRoom(conversationID, models.Event{
		Event: models.EventMessageRead,
		Data:  models.MessageReadPayload{ConversationID: conversationID, UserID: me, Until: until},
	}, "")
	s.broadcaster.ToUser(me, models.Event{
		Event: models.EventConversationUpdate,
		Data: models.ConversationUpdatePayload{
			ConversationID:  conversationID,
			LastMessageAt:   conv.LastMessageAt,
			LastMessageText: conv.LastMessageText,
			Unread:          0,
		},
	})

	return ReadResult{ConversationID: conversationID, Until: until, Marked: out.Marked}, nil
}

// Typing relays an ephemeral typing signal to the other connections in the room.
func (s *Service) Typing(ctx context.Context, me, conversationID string, isTyping bool) error {
	if err := s.CanAccess(ctx, me, conversationID); err != nil {
		return err
	}
	s.broadcaster.ToRoom(conversationID, models.Event{
		Event: models.EventTyping,
		Data:  models.TypingPayload{ConversationID: conversationID, UserID: me, IsTyping: isTyping},
	}, me)
	return nil
}

// authorize loads the conversation and checks membership. Absent conversations are
// reported as Forbidden so callers cannot learn whether they exist.
func (s *Service) authorize(ctx context.Context, me, conversationID string) (models.Conversation, error) {
	if err := ValidateConversationID(conversationID); err != nil {
		return models.Conversation{}, err
	}
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrConversationNotFound) {
			return models.Conversation{}, forbidden("not a participant of this conversation")
		}
		return models.Conversation{}, internal("load conversation", err)
	}
	if !conv.HasParticipant(me) {
		return models.Conversation{}, forbidden("not a participant of this conversation")
	}
	return conv, nil
}

func validateContent(in SendInput) error {
	if strings.TrimSpace(in.Text) == "" && len(in.Images) == 0 {
		return validation("empty message")
	}
	if len(in.Images) > MaxImages {
		return validation("too many images")
	}
	if utf8.RuneCountInString(in.Text) > MaxTextRunes {
		return validation("message too long")
	}
	if len(in.ClientMessageID) > MaxClientMessageIDLen {
		return validation("clientMessageId too long")
	}
	for _, img := range in.Images {
		if strings.TrimSpace(img.URL) == "" || img.Width < 0 || img.Height < 0 || img.Bytes < 0 {
			return validation("invalid image")
		}
	}
	return nil
}

func buildPreview(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return imagePreview
	}
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes])
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Unauthorized wraps a credential failure from the identity verifier.
func Unauthorized(err error) error {
	return unauthorized("invalid credentials", err)
}
