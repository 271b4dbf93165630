package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketplace-chat/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts the conversation directory.
type ConversationRepository interface {
	GetOrCreate(ctx context.Context, userID string, peerID string) (models.Conversation, bool, error)
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error)
	ListForUser(ctx context.Context, userID string, before *time.Time, limit int) ([]models.Conversation, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, pair_key, participants, last_message_at, last_message_text, unread, created_at`

// GetOrCreate finds or inserts the conversation for the unordered pair in one statement.
// The returned bool is true when this call created the row.
func (r *ConversationRepo) GetOrCreate(ctx context.Context, userID string, peerID string) (models.Conversation, bool, error) {
	if userID == peerID {
		return models.Conversation{}, false, errors.New("cannot create conversation with self")
	}

	var row struct {
		models.Conversation
		Created bool `db:"created"`
	}
	// The no-op DO UPDATE makes RETURNING yield the existing row; xmax = 0 only on insert.
	query := `INSERT INTO conversations (pair_key, participants) VALUES ($1, $2)
        ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
        RETURNING ` + conversationColumns + `, (xmax = 0) AS created`
	pair := models.SortedPair(userID, peerID)
	if err := r.db.GetContext(ctx, &row, query, models.PairKey(userID, peerID), pq.StringArray(pair)); err != nil {
		return models.Conversation{}, false, err
	}
	return row.Conversation, row.Created, nil
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND $2 = ANY(participants))`, conversationID, userID)
	return exists, err
}

// ListForUser returns the user's conversations, newest activity first.
// before is an exclusive lastMessageAt cursor; nil starts from the newest.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string, before *time.Time, limit int) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
        WHERE $1 = ANY(participants)
        AND cardinality(participants) = 2
        AND btrim(participants[1]) <> '' AND btrim(participants[2]) <> ''
        AND participants[1] <> participants[2]
        AND ($2::timestamptz IS NULL OR last_message_at < $2::timestamptz)
        ORDER BY last_message_at DESC
        LIMIT $3`
	// Malformed rows are filtered before LIMIT so a full page always means more may follow.
	var convs []models.Conversation
	if err := r.db.SelectContext(ctx, &convs, query, userID, before, limit); err != nil {
		return nil, err
	}
	return convs, nil
}
