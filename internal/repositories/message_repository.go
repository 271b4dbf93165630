package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

// MessageRepository defines interactions with the per-conversation message log.
type MessageRepository interface {
	Append(ctx context.Context, in models.NewMessage) (models.AppendResult, error)
	ListBefore(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID string, userID string, until *time.Time) (models.ReadOutcome, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, client_message_id, sender_id, text, images, read_by, created_at`

const (
	insertMessageQuery = `INSERT INTO messages (conversation_id, client_message_id, sender_id, text, images)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (conversation_id, client_message_id) WHERE client_message_id IS NOT NULL DO NOTHING
        RETURNING ` + messageColumns

	selectByClientIDQuery = `SELECT ` + messageColumns + ` FROM messages
        WHERE conversation_id=$1 AND client_message_id=$2`

	// Increments unread for every participant except the sender in the same row update.
	bumpConversationQuery = `UPDATE conversations SET
        last_message_text = CASE WHEN $2::timestamptz >= last_message_at THEN $3 ELSE last_message_text END,
        last_message_at = GREATEST(last_message_at, $2::timestamptz),
        unread = unread || COALESCE((
            SELECT jsonb_object_agg(p, COALESCE((unread ->> p)::int, 0) + 1)
            FROM unnest(participants) AS p
            WHERE p <> $4::text
        ), '{}'::jsonb)
        WHERE id=$1
        RETURNING ` + conversationColumns

	// The database clock stamps created_at, so the default cutoff comes from it too.
	readCutoffQuery = `SELECT COALESCE($1::timestamptz, now())`

	markReadQuery = `UPDATE messages SET read_by = array_append(read_by, $2::text)
        WHERE conversation_id=$1 AND created_at <= $3::timestamptz AND NOT ($2::text = ANY(read_by))`

	resetUnreadQuery = `UPDATE conversations SET unread = unread || jsonb_build_object($2::text, 0)
        WHERE id=$1
        RETURNING ` + conversationColumns
)

// Append persists a message and applies the conversation summary and unread counters
// in one transaction. A repeated clientMessageID returns the stored message with Dedup set
// and leaves the conversation untouched.
func (r *MessageRepo) Append(ctx context.Context, in models.NewMessage) (result models.AppendResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.AppendResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var clientID any
	if in.ClientMessageID != "" {
		clientID = in.ClientMessageID
	}

	var msg models.Message
	err = tx.GetContext(ctx, &msg, insertMessageQuery, in.ConversationID, clientID, in.SenderID, in.Text, in.Images)
	if errors.Is(err, sql.ErrNoRows) {
		if clientID == nil {
			return models.AppendResult{}, fmt.Errorf("insert message: no row returned")
		}
		if err = tx.GetContext(ctx, &msg, selectByClientIDQuery, in.ConversationID, clientID); err != nil {
			return models.AppendResult{}, fmt.Errorf("load deduplicated message: %w", err)
		}
		var conv models.Conversation
		if err = tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, in.ConversationID); err != nil {
			return models.AppendResult{}, err
		}
		if err = tx.Commit(); err != nil {
			return models.AppendResult{}, err
		}
		return models.AppendResult{Message: msg, Conversation: conv, Dedup: true}, nil
	}
	if err != nil {
		return models.AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	var conv models.Conversation
	if err = tx.GetContext(ctx, &conv, bumpConversationQuery, in.ConversationID, msg.CreatedAt, in.Preview, in.SenderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
		}
		return models.AppendResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.AppendResult{}, err
	}
	return models.AppendResult{Message: msg, Conversation: conv}, nil
}

// ListBefore returns up to limit messages created strictly before the cursor, oldest first.
func (r *MessageRepo) ListBefore(ctx context.Context, conversationID string, before *time.Time, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE conversation_id=$1
        AND ($2::timestamptz IS NULL OR created_at < $2::timestamptz)
        ORDER BY created_at DESC, id DESC
        LIMIT $3`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, conversationID, before, limit); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead adds userID to readBy of every message created at or before until and
// resets the user's unread counter. A nil until means the database's current time.
// Explicit cutoffs are truncated to the column's microsecond precision so a later
// message never rounds into the range.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID string, userID string, until *time.Time) (out models.ReadOutcome, err error) {
	var cutoff any
	if until != nil {
		cutoff = until.Truncate(time.Microsecond)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.ReadOutcome{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = tx.GetContext(ctx, &out.Until, readCutoffQuery, cutoff); err != nil {
		return models.ReadOutcome{}, err
	}

	res, err := tx.ExecContext(ctx, markReadQuery, conversationID, userID, out.Until)
	if err != nil {
		return models.ReadOutcome{}, err
	}
	if out.Marked, err = res.RowsAffected(); err != nil {
		return models.ReadOutcome{}, err
	}

	if err = tx.GetContext(ctx, &out.Conversation, resetUnreadQuery, conversationID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
		}
		return models.ReadOutcome{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.ReadOutcome{}, err
	}
	return out, nil
}
