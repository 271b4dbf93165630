package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the Postgres pool. Migrations are applied separately by Migrate.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            pair_key TEXT NOT NULL UNIQUE,
            participants TEXT[] NOT NULL,
            last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            last_message_text TEXT NOT NULL DEFAULT '',
            unread JSONB NOT NULL DEFAULT '{}'::jsonb,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS conversations_participants_idx ON conversations USING GIN (participants);`,
	`CREATE INDEX IF NOT EXISTS conversations_last_message_at_idx ON conversations (last_message_at DESC);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            conversation_id UUID NOT NULL REFERENCES conversations(id),
            client_message_id TEXT,
            sender_id TEXT NOT NULL,
            text TEXT NOT NULL DEFAULT '',
            images JSONB NOT NULL DEFAULT '[]'::jsonb,
            read_by TEXT[] NOT NULL DEFAULT '{}',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CONSTRAINT messages_not_empty CHECK (text <> '' OR jsonb_array_length(images) > 0)
        );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_message_id_key
            ON messages (conversation_id, client_message_id)
            WHERE client_message_id IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages (conversation_id, created_at DESC);`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	for i, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	logger.Info("database migrations applied", "count", len(migrations))
	return nil
}
