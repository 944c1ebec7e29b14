// Package postgres provides a PostgreSQL-backed [memory.Store].
//
// Messages and context entries live in two tables sharing a single
// [pgxpool.Pool]. Appends raise a NOTIFY on the duet_messages channel with the
// conversation ID as payload; each subscription holds one pooled connection in
// LISTEN mode and reloads the conversation when its ID is announced.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_, _ = store.Append(ctx, userID, memory.Message{Sender: memory.SenderUser, Text: "hi"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying conversation IDs.
const notifyChannel = "duet_messages"

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    seq              BIGSERIAL    PRIMARY KEY,
    id               TEXT         NOT NULL UNIQUE,
    conversation_id  TEXT         NOT NULL,
    sender           TEXT         NOT NULL,
    text             TEXT         NOT NULL DEFAULT '',
    audio            TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages (conversation_id, seq);
`

const ddlContextEntries = `
CREATE TABLE IF NOT EXISTS context_entries (
    seq              BIGSERIAL    PRIMARY KEY,
    id               TEXT         NOT NULL UNIQUE,
    conversation_id  TEXT         NOT NULL,
    category         TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    status           TEXT         NOT NULL DEFAULT 'active',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_context_entries_active
    ON context_entries (conversation_id, seq) WHERE status = 'active';
`

// Migrate creates the tables and indexes if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlMessages, ddlContextEntries} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
