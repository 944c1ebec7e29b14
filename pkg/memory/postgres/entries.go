package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/duet/pkg/memory"
)

// AddEntry implements [memory.ContextStore].
func (s *Store) AddEntry(ctx context.Context, conversationID string, entry memory.ContextEntry) (string, error) {
	entry = memory.PrepareEntry(entry)

	const q = `
		INSERT INTO context_entries (id, conversation_id, category, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		entry.ID,
		conversationID,
		entry.Category,
		entry.Content,
		string(entry.Status),
		entry.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("postgres store: add entry: %w", err)
	}
	return entry.ID, nil
}

// ActiveEntries implements [memory.ContextStore].
func (s *Store) ActiveEntries(ctx context.Context, conversationID string) ([]memory.ContextEntry, error) {
	const q = `
		SELECT id, category, content, status, created_at
		FROM   context_entries
		WHERE  conversation_id = $1 AND status = 'active'
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: active entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ContextEntry, error) {
		var (
			e      memory.ContextEntry
			status string
		)
		if err := row.Scan(&e.ID, &e.Category, &e.Content, &status, &e.CreatedAt); err != nil {
			return e, err
		}
		e.Status = memory.EntryStatus(status)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan entries: %w", err)
	}
	if entries == nil {
		entries = []memory.ContextEntry{}
	}
	return entries, nil
}
