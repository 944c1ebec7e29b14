package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/duet/pkg/memory"
)

// Append implements [memory.MessageStore]. The insert and the change
// notification commit together.
func (s *Store) Append(ctx context.Context, conversationID string, msg memory.Message) (string, error) {
	msg = memory.Prepare(msg)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const q = `
			INSERT INTO messages (id, conversation_id, sender, text, audio, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.Exec(ctx, q,
			msg.ID,
			conversationID,
			string(msg.Sender),
			msg.Text,
			msg.Audio,
			msg.Timestamp,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, conversationID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("postgres store: append: %w", err)
	}
	return msg.ID, nil
}

// Messages returns the ordered message log of a conversation.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]memory.Message, error) {
	const q = `
		SELECT id, sender, text, audio, created_at
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: read messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Message, error) {
		var (
			m      memory.Message
			sender string
		)
		if err := row.Scan(&m.ID, &sender, &m.Text, &m.Audio, &m.Timestamp); err != nil {
			return m, err
		}
		m.Sender = memory.Sender(sender)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	return msgs, nil
}

// Subscribe implements [memory.MessageStore]. LISTEN is issued before the
// initial snapshot is loaded so no append can be missed in between.
func (s *Store) Subscribe(ctx context.Context, conversationID string, fn func([]memory.Message)) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: subscribe: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres store: subscribe: listen: %w", err)
	}

	f := memory.Follow(ctx, func(ctx context.Context) ([]memory.Message, error) {
		return s.Messages(ctx, conversationID)
	}, fn)

	listenCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					slog.Warn("postgres store: listener stopped", "conversation", conversationID, "err", err)
				}
				return
			}
			if n.Payload == conversationID {
				f.Poke()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			f.Stop()
			// An interrupted wait leaves the connection in an unknown state;
			// closing it makes the pool discard it on release.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		})
	}, nil
}
