// Package redis provides a Redis-backed [memory.Store].
//
// Messages and context entries are JSON documents appended to per-conversation
// lists. Every Append also publishes the conversation ID on a change channel;
// subscribers reload the list when they see it, so any process sharing the
// Redis instance observes the same ordered log.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/duet/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

const defaultPrefix = "duet:"

// Config configures the connection.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Prefix namespaces every key and channel. Defaults to "duet:".
	Prefix string
}

// Store implements [memory.Store] on Redis lists and pub/sub.
type Store struct {
	client *goredis.Client
	prefix string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis store: address required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) messagesKey(conv string) string { return s.prefix + "conv:" + conv + ":messages" }
func (s *Store) entriesKey(conv string) string  { return s.prefix + "conv:" + conv + ":entries" }
func (s *Store) changesChannel(conv string) string {
	return s.prefix + "conv:" + conv + ":changes"
}

// Append implements [memory.MessageStore]. The push and the change
// notification are sent in one MULTI/EXEC transaction.
func (s *Store) Append(ctx context.Context, conversationID string, msg memory.Message) (string, error) {
	msg = memory.Prepare(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("redis store: encode message: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, s.messagesKey(conversationID), data)
		pipe.Publish(ctx, s.changesChannel(conversationID), msg.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis store: append: %w", err)
	}
	return msg.ID, nil
}

// Messages returns the ordered message log of a conversation.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]memory.Message, error) {
	raw, err := s.client.LRange(ctx, s.messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: read messages: %w", err)
	}
	out := make([]memory.Message, 0, len(raw))
	for _, r := range raw {
		var m memory.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			slog.Warn("redis store: skipping malformed message", "conversation", conversationID, "err", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Subscribe implements [memory.MessageStore]. The pub/sub subscription is
// confirmed before the initial snapshot is loaded, so no change can slip
// between the two.
func (s *Store) Subscribe(ctx context.Context, conversationID string, fn func([]memory.Message)) (func(), error) {
	ps := s.client.Subscribe(ctx, s.changesChannel(conversationID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis store: subscribe: %w", err)
	}

	f := memory.Follow(ctx, func(ctx context.Context) ([]memory.Message, error) {
		return s.Messages(ctx, conversationID)
	}, fn)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		ch := ps.Channel()
		for {
			select {
			case <-f.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				f.Poke()
			}
		}
	}()

	return func() {
		f.Stop()
		_ = ps.Close()
		<-pumpDone
	}, nil
}

// AddEntry implements [memory.ContextStore].
func (s *Store) AddEntry(ctx context.Context, conversationID string, entry memory.ContextEntry) (string, error) {
	entry = memory.PrepareEntry(entry)
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("redis store: encode entry: %w", err)
	}
	if err := s.client.RPush(ctx, s.entriesKey(conversationID), data).Err(); err != nil {
		return "", fmt.Errorf("redis store: add entry: %w", err)
	}
	return entry.ID, nil
}

// ActiveEntries implements [memory.ContextStore].
func (s *Store) ActiveEntries(ctx context.Context, conversationID string) ([]memory.ContextEntry, error) {
	raw, err := s.client.LRange(ctx, s.entriesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: read entries: %w", err)
	}
	out := make([]memory.ContextEntry, 0, len(raw))
	for _, r := range raw {
		var e memory.ContextEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			slog.Warn("redis store: skipping malformed entry", "conversation", conversationID, "err", err)
			continue
		}
		if e.Status == memory.StatusActive {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (s *Store) Close() error {
	return s.client.Close()
}
