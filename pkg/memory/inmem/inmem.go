// Package inmem provides a process-local [memory.Store]. It is the default
// backend for single-user runs and the reference implementation the other
// backends are tested against.
package inmem

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/duet/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

type conversation struct {
	messages  []memory.Message
	entries   []memory.ContextEntry
	followers map[*memory.Follower]struct{}
}

// Store keeps conversations in memory. The zero value is not usable; call
// [New].
type Store struct {
	mu    sync.Mutex
	convs map[string]*conversation
}

// New returns an empty Store.
func New() *Store {
	return &Store{convs: make(map[string]*conversation)}
}

// conv returns the conversation for id, creating it on first use.
// Callers must hold s.mu.
func (s *Store) conv(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{followers: make(map[*memory.Follower]struct{})}
		s.convs[id] = c
	}
	return c
}

// Append implements [memory.MessageStore].
func (s *Store) Append(ctx context.Context, conversationID string, msg memory.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("inmem: append: %w", err)
	}
	msg = memory.Prepare(msg)

	s.mu.Lock()
	c := s.conv(conversationID)
	c.messages = append(c.messages, msg)
	followers := make([]*memory.Follower, 0, len(c.followers))
	for f := range c.followers {
		followers = append(followers, f)
	}
	s.mu.Unlock()

	for _, f := range followers {
		f.Poke()
	}
	return msg.ID, nil
}

// Messages returns a copy of the ordered message log.
func (s *Store) Messages(conversationID string) []memory.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return []memory.Message{}
	}
	return slices.Clone(c.messages)
}

// Subscribe implements [memory.MessageStore].
func (s *Store) Subscribe(ctx context.Context, conversationID string, fn func([]memory.Message)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("inmem: subscribe: %w", err)
	}
	load := func(context.Context) ([]memory.Message, error) {
		return s.Messages(conversationID), nil
	}

	s.mu.Lock()
	f := memory.Follow(ctx, load, fn)
	s.conv(conversationID).followers[f] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.conv(conversationID).followers, f)
		s.mu.Unlock()
		f.Stop()
	}, nil
}

// AddEntry implements [memory.ContextStore].
func (s *Store) AddEntry(ctx context.Context, conversationID string, entry memory.ContextEntry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("inmem: add entry: %w", err)
	}
	entry = memory.PrepareEntry(entry)

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conv(conversationID)
	c.entries = append(c.entries, entry)
	return entry.ID, nil
}

// ActiveEntries implements [memory.ContextStore].
func (s *Store) ActiveEntries(ctx context.Context, conversationID string) ([]memory.ContextEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("inmem: active entries: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []memory.ContextEntry{}
	if c, ok := s.convs[conversationID]; ok {
		for _, e := range c.entries {
			if e.Status == memory.StatusActive {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
