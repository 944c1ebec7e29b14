// Package mock provides a test double for the memory store interfaces.
//
// The mock records every call for assertion in tests and exposes exported
// fields that control what it returns. It is safe for concurrent use.
//
// Typical usage:
//
//	store := &mock.Store{AppendErr: errors.New("disk full")}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duet/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store]. Subscriptions are
// delivered synchronously by [Store.Emit] instead of by a background
// goroutine, which keeps tests deterministic.
type Store struct {
	mu    sync.Mutex
	calls []Call

	// AppendErr is returned by Append when non-nil.
	AppendErr error

	// SubscribeErr is returned by Subscribe when non-nil.
	SubscribeErr error

	// AddEntryErr is returned by AddEntry when non-nil.
	AddEntryErr error

	// ActiveEntriesResult is returned by ActiveEntries.
	ActiveEntriesResult []memory.ContextEntry

	// ActiveEntriesErr is returned by ActiveEntries when non-nil.
	ActiveEntriesErr error

	appended []memory.Message
	entries  []memory.ContextEntry
	subs     map[int]func([]memory.Message)
	nextSub  int
}

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// Append records the message and returns its prepared ID.
func (s *Store) Append(_ context.Context, conversationID string, msg memory.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Append", conversationID, msg)
	if s.AppendErr != nil {
		return "", s.AppendErr
	}
	msg = memory.Prepare(msg)
	s.appended = append(s.appended, msg)
	return msg.ID, nil
}

// Subscribe registers fn. Nothing is delivered until Emit is called.
func (s *Store) Subscribe(_ context.Context, conversationID string, fn func([]memory.Message)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Subscribe", conversationID)
	if s.SubscribeErr != nil {
		return nil, s.SubscribeErr
	}
	if s.subs == nil {
		s.subs = make(map[int]func([]memory.Message))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}, nil
}

// Emit delivers msgs to every live subscriber on the calling goroutine.
func (s *Store) Emit(msgs []memory.Message) {
	s.mu.Lock()
	fns := make([]func([]memory.Message), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(msgs)
	}
}

// EmitAppended delivers the messages appended so far.
func (s *Store) EmitAppended() {
	s.Emit(s.Appended())
}

// AddEntry records the entry.
func (s *Store) AddEntry(_ context.Context, conversationID string, entry memory.ContextEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AddEntry", conversationID, entry)
	if s.AddEntryErr != nil {
		return "", s.AddEntryErr
	}
	entry = memory.PrepareEntry(entry)
	s.entries = append(s.entries, entry)
	return entry.ID, nil
}

// ActiveEntries returns ActiveEntriesResult.
func (s *Store) ActiveEntries(_ context.Context, conversationID string) ([]memory.ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ActiveEntries", conversationID)
	if s.ActiveEntriesErr != nil {
		return nil, s.ActiveEntriesErr
	}
	return append([]memory.ContextEntry(nil), s.ActiveEntriesResult...), nil
}

// Appended returns the messages accepted by Append, in order.
func (s *Store) Appended() []memory.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.Message(nil), s.appended...)
}

// Entries returns the entries accepted by AddEntry, in order.
func (s *Store) Entries() []memory.ContextEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.ContextEntry(nil), s.entries...)
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored data. Configured fields are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.appended = nil
	s.entries = nil
}
