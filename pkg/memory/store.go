// Package memory defines the persistence layer for conversations.
//
// Two stores back a conversation:
//
//   - [MessageStore]: the append-only message log. Subscribers receive the
//     full ordered snapshot after every change, which is how the transcript
//     view stays in sync with writes made by other components.
//   - [ContextStore]: durable "system entries" the user asked the assistant to
//     remember. Active entries are folded into the session instructions each
//     time a session opens.
//
// Every implementation must be safe for concurrent use.
package memory

import "context"

// MessageStore is the append-only log of conversation messages.
type MessageStore interface {
	// Append persists msg under conversationID and returns the identifier
	// assigned to it. If msg.ID is already set it is kept.
	Append(ctx context.Context, conversationID string, msg Message) (string, error)

	// Subscribe delivers the ordered message snapshot of conversationID to fn,
	// once immediately and again after every change. Deliveries for one
	// subscription never overlap and arrive in order. The returned function
	// cancels the subscription; it blocks until any in-flight delivery has
	// returned and is safe to call more than once.
	Subscribe(ctx context.Context, conversationID string, fn func([]Message)) (func(), error)
}

// ContextStore holds the durable context entries of a conversation.
type ContextStore interface {
	// AddEntry persists an entry and returns its identifier.
	AddEntry(ctx context.Context, conversationID string, entry ContextEntry) (string, error)

	// ActiveEntries returns the entries whose status is [StatusActive],
	// oldest first.
	ActiveEntries(ctx context.Context, conversationID string) ([]ContextEntry, error)
}

// Store combines both stores. All backends in this module implement it.
type Store interface {
	MessageStore
	ContextStore
}
