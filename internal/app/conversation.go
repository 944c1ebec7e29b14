package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/duet/pkg/memory"
)

// greetingFormat is appended as the first assistant message of an empty
// conversation.
const greetingFormat = "Hi there, I'm %s! I'm here to listen and offer some positive vibes!"

// Greeting returns the greeting of an assistant called name.
func Greeting(name string) string {
	return fmt.Sprintf(greetingFormat, name)
}

// Conversation mirrors the persisted message log of one conversation. The
// mirror is updated from a store subscription and is safe for concurrent
// use.
type Conversation struct {
	id       string
	store    memory.MessageStore
	greeting string
	onUpdate func([]memory.Message)

	mu       sync.Mutex
	messages []memory.Message
	loaded   bool

	first chan bool
}

func newConversation(store memory.MessageStore, id, greeting string, onUpdate func([]memory.Message)) *Conversation {
	return &Conversation{
		id:       id,
		store:    store,
		greeting: greeting,
		onUpdate: onUpdate,
		first:    make(chan bool, 1),
	}
}

// Run subscribes to the log and blocks until ctx is done. When the first
// snapshot is empty and a greeting is configured, the greeting is appended.
func (c *Conversation) Run(ctx context.Context) error {
	cancel, err := c.store.Subscribe(ctx, c.id, c.deliver)
	if err != nil {
		return fmt.Errorf("app: subscribe to conversation %q: %w", c.id, err)
	}
	defer cancel()

	select {
	case <-ctx.Done():
		return nil
	case empty := <-c.first:
		if empty && c.greeting != "" {
			msg := memory.Message{Sender: memory.SenderAssistant, Text: c.greeting, Timestamp: time.Now()}
			if _, err := c.store.Append(ctx, c.id, msg); err != nil {
				slog.Warn("app: appending greeting failed", "conversation", c.id, "err", err)
			}
		}
	}
	<-ctx.Done()
	return nil
}

func (c *Conversation) deliver(msgs []memory.Message) {
	c.mu.Lock()
	first := !c.loaded
	c.loaded = true
	c.messages = msgs
	c.mu.Unlock()

	if first {
		c.first <- len(msgs) == 0
	}
	if c.onUpdate != nil {
		c.onUpdate(msgs)
	}
}

// Messages returns a copy of the latest snapshot.
func (c *Conversation) Messages() []memory.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Find returns the message with the given ID.
func (c *Conversation) Find(id string) (memory.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.messages, func(m memory.Message) bool { return m.ID == id })
	if i < 0 {
		return memory.Message{}, false
	}
	return c.messages[i], true
}
