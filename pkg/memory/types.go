package memory

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one persisted conversation message.
type Message struct {
	// ID is assigned by the store on Append unless already set.
	ID string `json:"id"`

	Sender Sender `json:"sender"`
	Text   string `json:"text"`

	// Timestamp is the wall-clock creation time.
	Timestamp time.Time `json:"timestamp"`

	// Audio is the base64 encoding of the user's 16 kHz mono PCM16 recording
	// for this turn. Empty for assistant messages and text-only turns.
	Audio string `json:"audio,omitempty"`
}

// HasAudio reports whether the message carries a replayable recording.
func (m Message) HasAudio() bool { return m.Audio != "" }

// EntryStatus is the lifecycle state of a [ContextEntry].
type EntryStatus string

const (
	StatusActive   EntryStatus = "active"
	StatusArchived EntryStatus = "archived"
)

// ContextEntry is a categorised fact the assistant was asked to keep in mind.
type ContextEntry struct {
	ID        string      `json:"id"`
	Category  string      `json:"category"`
	Content   string      `json:"content"`
	Status    EntryStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewID returns a fresh random identifier for messages and entries.
func NewID() string {
	return uuid.NewString()
}

// Prepare fills in the store-assigned fields of msg: a new ID when empty and
// the current time when Timestamp is zero.
func Prepare(msg Message) Message {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// PrepareEntry is the [ContextEntry] counterpart of [Prepare]. A zero status
// becomes [StatusActive].
func PrepareEntry(e ContextEntry) ContextEntry {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	return e
}
