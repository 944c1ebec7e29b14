// Package s2s defines the Provider interface for realtime speech-to-speech
// session backends.
//
// An S2S provider wraps a remote conversational model that accepts streamed
// microphone audio or text and answers with streamed synthesised speech plus
// transcripts, all over one stateful session. The central abstraction is
// SessionHandle: outbound calls send audio, text and tool results, while every
// inbound server message is surfaced, in delivery order, as an [Event] on a
// single channel.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"
)

// Wire formats fixed by the protocol.
const (
	// InputMIMEType describes audio passed to SendAudio.
	InputMIMEType = "audio/pcm;rate=16000"

	// InputSampleRate is the sample rate of audio passed to SendAudio.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of [AudioChunk] payloads.
	OutputSampleRate = 24000
)

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON-Schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new session. Sessions
// cannot be reconfigured; changes require a new session.
type SessionConfig struct {
	// Voice is the prebuilt voice name used for synthesised speech.
	Voice string

	// Instructions is the system-level prompt.
	Instructions string

	// Tools offered to the model for the lifetime of the session.
	Tools []ToolDefinition

	// InputTranscriptionLanguage is a BCP-47 code hinting the user's spoken
	// language for input transcription. Empty lets the service detect it.
	InputTranscriptionLanguage string

	// DisableOutputTranscription turns off text transcripts of the model's
	// speech. Assistant messages are persisted from these transcripts, so it
	// is only useful for audio-only sessions.
	DisableOutputTranscription bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// MaxSessionDuration is the hard upper bound on session lifetime imposed by
	// the service. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names available.
	Voices []string
}

// ToolResponse answers one [FunctionCall].
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// SessionHandle represents an open session. It is an interface so that test
// code can supply mock implementations without a live connection.
//
// All methods must be safe for concurrent use. Callers must call Close when
// the session is no longer needed.
type SessionHandle interface {
	// SendAudio streams a 16 kHz mono s16le PCM chunk to the model. Returns
	// [ErrSessionClosed] after Close or once the connection has ended.
	SendAudio(chunk []byte) error

	// EndAudio marks the end of the current audio stream so the model can
	// finalise the user's turn.
	EndAudio() error

	// SendText submits a complete user text turn.
	SendText(text string) error

	// SendToolResponse answers one or more tool calls.
	SendToolResponse(responses ...ToolResponse) error

	// Events returns the inbound event stream. The channel delivers events in
	// the order the service sent them and is closed when the session ends. A
	// remotely terminated session emits [Closed] before the channel closes.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended cleanly
	// or is still open.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a new session. Credential problems are reported as a
	// [*credential.Error] so callers can tell them apart from network failures.
	// The caller owns the returned SessionHandle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
