package s2s

import "fmt"

// Event is an inbound session event. The set of implementations is closed:
// [InputTranscript], [OutputTranscript], [AudioChunk], [ToolCall],
// [Interrupted], [TurnComplete], [Error] and [Closed].
type Event interface {
	isEvent()
}

// InputTranscript carries the service's transcription of the user's speech.
// Text is cumulative for the current user turn, so each event replaces the
// previous one.
type InputTranscript struct {
	Text  string
	Final bool
}

// OutputTranscript carries the next fragment of the model's spoken reply.
type OutputTranscript struct {
	Delta string
}

// AudioChunk carries synthesised speech as base64-encoded s16le PCM.
// Decoding is left to the consumer so malformed payloads surface where they
// can be handled.
type AudioChunk struct {
	Data       string
	MIMEType   string
	SampleRate int
	Channels   int
}

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCall carries tool invocations requested by the model.
type ToolCall struct {
	Calls []FunctionCall
}

// Interrupted reports that the user barged in and the model abandoned its
// reply.
type Interrupted struct{}

// TurnComplete reports that the model finished its reply.
type TurnComplete struct{}

// Error reports a service-side error. The session may still be open.
type Error struct {
	Code    int
	Status  string
	Message string
}

// Err returns the event as an error value.
func (e Error) Err() error {
	if e.Code != 0 {
		return fmt.Errorf("s2s: service error %d: %s", e.Code, e.Message)
	}
	return fmt.Errorf("s2s: service error: %s", e.Message)
}

// Closed reports that the remote side ended the session. Code is the
// WebSocket close status; 1000 is a normal closure.
type Closed struct {
	Code   int
	Reason string
}

// NormalClosure is the close code of an orderly shutdown.
const NormalClosure = 1000

// Abnormal reports whether the session ended unexpectedly.
func (c Closed) Abnormal() bool { return c.Code != NormalClosure }

func (InputTranscript) isEvent()  {}
func (OutputTranscript) isEvent() {}
func (AudioChunk) isEvent()       {}
func (ToolCall) isEvent()         {}
func (Interrupted) isEvent()      {}
func (TurnComplete) isEvent()     {}
func (Error) isEvent()            {}
func (Closed) isEvent()           {}
