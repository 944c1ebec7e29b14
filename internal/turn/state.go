package turn

import "github.com/MrWong99/duet/pkg/memory"

// State is the position of the controller in the turn cycle.
type State int

const (
	// StateIdle means no turn is in progress.
	StateIdle State = iota

	// StateUserSpeaking means the detector confirmed speech and microphone
	// audio is streaming to the session.
	StateUserSpeaking

	// StateAwaitingResponse means the user turn ended and no reply content has
	// arrived yet.
	StateAwaitingResponse

	// StateAssistantResponding means reply transcript or audio is streaming.
	StateAssistantResponding

	// StateError means the session failed. OpenSession starts over.
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserSpeaking:
		return "user_speaking"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateAssistantResponding:
		return "assistant_responding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the controller, published after every
// change.
type Snapshot struct {
	State State

	// Connected reports whether a session is open.
	Connected bool

	// Recording reports whether the microphone is capturing.
	Recording bool

	// Speaking reports whether assistant audio is scheduled or playing.
	Speaking bool

	// Input is the provisional transcript of the current user turn.
	Input string

	// InProgress is the streaming assistant reply. Nil when no reply is being
	// composed. It is never persisted as is.
	InProgress *memory.Message

	// PlayingUser is the ID of the user message being replayed, or "".
	PlayingUser string

	// Warning is a transient user-facing notice, cleared automatically.
	Warning string

	// Err is the most recent session failure, if any.
	Err error
}
