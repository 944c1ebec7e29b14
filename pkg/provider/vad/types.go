package vad

// State is the detector's view of the current recording.
type State int

const (
	// StateInactive means no speech is in progress.
	StateInactive State = iota

	// StateConfirming means speech was heard but not yet sustained for the
	// start delay.
	StateConfirming

	// StateActive means a user turn is in progress.
	StateActive
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateConfirming:
		return "confirming"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// DecisionType enumerates evaluation outcomes.
type DecisionType int

const (
	// DecisionNone means nothing actionable happened: silence while inactive,
	// an empty segment, or a confirmation still in progress.
	DecisionNone DecisionType = iota

	// DecisionSpeechStart confirms a user turn. Audio carries the pre-roll
	// and the confirmation audio, to be sent first.
	DecisionSpeechStart

	// DecisionSpeechContinue forwards the segment of an active turn.
	DecisionSpeechContinue

	// DecisionSpeechEnd ends the active turn. Audio carries the last segment,
	// which precedes the end-of-turn marker.
	DecisionSpeechEnd

	// DecisionCancelled reports a false start: the confirmation lapsed and all
	// provisional audio was discarded.
	DecisionCancelled
)

// String returns the human-readable name of the decision type.
func (t DecisionType) String() string {
	switch t {
	case DecisionNone:
		return "none"
	case DecisionSpeechStart:
		return "speech_start"
	case DecisionSpeechContinue:
		return "speech_continue"
	case DecisionSpeechEnd:
		return "speech_end"
	case DecisionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Decision is the result of one evaluation.
type Decision struct {
	Type DecisionType

	// Audio holds the samples the caller should forward, if any.
	Audio []float32

	// Magnitude is the RMS of the evaluated segment.
	Magnitude float64

	// State is the detector state after the evaluation.
	State State
}
