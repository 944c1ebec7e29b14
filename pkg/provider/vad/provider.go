// Package vad defines the Detector interface for Voice Activity Detection
// backends.
//
// A Detector is a stateful, per-recording classifier. Captured audio is pushed
// into it as it arrives and the accumulated segment is evaluated on a fixed
// poll cadence. Each evaluation yields a [Decision] that tells the caller
// whether a user turn has started, is continuing, has ended, or was a false
// start that must be discarded.
//
// Push is called from the audio callback goroutine while Evaluate is called
// from the controller's poll loop, so implementations must be safe for that
// pairing of concurrent use.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the parameters for a detector.
type Config struct {
	// SampleRate is the audio sample rate in Hz of pushed samples.
	SampleRate int

	// Threshold is the minimum RMS magnitude (0.0–1.0) for a segment to count
	// as speech.
	Threshold float64

	// StartDelay is how long speech must be sustained before a user turn is
	// confirmed.
	StartDelay time.Duration

	// EndDelay is how long silence must last before an active turn ends. It
	// also bounds the pre-roll kept ahead of a speech onset.
	EndDelay time.Duration

	// PollInterval is the cadence at which accumulated audio is evaluated.
	PollInterval time.Duration

	// MaxBuffered caps the audio accumulated between evaluations. When a slow
	// consumer lets the backlog exceed it, the oldest samples are dropped.
	// Zero means no cap.
	MaxBuffered time.Duration
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad: threshold must be in [0, 1], got %g", c.Threshold))
	}
	if c.StartDelay < 0 || c.EndDelay < 0 {
		errs = append(errs, errors.New("vad: delays must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("vad: poll interval must be positive, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}

// Detector classifies a stream of pushed audio into turn decisions.
type Detector interface {
	// Push appends captured samples to the pending segment. It must not block.
	Push(samples []float32)

	// Evaluate consumes the pending segment and returns a decision. now is
	// the poll time; it drives the start and end delays.
	Evaluate(now time.Time) Decision

	// State returns the current detector state.
	State() State

	// Reset cancels any pending confirmation and discards all provisional
	// audio, returning the detector to [StateInactive].
	Reset()
}

// Engine creates detectors. It is the top-level interface implemented by each
// VAD backend.
type Engine interface {
	NewDetector(cfg Config) (Detector, error)
}
