// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that detectors are created with the expected Config.
// Use Detector to script decisions and inspect the audio that was pushed.
//
// Example:
//
//	det := &mock.Detector{}
//	det.Script(vad.Decision{Type: vad.DecisionSpeechStart, State: vad.StateActive})
//	eng := &mock.Engine{Detector: det}
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/duet/pkg/provider/vad"
)

// Ensure the mocks implement the interfaces at compile time.
var (
	_ vad.Engine   = (*Engine)(nil)
	_ vad.Detector = (*Detector)(nil)
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, a new default Detector is
	// returned.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// NewDetectorCalls records the Config of every NewDetector call.
	NewDetectorCalls []vad.Config
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCalls = append(e.NewDetectorCalls, cfg)
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

// Detector is a mock implementation of vad.Detector. Evaluate pops scripted
// decisions in order; once the script is empty it returns DecisionNone.
type Detector struct {
	mu     sync.Mutex
	script []vad.Decision
	state  vad.State

	// Pushed accumulates every pushed sample.
	Pushed []float32

	// EvaluateCalls records the poll time of every Evaluate call.
	EvaluateCalls []time.Time

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int
}

// Script appends decisions to be returned by subsequent Evaluate calls.
func (d *Detector) Script(decisions ...vad.Decision) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, decisions...)
}

// Push records the samples.
func (d *Detector) Push(samples []float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pushed = append(d.Pushed, samples...)
}

// Evaluate records the call and returns the next scripted decision.
func (d *Detector) Evaluate(now time.Time) vad.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.EvaluateCalls = append(d.EvaluateCalls, now)
	if len(d.script) == 0 {
		return vad.Decision{Type: vad.DecisionNone, State: d.state}
	}
	dec := d.script[0]
	d.script = d.script[1:]
	d.state = dec.State
	return dec
}

// State returns the state of the last returned decision.
func (d *Detector) State() vad.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset records the call and returns the detector to inactive. The remaining
// script is kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCallCount++
	d.state = vad.StateInactive
}

// Resets returns ResetCallCount. Thread-safe.
func (d *Detector) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ResetCallCount
}
