// Package energy implements an RMS-energy [vad.Detector] with hysteresis.
//
// A segment whose RMS magnitude exceeds the threshold counts as speech. Speech
// must be sustained across every evaluation for StartDelay before a turn is
// confirmed, and silence must last longer than EndDelay before it ends. While
// no turn is active the detector keeps EndDelay worth of recent audio as
// pre-roll, so the confirmed turn does not lose its onset.
package energy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine   = Engine{}
	_ vad.Detector = (*Detector)(nil)
)

// Option configures a [Detector].
type Option func(*Detector)

// WithTransitionHook registers fn to be called after every state change. It
// runs on the evaluating goroutine with the detector lock released.
func WithTransitionHook(fn func(from, to vad.State)) Option {
	return func(d *Detector) { d.onTransition = fn }
}

// WithDropHook registers fn to be called with the number of samples dropped
// when the pending backlog exceeds MaxBuffered.
func WithDropHook(fn func(samples int)) Option {
	return func(d *Detector) { d.onDrop = fn }
}

// Engine creates energy detectors.
type Engine struct {
	Options []Option
}

// NewDetector implements [vad.Engine].
func (e Engine) NewDetector(cfg vad.Config) (vad.Detector, error) {
	return New(cfg, e.Options...)
}

// Detector is an RMS-energy voice activity detector. All methods are safe for
// concurrent use.
type Detector struct {
	cfg          vad.Config
	maxPreroll   int
	maxPending   int
	onTransition func(from, to vad.State)
	onDrop       func(samples int)

	mu           sync.Mutex
	state        vad.State
	pending      []float32
	preroll      []float32
	confirmStart time.Time
	lastSpeech   time.Time
}

// New validates cfg and returns a Detector in [vad.StateInactive].
func New(cfg vad.Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cfg:        cfg,
		maxPreroll: samplesFor(cfg.EndDelay, cfg.SampleRate),
		maxPending: samplesFor(cfg.MaxBuffered, cfg.SampleRate),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Push implements [vad.Detector]. Samples are copied.
func (d *Detector) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	d.mu.Lock()
	d.pending = append(d.pending, samples...)
	dropped := 0
	if d.maxPending > 0 && len(d.pending) > d.maxPending {
		dropped = len(d.pending) - d.maxPending
		d.pending = append(d.pending[:0], d.pending[dropped:]...)
	}
	d.mu.Unlock()

	if dropped > 0 {
		slog.Warn("vad: pending audio exceeded cap, dropping oldest samples", "dropped", dropped)
		if d.onDrop != nil {
			d.onDrop(dropped)
		}
	}
}

// Evaluate implements [vad.Detector].
func (d *Detector) Evaluate(now time.Time) vad.Decision {
	d.mu.Lock()
	from := d.state
	dec := d.evaluateLocked(now)
	to := d.state
	d.mu.Unlock()

	if from != to && d.onTransition != nil {
		d.onTransition(from, to)
	}
	return dec
}

func (d *Detector) evaluateLocked(now time.Time) vad.Decision {
	if len(d.pending) == 0 {
		return vad.Decision{Type: vad.DecisionNone, State: d.state}
	}
	seg := d.pending
	d.pending = nil

	mag := audio.RMS(seg)
	speech := mag > d.cfg.Threshold
	if speech {
		d.lastSpeech = now
	}

	switch d.state {
	case vad.StateInactive:
		if !speech {
			d.appendPreroll(seg, true)
			return vad.Decision{Type: vad.DecisionNone, Magnitude: mag, State: d.state}
		}
		d.appendPreroll(seg, true)
		d.state = vad.StateConfirming
		d.confirmStart = now
		if d.cfg.StartDelay <= 0 {
			return d.activateLocked(mag)
		}
		return vad.Decision{Type: vad.DecisionNone, Magnitude: mag, State: d.state}

	case vad.StateConfirming:
		if !speech {
			d.state = vad.StateInactive
			d.preroll = nil
			return vad.Decision{Type: vad.DecisionCancelled, Magnitude: mag, State: d.state}
		}
		d.appendPreroll(seg, false)
		if now.Sub(d.confirmStart) >= d.cfg.StartDelay {
			return d.activateLocked(mag)
		}
		return vad.Decision{Type: vad.DecisionNone, Magnitude: mag, State: d.state}

	default: // active
		if !speech && now.Sub(d.lastSpeech) > d.cfg.EndDelay {
			d.state = vad.StateInactive
			return vad.Decision{Type: vad.DecisionSpeechEnd, Audio: seg, Magnitude: mag, State: d.state}
		}
		return vad.Decision{Type: vad.DecisionSpeechContinue, Audio: seg, Magnitude: mag, State: d.state}
	}
}

func (d *Detector) activateLocked(mag float64) vad.Decision {
	d.state = vad.StateActive
	out := d.preroll
	d.preroll = nil
	return vad.Decision{Type: vad.DecisionSpeechStart, Audio: out, Magnitude: mag, State: d.state}
}

// appendPreroll adds seg to the pre-roll. While inactive the pre-roll is
// trimmed to EndDelay worth of the most recent samples, but never below seg
// itself; during confirmation it grows so the whole onset survives.
func (d *Detector) appendPreroll(seg []float32, trim bool) {
	d.preroll = append(d.preroll, seg...)
	limit := max(d.maxPreroll, len(seg))
	if trim && len(d.preroll) > limit {
		drop := len(d.preroll) - limit
		d.preroll = append(d.preroll[:0], d.preroll[drop:]...)
	}
}

// State implements [vad.Detector].
func (d *Detector) State() vad.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset implements [vad.Detector].
func (d *Detector) Reset() {
	d.mu.Lock()
	from := d.state
	d.state = vad.StateInactive
	d.pending = nil
	d.preroll = nil
	d.confirmStart = time.Time{}
	d.lastSpeech = time.Time{}
	d.mu.Unlock()

	if from != vad.StateInactive && d.onTransition != nil {
		d.onTransition(from, vad.StateInactive)
	}
}

func samplesFor(d time.Duration, rate int) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}
