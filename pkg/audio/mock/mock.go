// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{}
//	stream, _ := in.Open(ctx, 16000, 4096, handle)
//	in.Emit(audio.Frame{Samples: samples, SampleRate: 16000})
//
//	out := mock.NewOutputDevice(24000)
//	src, _ := out.Play(buf, 0)
//	out.Advance(buf.Duration()) // finishes src
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/duet/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.Source       = (*Source)(nil)
)

// ─── InputDevice ─────────────────────────────────────────────────────────────

// OpenCall records a single invocation of [InputDevice.Open].
type OpenCall struct {
	SampleRate      int
	FramesPerBuffer int
}

// InputDevice is a mock implementation of [audio.InputDevice]. Frames are
// injected with [InputDevice.Emit], which invokes the registered callback
// synchronously on the caller's goroutine.
type InputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls records every Open invocation.
	OpenCalls []OpenCall

	streams []*InputStream
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(_ context.Context, sampleRate, framesPerBuffer int, fn audio.FrameFunc) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{SampleRate: sampleRate, FramesPerBuffer: framesPerBuffer})
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &InputStream{fn: fn}
	d.streams = append(d.streams, s)
	return s, nil
}

// Emit delivers f to every open stream's callback. Closed streams are skipped,
// as a real device stops calling back after Close.
func (d *InputDevice) Emit(f audio.Frame) {
	d.mu.Lock()
	streams := append([]*InputStream(nil), d.streams...)
	d.mu.Unlock()
	for _, s := range streams {
		s.emit(f)
	}
}

// OpenStreams returns the number of streams that are open.
func (d *InputDevice) OpenStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// InputStream is the stream returned by [InputDevice.Open].
type InputStream struct {
	mu     sync.Mutex
	fn     audio.FrameFunc
	closed bool

	// CloseErr is returned by Close when non-nil.
	CloseErr error

	// CloseCalls counts Close invocations.
	CloseCalls int
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.closed = true
	return s.CloseErr
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *InputStream) emit(f audio.Frame) {
	s.mu.Lock()
	fn, closed := s.fn, s.closed
	s.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(f)
}

// ─── OutputDevice ────────────────────────────────────────────────────────────

// PlayCall records a single invocation of [OutputDevice.Play].
type PlayCall struct {
	Buffer *audio.Buffer
	At     time.Duration
	Source *Source
}

// OutputDevice is a mock implementation of [audio.OutputDevice] driven by a
// manual clock. Sources finish when [OutputDevice.Advance] moves the clock
// past their end time.
type OutputDevice struct {
	mu   sync.Mutex
	rate int
	now  time.Duration

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// PlayCalls records every Play invocation in order.
	PlayCalls []PlayCall
}

// NewOutputDevice returns an OutputDevice reporting the given sample rate.
func NewOutputDevice(sampleRate int) *OutputDevice {
	return &OutputDevice{rate: sampleRate}
}

// SampleRate implements [audio.OutputDevice].
func (d *OutputDevice) SampleRate() int { return d.rate }

// Now implements [audio.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Play implements [audio.OutputDevice]. The returned source ends at
// max(at, Now()) + buf.Duration().
func (d *OutputDevice) Play(buf *audio.Buffer, at time.Duration) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PlayErr != nil {
		return nil, d.PlayErr
	}
	src := &Source{
		Start: max(at, d.now),
		done:  make(chan struct{}),
	}
	src.End = src.Start + buf.Duration()
	d.PlayCalls = append(d.PlayCalls, PlayCall{Buffer: buf, At: at, Source: src})
	return src, nil
}

// Advance moves the clock forward by d and finishes every source whose end
// time has been reached.
func (d *OutputDevice) Advance(delta time.Duration) {
	d.mu.Lock()
	d.now += delta
	now := d.now
	calls := append([]PlayCall(nil), d.PlayCalls...)
	d.mu.Unlock()

	for _, c := range calls {
		if c.Source.End <= now {
			c.Source.finish()
		}
	}
}

// Calls returns a snapshot of the recorded Play calls.
func (d *OutputDevice) Calls() []PlayCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PlayCall(nil), d.PlayCalls...)
}

// Source is the handle returned by [OutputDevice.Play].
type Source struct {
	// Start and End are the scheduled clock times of the source.
	Start time.Duration
	End   time.Duration

	mu        sync.Mutex
	stopCalls int
	done      chan struct{}
	doneOnce  sync.Once
}

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopCalls++
	s.mu.Unlock()
	s.finish()
}

// Done implements [audio.Source].
func (s *Source) Done() <-chan struct{} { return s.done }

// StopCalls returns how many times Stop was called.
func (s *Source) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// Finish ends the source as if playback completed naturally.
func (s *Source) Finish() { s.finish() }

func (s *Source) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
