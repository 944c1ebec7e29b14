// Package audio defines the sample types, PCM codec and device abstractions
// used by the realtime voice pipeline.
//
// The device abstractions are deliberately narrow:
//
//   - [InputDevice] opens a microphone stream that delivers fixed-size [Frame]
//     values to a callback.
//   - [OutputDevice] exposes a monotonic playback clock and schedules [Buffer]
//     values to start at an exact clock time, returning a [Source] handle.
//
// Hardware adapters live in sub-packages (audio/portaudio); in-memory fakes for
// tests live in audio/mock.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FrameFunc receives captured frames. It is invoked on the device's callback
// goroutine in real-time order and must not block.
type FrameFunc func(Frame)

// InputDevice acquires microphone input.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Open acquires a mono input stream at sampleRate that delivers frames of
	// framesPerBuffer samples to fn. The stream is running when Open returns.
	// Failures are reported as [*DeviceError].
	Open(ctx context.Context, sampleRate, framesPerBuffer int, fn FrameFunc) (InputStream, error)
}

// InputStream is an open microphone stream.
type InputStream interface {
	// Close stops the stream and releases the device. After Close returns no
	// further callbacks are delivered. Close is idempotent.
	Close() error
}

// Source is a handle to one scheduled playback buffer.
type Source interface {
	// Stop halts playback immediately. Stopping a finished source is a no-op.
	Stop()

	// Done is closed when the source finishes naturally or is stopped.
	Done() <-chan struct{}
}

// OutputDevice plays scheduled audio on a shared output context.
//
// Implementations must be safe for concurrent use and must serialise actual
// device writes themselves.
type OutputDevice interface {
	// SampleRate is the native playback rate of the device.
	SampleRate() int

	// Now returns the current playback clock. The clock starts at zero and
	// advances monotonically while the device renders audio.
	Now() time.Duration

	// Play schedules buf to start at clock time at. A start time in the past
	// starts immediately. Buffers at a different rate are resampled.
	Play(buf *Buffer, at time.Duration) (Source, error)
}

// DeviceCause classifies a [DeviceError].
type DeviceCause int

const (
	// CauseUnavailable covers any device failure not classified below.
	CauseUnavailable DeviceCause = iota

	// CausePermissionDenied means the operating system refused access.
	CausePermissionDenied

	// CauseNotFound means no suitable device exists.
	CauseNotFound
)

// String returns the human-readable name of the cause.
func (c DeviceCause) String() string {
	switch c {
	case CausePermissionDenied:
		return "permission denied"
	case CauseNotFound:
		return "not found"
	default:
		return "unavailable"
	}
}

// Sentinel errors matched by [DeviceError.Is].
var (
	ErrPermissionDenied = errors.New("audio: device permission denied")
	ErrNoDevice         = errors.New("audio: no device found")
)

// DeviceError reports a failure to acquire or drive an audio device.
type DeviceError struct {
	Cause  DeviceCause
	Device string
	Err    error
}

// Error returns a message that distinguishes the cause, suitable for showing
// to the user.
func (e *DeviceError) Error() string {
	var msg string
	switch e.Cause {
	case CausePermissionDenied:
		msg = "microphone access was denied; grant permission and try again"
	case CauseNotFound:
		msg = "no microphone found; connect a device and try again"
	default:
		msg = "audio device unavailable"
	}
	if e.Device != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Device)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "audio: " + msg
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error { return e.Err }

// Is lets errors.Is match the cause sentinels.
func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Cause == CausePermissionDenied
	case ErrNoDevice:
		return e.Cause == CauseNotFound
	}
	return false
}
