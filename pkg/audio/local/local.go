// Package local connects the audio pipeline to the machine's default sound
// card through PortAudio.
//
// Callers must invoke [Initialize] once before opening devices and
// [Terminate] after every device is closed.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
)

// Initialize prepares the PortAudio host API.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("local: initialize portaudio: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio host API.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("local: terminate portaudio: %w", err)
	}
	return nil
}

// ─── Input ───────────────────────────────────────────────────────────────────

// Input opens the default microphone.
type Input struct{}

// Open implements [audio.InputDevice].
func (Input) Open(_ context.Context, sampleRate, framesPerBuffer int, fn audio.FrameFunc) (audio.InputStream, error) {
	info, err := portaudio.DefaultInputDevice()
	if err != nil || info == nil {
		return nil, &audio.DeviceError{Cause: audio.CauseNotFound, Err: err}
	}

	s := &inputStream{fn: fn, rate: sampleRate}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, s.callback)
	if err != nil {
		return nil, classify(info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, classify(info.Name, err)
	}
	s.stream = stream
	slog.Debug("local: microphone opened", "device", info.Name, "sampleRate", sampleRate, "framesPerBuffer", framesPerBuffer)
	return s, nil
}

type inputStream struct {
	fn     audio.FrameFunc
	rate   int
	stream *portaudio.Stream

	mu      sync.Mutex
	samples int64 // total samples delivered, for timestamps
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func (s *inputStream) callback(in []float32) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ts := time.Duration(s.samples * int64(time.Second) / int64(s.rate))
	s.samples += int64(len(in))
	s.mu.Unlock()

	// PortAudio reuses the callback buffer.
	cp := make([]float32, len(in))
	copy(cp, in)
	s.fn(audio.Frame{Samples: cp, SampleRate: s.rate, Timestamp: ts})
}

// Close implements [audio.InputStream].
func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if err := s.stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("local: stop input: %w", err)
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("local: close input: %w", err)
		}
	})
	return s.closeErr
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Output plays audio on the default speaker. Scheduling and the playback
// clock are provided by an embedded [mixer.Mixer] that PortAudio pulls from.
type Output struct {
	*mixer.Mixer
	stream *portaudio.Stream

	closeOnce sync.Once
	closeErr  error
}

// OpenOutput opens the default output device at sampleRate with the given
// channel count and starts rendering.
func OpenOutput(sampleRate, channels, framesPerBuffer int) (*Output, error) {
	info, err := portaudio.DefaultOutputDevice()
	if err != nil || info == nil {
		return nil, &audio.DeviceError{Cause: audio.CauseNotFound, Device: "speaker", Err: err}
	}
	o := &Output{Mixer: mixer.New(sampleRate, channels)}
	stream, err := portaudio.OpenDefaultStream(0, o.Channels(), float64(sampleRate), framesPerBuffer, o.Render)
	if err != nil {
		return nil, classify(info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, classify(info.Name, err)
	}
	o.stream = stream
	slog.Debug("local: speaker opened", "device", info.Name, "sampleRate", sampleRate, "channels", channels)
	return o, nil
}

// Close stops rendering and releases the device. It is safe to call Close
// more than once.
func (o *Output) Close() error {
	o.closeOnce.Do(func() {
		if err := o.stream.Stop(); err != nil {
			o.closeErr = fmt.Errorf("local: stop output: %w", err)
		}
		if err := o.stream.Close(); err != nil && o.closeErr == nil {
			o.closeErr = fmt.Errorf("local: close output: %w", err)
		}
		_ = o.Mixer.Close()
	})
	return o.closeErr
}

// classify maps a PortAudio failure to an [audio.DeviceError].
func classify(device string, err error) error {
	cause := audio.CauseUnavailable
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not authorized"):
		cause = audio.CausePermissionDenied
	case strings.Contains(msg, "invalid device"), strings.Contains(msg, "no device"):
		cause = audio.CauseNotFound
	}
	return &audio.DeviceError{Cause: cause, Device: device, Err: err}
}
