// Package capture acquires microphone audio and fans every frame out to a
// retention buffer and a voice activity detector.
//
// The retention buffer reconstructs the full user utterance for replay and
// persistence; the detector decides when the user is speaking. Start and Stop
// are idempotent, and Stop deregisters the frame callback synchronously, so no
// frame is accepted once it returns.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duet/pkg/audio"
)

const (
	// DefaultSampleRate is the capture rate expected by the remote service.
	DefaultSampleRate = 16000

	// DefaultFramesPerBuffer is the hardware buffer size; about 256 ms at 16 kHz.
	DefaultFramesPerBuffer = 4096

	// DefaultMaxRetained bounds the retention buffer.
	DefaultMaxRetained = 5 * time.Minute
)

// Sink receives every captured frame's samples. [vad.Detector] satisfies it.
type Sink interface {
	Push(samples []float32)
}

// Config configures a Pipeline. Zero fields take the defaults above.
type Config struct {
	SampleRate      int
	FramesPerBuffer int
	MaxRetained     time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if c.MaxRetained <= 0 {
		c.MaxRetained = DefaultMaxRetained
	}
	return c
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithDropHook registers fn to be called with the number of samples discarded
// whenever the retention cap is exceeded. fn runs on the capture goroutine.
func WithDropHook(fn func(n int)) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// Pipeline owns one microphone stream at a time.
type Pipeline struct {
	dev         audio.InputDevice
	cfg         Config
	maxRetained int
	onDrop      func(int)

	mu       sync.Mutex
	running  bool
	gen      uint64
	stream   audio.InputStream
	sink     Sink
	retained []float32
}

// New creates a Pipeline reading from dev.
func New(dev audio.InputDevice, cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		dev:         dev,
		cfg:         cfg,
		maxRetained: int(cfg.MaxRetained.Seconds() * float64(cfg.SampleRate)),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SampleRate returns the capture rate.
func (p *Pipeline) SampleRate() int { return p.cfg.SampleRate }

// Start opens the microphone and begins delivering frames to sink and the
// retention buffer, which is cleared first. Starting a running pipeline logs a
// warning and does nothing. Device failures are returned as
// [*audio.DeviceError] and leave the pipeline stopped.
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		slog.Warn("capture: start ignored, already recording")
		return nil
	}
	p.running = true
	p.gen++
	gen := p.gen
	p.sink = sink
	p.retained = nil
	p.mu.Unlock()

	stream, err := p.dev.Open(ctx, p.cfg.SampleRate, p.cfg.FramesPerBuffer, func(f audio.Frame) {
		p.deliver(gen, f)
	})
	if err != nil {
		p.mu.Lock()
		if p.gen == gen {
			p.running = false
			p.sink = nil
		}
		p.mu.Unlock()
		return fmt.Errorf("capture: start: %w", err)
	}

	p.mu.Lock()
	if p.gen != gen {
		// Stop ran while the device was being acquired.
		p.mu.Unlock()
		if cerr := stream.Close(); cerr != nil {
			slog.Warn("capture: close stale stream", "err", cerr)
		}
		return nil
	}
	p.stream = stream
	p.mu.Unlock()

	slog.Debug("capture: started", "sample_rate", p.cfg.SampleRate, "frames_per_buffer", p.cfg.FramesPerBuffer)
	return nil
}

// deliver handles one device callback. Frames from a previous generation, or
// arriving after Stop, are discarded.
func (p *Pipeline) deliver(gen uint64, f audio.Frame) {
	if len(f.Samples) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.gen != gen {
		return
	}
	samples := make([]float32, len(f.Samples))
	copy(samples, f.Samples)

	p.retained = append(p.retained, samples...)
	if over := len(p.retained) - p.maxRetained; p.maxRetained > 0 && over > 0 {
		n := copy(p.retained, p.retained[over:])
		p.retained = p.retained[:n]
		if p.onDrop != nil {
			p.onDrop(over)
		}
	}
	if p.sink != nil {
		p.sink.Push(samples)
	}
}

// Stop deregisters the frame callback and releases the stream. Stopping a
// stopped pipeline is a no-op. The retention buffer is kept for
// [Pipeline.TakeRetained].
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.gen++
	p.sink = nil
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("capture: stop: %w", err)
	}
	slog.Debug("capture: stopped")
	return nil
}

// Running reports whether the pipeline is capturing.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// TakeRetained returns the retained samples and clears the buffer.
func (p *Pipeline) TakeRetained() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.retained
	p.retained = nil
	return out
}

// Retained returns the number of samples currently retained.
func (p *Pipeline) Retained() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retained)
}
