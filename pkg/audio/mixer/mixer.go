package mixer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/duet/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Mixer)(nil)

// ErrClosed is returned by [Mixer.Play] after [Mixer.Close].
var ErrClosed = errors.New("mixer: closed")

// Mixer is a software [audio.OutputDevice]. Buffers passed to [Mixer.Play]
// are resampled to the mixer rate and summed into the output at their exact
// start sample. The playback clock advances only when [Mixer.Render] is
// called, so a stalled device stalls the clock rather than skipping audio.
//
// All exported methods are safe for concurrent use.
type Mixer struct {
	rate     int
	channels int

	mu      sync.Mutex
	pos     int64     // samples rendered so far
	pending voiceHeap // scheduled, not yet started
	active  []*voice  // currently sounding
	seq     uint64
	closed  bool
}

// New returns a Mixer rendering at sampleRate with the given interleaved
// channel count. Channel counts below one are treated as mono.
func New(sampleRate, channels int) *Mixer {
	if channels < 1 {
		channels = 1
	}
	return &Mixer{rate: sampleRate, channels: channels}
}

// SampleRate implements [audio.OutputDevice].
func (m *Mixer) SampleRate() int { return m.rate }

// Channels returns the interleaved output channel count.
func (m *Mixer) Channels() int { return m.channels }

// Now implements [audio.OutputDevice].
func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toDuration(m.pos)
}

// Play implements [audio.OutputDevice].
func (m *Mixer) Play(buf *audio.Buffer, at time.Duration) (audio.Source, error) {
	samples := audio.Resample(buf.Mono(), buf.SampleRate, m.rate)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	start := max(m.toSamples(at), m.pos)
	m.seq++
	v := &voice{
		mixer:   m,
		samples: samples,
		start:   start,
		seq:     m.seq,
		done:    make(chan struct{}),
	}
	if len(samples) == 0 {
		v.finish()
		return v, nil
	}
	heap.Push(&m.pending, v)
	return v, nil
}

// Render mixes the next len(out)/channels sample frames into out (interleaved)
// and advances the clock. Voices that run out of samples are marked done.
func (m *Mixer) Render(out []float32) {
	clear(out)
	frames := len(out) / m.channels

	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.pos + int64(frames)
	for m.pending.Len() > 0 && m.pending[0].start < end {
		m.active = append(m.active, heap.Pop(&m.pending).(*voice))
	}

	kept := m.active[:0]
	for _, v := range m.active {
		if v.stopped {
			continue
		}
		from := max(v.start, m.pos)
		for i := from; i < end; i++ {
			idx := i - v.start
			if idx >= int64(len(v.samples)) {
				break
			}
			s := v.samples[idx]
			base := int(i-m.pos) * m.channels
			for c := range m.channels {
				out[base+c] += s
			}
		}
		if v.start+int64(len(v.samples)) <= end {
			v.finish()
			continue
		}
		kept = append(kept, v)
	}
	clear(m.active[len(kept):])
	m.active = kept
	m.pos = end

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
}

// Active returns the number of voices that are scheduled or sounding.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.active {
		if !v.stopped {
			n++
		}
	}
	for _, v := range m.pending {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Close stops every voice and rejects further Play calls. It is safe to call
// Close more than once.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, v := range m.active {
		v.stopped = true
		v.finish()
	}
	for _, v := range m.pending {
		v.stopped = true
		v.finish()
	}
	m.active = nil
	m.pending = nil
	return nil
}

func (m *Mixer) toSamples(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d) * int64(m.rate) / int64(time.Second)
}

func (m *Mixer) toDuration(n int64) time.Duration {
	if m.rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(m.rate))
}

// ─── voice ───────────────────────────────────────────────────────────────────

// voice is one scheduled buffer. Its stopped flag is guarded by mixer.mu.
type voice struct {
	mixer   *Mixer
	samples []float32
	start   int64
	seq     uint64
	stopped bool

	done     chan struct{}
	doneOnce sync.Once
}

// Stop implements [audio.Source].
func (v *voice) Stop() {
	v.mixer.mu.Lock()
	v.stopped = true
	v.mixer.mu.Unlock()
	v.finish()
}

// Done implements [audio.Source].
func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) finish() {
	v.doneOnce.Do(func() { close(v.done) })
}
