package audio

import "time"

// Frame is one hardware callback's worth of captured mono audio. Samples are
// normalised to [-1, 1]. The producer owns the slice until it hands the frame
// to a consumer; consumers that retain a frame must copy Samples.
type Frame struct {
	// Samples holds mono float32 samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for microphone input).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Buffer is decoded, planar audio ready for playback: one float32 slice per
// channel, all of equal length.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// NewMonoBuffer wraps samples in a single-channel [Buffer].
func NewMonoBuffer(samples []float32, sampleRate int) *Buffer {
	return &Buffer{SampleRate: sampleRate, Channels: [][]float32{samples}}
}

// Len returns the number of sample frames (samples per channel).
func (b *Buffer) Len() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil {
		return 0
	}
	return samplesDuration(b.Len(), b.SampleRate)
}

// Mono returns a single-channel view of the buffer. Mono buffers return their
// only channel without copying; multichannel buffers are averaged.
func (b *Buffer) Mono() []float32 {
	switch len(b.Channels) {
	case 0:
		return nil
	case 1:
		return b.Channels[0]
	}
	n := b.Len()
	out := make([]float32, n)
	scale := 1 / float32(len(b.Channels))
	for _, ch := range b.Channels {
		for i := range n {
			out[i] += ch[i] * scale
		}
	}
	return out
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
