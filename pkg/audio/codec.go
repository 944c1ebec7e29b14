package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeError reports malformed audio data: invalid base64 text, a PCM
// payload whose length does not divide into whole 16-bit frames, or any
// other payload that cannot be turned into samples.
type DecodeError struct {
	// Op names the decoding step that failed ("base64", "pcm16").
	Op  string
	Err error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeBase64 encodes raw bytes with the standard base64 alphabet.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64 text. Malformed input yields a
// [*DecodeError].
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Op: "base64", Err: err}
	}
	return data, nil
}

// FloatToPCM16 converts normalised float samples to 16-bit little-endian PCM.
// Each sample is scaled by 32768 and clamped to [-32768, 32767], so values
// outside [-1, 1] saturate instead of wrapping.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat decodes interleaved 16-bit little-endian PCM into a planar
// [Buffer], dividing every sample by 32768. The payload must contain a whole
// number of sample frames for the given channel count.
func PCM16ToFloat(data []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		return nil, &DecodeError{Op: "pcm16", Err: fmt.Errorf("invalid channel count %d", channels)}
	}
	if sampleRate <= 0 {
		return nil, &DecodeError{Op: "pcm16", Err: fmt.Errorf("invalid sample rate %d", sampleRate)}
	}
	frameBytes := 2 * channels
	if len(data)%frameBytes != 0 {
		return nil, &DecodeError{
			Op:  "pcm16",
			Err: fmt.Errorf("%d bytes is not a multiple of the %d-byte frame size", len(data), frameBytes),
		}
	}

	frames := len(data) / frameBytes
	buf := &Buffer{SampleRate: sampleRate, Channels: make([][]float32, channels)}
	for c := range channels {
		buf.Channels[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			buf.Channels[c][i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768
		}
	}
	return buf, nil
}

// RMS returns the root-mean-square magnitude of samples. An empty slice has
// magnitude zero.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
