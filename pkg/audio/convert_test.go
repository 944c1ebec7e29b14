package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/duet/pkg/audio"
)

func TestResample_SameRate(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2, 0.3}
	out := audio.Resample(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
}

func TestResample_Upsample(t *testing.T) {
	t.Parallel()

	in := make([]float32, 1600) // 100ms at 16kHz
	out := audio.Resample(in, 16000, 24000)
	if len(out) != 2400 {
		t.Errorf("length = %d, want 2400", len(out))
	}
}

func TestResample_Interpolates(t *testing.T) {
	t.Parallel()

	out := audio.Resample([]float32{0, 1}, 1000, 2000)
	want := []float32{0, 0.5, 1, 1}
	if len(out) != len(want) {
		t.Fatalf("length = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestResample_InvalidRates(t *testing.T) {
	t.Parallel()

	in := []float32{0.5}
	if out := audio.Resample(in, 0, 16000); len(out) != 1 {
		t.Errorf("zero source rate should return input unchanged")
	}
}

func TestBuffer_MonoAverages(t *testing.T) {
	t.Parallel()

	buf := &audio.Buffer{SampleRate: 24000, Channels: [][]float32{{0.5, 1}, {-0.5, 0}}}
	got := buf.Mono()
	if got[0] != 0 || got[1] != 0.5 {
		t.Errorf("Mono() = %v, want [0 0.5]", got)
	}
}

func TestBuffer_Duration(t *testing.T) {
	t.Parallel()

	buf := audio.NewMonoBuffer(make([]float32, 24000), 24000)
	if got := buf.Duration(); got != time.Second {
		t.Errorf("Duration() = %v, want 1s", got)
	}
	if got := (*audio.Buffer)(nil).Duration(); got != 0 {
		t.Errorf("nil Duration() = %v, want 0", got)
	}
}

func TestDeviceError_Is(t *testing.T) {
	t.Parallel()

	err := &audio.DeviceError{Cause: audio.CausePermissionDenied}
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Error("permission error should match ErrPermissionDenied")
	}
	if errors.Is(err, audio.ErrNoDevice) {
		t.Error("permission error should not match ErrNoDevice")
	}
	nf := &audio.DeviceError{Cause: audio.CauseNotFound}
	if nf.Error() == err.Error() {
		t.Error("causes should produce distinguishable messages")
	}
}
