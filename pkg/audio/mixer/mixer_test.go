package mixer_test

import (
	"testing"
	"time"

	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/audio/mixer"
)

// constBuffer returns a mono buffer of n samples all equal to v.
func constBuffer(n int, v float32, rate int) *audio.Buffer {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.NewMonoBuffer(s, rate)
}

func isDone(src audio.Source) bool {
	select {
	case <-src.Done():
		return true
	default:
		return false
	}
}

func TestMixer_ClockAdvancesWithRender(t *testing.T) {
	t.Parallel()

	m := mixer.New(1000, 1)
	if got := m.Now(); got != 0 {
		t.Fatalf("initial clock = %v, want 0", got)
	}
	m.Render(make([]float32, 250))
	if got := m.Now(); got != 250*time.Millisecond {
		t.Errorf("clock after 250 samples = %v, want 250ms", got)
	}
}

func TestMixer_PlaysAtScheduledSample(t *testing.T) {
	t.Parallel()

	m := mixer.New(1000, 1)
	src, err := m.Play(constBuffer(4, 0.5, 1000), 2*time.Millisecond)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}

	out := make([]float32, 8)
	m.Render(out)
	want := []float32{0, 0, 0.5, 0.5, 0.5, 0.5, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
	if !isDone(src) {
		t.Error("source should be done after its samples were rendered")
	}
	if n := m.Active(); n != 0 {
		t.Errorf("Active() = %d, want 0", n)
	}
}

func TestMixer_BackToBackIsGapless(t *testing.T) {
	t.Parallel()

	m := mixer.New(1000, 1)
	if _, err := m.Play(constBuffer(3, 0.25, 1000), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Play(constBuffer(3, 0.5, 1000), 3*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 6)
	m.Render(out)
	want := []float32{0.25, 0.25, 0.25, 0.5, 0.5, 0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestMixer_PastStartPlaysImmediately(t *testing.T) {
	t.Parallel()

	m := mixer.New(1000, 1)
	m.Render(make([]float32, 10))

	if _, err := m.Play(constBuffer(2, 0.5, 1000), 0); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 2)
	m.Render(out)
	if out[0] != 0.5 || out[1] != 0.5 {
		t.Errorf("out = %v, want immediate playback", out)
	}
}

func TestMixer_StopSilencesVoice(t *testing.T) {
	t.Parallel()

	m := mixer.New(1000, 1)
	src, err := m.Play(constBuffer(100, 0.5, 1000), 0)
	if err != nil {
		t.Fatal(err)
	}
	m.Render(make([]float32, 10))
	src.Stop()
	if !isDone(src) {
		t.Fatal("Stop should close Done")
	}

	out := make([]float32, 10)
	m.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %v after Stop, want silence", i, s)
		}
	}
	// Stopping twice is harmless.
	src.Stop()
}

func TestMixer_StereoDuplicatesMono(t *testing.T) {
	t.Parallel()

	m := mixer.New(1000, 2)
	if _, err := m.Play(constBuffer(2, 0.5, 1000), 0); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 4)
	m.Render(out)
	for i, s := range out {
		if s != 0.5 {
			t.Errorf("sample %d = %v, want 0.5", i, s)
		}
	}
}

func TestMixer_ClampsSum(t *testing.T) {
	t.Parallel()

	m := mixer.New(1000, 1)
	for range 3 {
		if _, err := m.Play(constBuffer(1, 0.9, 1000), 0); err != nil {
			t.Fatal(err)
		}
	}
	out := make([]float32, 1)
	m.Render(out)
	if out[0] != 1 {
		t.Errorf("mixed sample = %v, want clamped 1", out[0])
	}
}

func TestMixer_ResamplesInput(t *testing.T) {
	t.Parallel()

	m := mixer.New(2000, 1)
	if _, err := m.Play(constBuffer(10, 0.5, 1000), 0); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 30)
	m.Render(out)
	count := 0
	for _, s := range out {
		if s != 0 {
			count++
		}
	}
	if count != 20 {
		t.Errorf("rendered %d non-silent samples, want 20", count)
	}
}

func TestMixer_Close(t *testing.T) {
	t.Parallel()

	m := mixer.New(1000, 1)
	src, err := m.Play(constBuffer(100, 0.5, 1000), 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !isDone(src) {
		t.Error("pending source should be done after Close")
	}
	if _, err := m.Play(constBuffer(1, 0.5, 1000), 0); err == nil {
		t.Error("Play after Close should fail")
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
