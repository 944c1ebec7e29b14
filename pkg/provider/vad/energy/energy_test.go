package energy_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duet/pkg/provider/vad"
	"github.com/MrWong99/duet/pkg/provider/vad/energy"
)

const rate = 1000

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() vad.Config {
	return vad.Config{
		SampleRate:   rate,
		Threshold:    0.1,
		StartDelay:   300 * time.Millisecond,
		EndDelay:     500 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
	}
}

// segment returns 100 samples (one poll interval at 1kHz) of amplitude v.
func segment(v float32) []float32 {
	s := make([]float32, 100)
	for i := range s {
		s[i] = v
	}
	return s
}

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func newDetector(t *testing.T, cfg vad.Config, opts ...energy.Option) *energy.Detector {
	t.Helper()
	d, err := energy.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDetector_EmptySegmentIsNoop(t *testing.T) {
	t.Parallel()

	d := newDetector(t, testConfig())
	dec := d.Evaluate(at(0))
	if dec.Type != vad.DecisionNone || dec.State != vad.StateInactive {
		t.Errorf("decision = %+v, want none/inactive", dec)
	}
}

func TestDetector_Hysteresis(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []vad.State
	d := newDetector(t, testConfig(), energy.WithTransitionHook(func(_, to vad.State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}))

	starts, ends := 0, 0
	var startAudio int
	// 400ms of speech then 1s of silence.
	for ms := 0; ms <= 1400; ms += 100 {
		v := float32(0)
		if ms < 400 {
			v = 0.5
		}
		d.Push(segment(v))
		dec := d.Evaluate(at(ms))
		switch dec.Type {
		case vad.DecisionSpeechStart:
			starts++
			startAudio = len(dec.Audio)
			if ms != 300 {
				t.Errorf("speech start at %dms, want 300ms", ms)
			}
		case vad.DecisionSpeechEnd:
			ends++
			// Last speech at 300ms; end once silence exceeds 500ms.
			if ms != 900 {
				t.Errorf("speech end at %dms, want 900ms", ms)
			}
		case vad.DecisionCancelled:
			t.Errorf("unexpected cancel at %dms", ms)
		}
	}
	if starts != 1 || ends != 1 {
		t.Fatalf("starts=%d ends=%d, want exactly one of each", starts, ends)
	}
	if startAudio != 400 {
		t.Errorf("speech start carried %d samples, want the 400-sample onset", startAudio)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []vad.State{vad.StateConfirming, vad.StateActive, vad.StateInactive}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestDetector_SpikeShorterThanStartDelayCancels(t *testing.T) {
	t.Parallel()

	d := newDetector(t, testConfig())
	d.Push(segment(0.9))
	if dec := d.Evaluate(at(0)); dec.State != vad.StateConfirming {
		t.Fatalf("state after spike = %v, want confirming", dec.State)
	}
	d.Push(segment(0))
	dec := d.Evaluate(at(100))
	if dec.Type != vad.DecisionCancelled {
		t.Fatalf("decision = %v, want cancelled", dec.Type)
	}
	if dec.State != vad.StateInactive {
		t.Errorf("state = %v, want inactive", dec.State)
	}

	// Alternating spikes never confirm.
	for ms := 200; ms < 2000; ms += 100 {
		v := float32(0)
		if (ms/100)%2 == 0 {
			v = 0.9
		}
		d.Push(segment(v))
		if dec := d.Evaluate(at(ms)); dec.Type == vad.DecisionSpeechStart {
			t.Fatalf("flapping input confirmed speech at %dms", ms)
		}
	}
}

func TestDetector_PrerollBoundedByEndDelay(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StartDelay = 0
	d := newDetector(t, cfg)

	// 1s of quiet fills the pre-roll; only 500ms may be kept.
	for ms := 0; ms < 1000; ms += 100 {
		d.Push(segment(0.01))
		d.Evaluate(at(ms))
	}
	d.Push(segment(0.5))
	dec := d.Evaluate(at(1000))
	if dec.Type != vad.DecisionSpeechStart {
		t.Fatalf("decision = %v, want speech_start with zero start delay", dec.Type)
	}
	if len(dec.Audio) != 500 {
		t.Errorf("pre-roll = %d samples, want 500", len(dec.Audio))
	}
}

func TestDetector_ZeroEndDelayKeepsOnset(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StartDelay = 0
	cfg.EndDelay = 0
	d := newDetector(t, cfg)

	d.Push(segment(0.01))
	d.Evaluate(at(0))
	d.Push(segment(0.5))
	dec := d.Evaluate(at(100))
	if dec.Type != vad.DecisionSpeechStart {
		t.Fatalf("decision = %v, want speech_start", dec.Type)
	}
	if len(dec.Audio) != 100 || dec.Audio[0] != 0.5 {
		t.Errorf("speech start carries %d samples, want the 100-sample onset", len(dec.Audio))
	}
}

func TestDetector_ActiveForwardsSegments(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StartDelay = 0
	d := newDetector(t, cfg)
	d.Push(segment(0.5))
	d.Evaluate(at(0))

	d.Push(segment(0.5))
	dec := d.Evaluate(at(100))
	if dec.Type != vad.DecisionSpeechContinue || len(dec.Audio) != 100 {
		t.Errorf("decision = %v with %d samples, want continue with 100", dec.Type, len(dec.Audio))
	}
}

func TestDetector_ResetDiscardsProvisionalState(t *testing.T) {
	t.Parallel()

	d := newDetector(t, testConfig())
	d.Push(segment(0.5))
	d.Evaluate(at(0))
	d.Push(segment(0.5))
	d.Reset()

	if s := d.State(); s != vad.StateInactive {
		t.Fatalf("state after Reset = %v, want inactive", s)
	}
	if dec := d.Evaluate(at(100)); dec.Type != vad.DecisionNone {
		t.Errorf("pending audio survived Reset: %+v", dec)
	}
	// A fresh onset needs the full start delay again.
	for ms := 200; ms < 500; ms += 100 {
		d.Push(segment(0.5))
		if dec := d.Evaluate(at(ms)); dec.Type == vad.DecisionSpeechStart {
			t.Fatalf("confirmed at %dms, before a full start delay", ms)
		}
	}
}

func TestDetector_MaxBufferedDropsOldest(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxBuffered = 250 * time.Millisecond
	var dropped int
	d := newDetector(t, cfg, energy.WithDropHook(func(n int) { dropped += n }))

	for range 4 {
		d.Push(segment(0.5))
	}
	if dropped != 150 {
		t.Errorf("dropped = %d, want 150", dropped)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*vad.Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*vad.Config) {}},
		{name: "zero rate", mutate: func(c *vad.Config) { c.SampleRate = 0 }, wantErr: true},
		{name: "threshold above one", mutate: func(c *vad.Config) { c.Threshold = 2 }, wantErr: true},
		{name: "negative delay", mutate: func(c *vad.Config) { c.EndDelay = -time.Second }, wantErr: true},
		{name: "zero poll", mutate: func(c *vad.Config) { c.PollInterval = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
