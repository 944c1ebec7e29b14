package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/provider/s2s"
	"github.com/MrWong99/duet/pkg/provider/s2s/mock"
)

func TestS2SFallback_Connect_PrimarySuccess(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	primary := &mock.Provider{Session: sess}
	secondary := &mock.Provider{}

	fb := NewS2SFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("genai", secondary)

	got, err := fb.Connect(context.Background(), s2s.SessionConfig{Voice: "Kore"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != sess {
		t.Fatal("Connect returned a session from the wrong backend")
	}
	if calls := primary.Calls(); len(calls) != 1 || calls[0].Cfg.Voice != "Kore" {
		t.Fatalf("primary calls = %+v, want one call with voice Kore", calls)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary calls = %d, want 0", n)
	}
}

func TestS2SFallback_Connect_Failover(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	primary := &mock.Provider{ConnectErr: errors.New("dial tcp: connection refused")}
	secondary := &mock.Provider{Session: sess}

	fb := NewS2SFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("genai", secondary)

	got, err := fb.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got != sess {
		t.Fatal("expected the fallback session")
	}
}

func TestS2SFallback_Connect_AllFail(t *testing.T) {
	t.Parallel()

	fb := NewS2SFallback(&mock.Provider{ConnectErr: errTest}, "gemini", FallbackConfig{})
	fb.AddFallback("genai", &mock.Provider{ConnectErr: errTest})

	_, err := fb.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestS2SFallback_Connect_CredentialErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ConnectErr: &credential.Error{Reason: "API key not valid", Err: credential.ErrRejected}}
	secondary := &mock.Provider{}

	fb := NewS2SFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("genai", secondary)

	_, err := fb.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, credential.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Fatalf("secondary calls = %d, want 0", n)
	}
}

func TestS2SFallback_Connect_CancelledContext(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{}
	fb := NewS2SFallback(primary, "gemini", FallbackConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fb.Connect(ctx, s2s.SessionConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := len(primary.Calls()); n != 0 {
		t.Fatalf("primary calls = %d, want 0", n)
	}
}

func TestS2SFallback_CapabilitiesAndBackends(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ProviderCapabilities: s2s.Capabilities{Voices: []string{"Kore"}}}
	fb := NewS2SFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("genai", &mock.Provider{})

	if got := fb.Capabilities(); len(got.Voices) != 1 || got.Voices[0] != "Kore" {
		t.Fatalf("Capabilities() = %+v", got)
	}
	if got := fb.Backends(); len(got) != 2 || got[1] != "genai" {
		t.Fatalf("Backends() = %v", got)
	}
}

func TestS2SFallback_CredentialErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	primary := &mock.Provider{ConnectErr: &credential.Error{Reason: "no key", Err: credential.ErrMissing}}
	fb := NewS2SFallback(primary, "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})

	for range 3 {
		_, _ = fb.Connect(context.Background(), s2s.SessionConfig{})
	}
	if s := fb.Breakers()["gemini"]; s != StateClosed {
		t.Fatalf("breaker = %v, want closed", s)
	}
	if n := len(primary.Calls()); n != 3 {
		t.Fatalf("primary calls = %d, want 3", n)
	}
}
