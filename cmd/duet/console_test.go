package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duet/internal/config"
	"github.com/MrWong99/duet/internal/resilience"
	"github.com/MrWong99/duet/internal/turn"
	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/provider/s2s"
	s2smock "github.com/MrWong99/duet/pkg/provider/s2s/mock"
)

type fakeClient struct {
	mu    sync.Mutex
	calls []string

	playErr error
}

func (f *fakeClient) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) StartRecording(context.Context) error { f.record("rec"); return nil }
func (f *fakeClient) StopRecording(context.Context) error  { f.record("stop"); return nil }
func (f *fakeClient) OpenSession(context.Context) error    { f.record("open"); return nil }

func (f *fakeClient) SendText(_ context.Context, text string) error {
	f.record("text:" + text)
	return nil
}

func (f *fakeClient) PlayMessage(_ context.Context, id string) (bool, error) {
	f.record("play:" + id)
	return true, f.playErr
}

func newTestConsole(input string, keyFile *credential.File) (*console, *fakeClient, *bytes.Buffer) {
	out := &bytes.Buffer{}
	c := newConsole(strings.NewReader(input), out, keyFile)
	fc := &fakeClient{}
	c.client = fc
	return c, fc, out
}

func TestConsole_DispatchesCommands(t *testing.T) {
	t.Parallel()

	c, fc, _ := newTestConsole("/rec\n\n/stop\n/open\nhello there\n", nil)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"rec", "stop", "open", "text:hello there"}
	got := fc.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestConsole_QuitStopsReading(t *testing.T) {
	t.Parallel()

	c, fc, _ := newTestConsole("/quit\n/rec\n", nil)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls := fc.Calls(); len(calls) != 0 {
		t.Errorf("calls after /quit = %v, want none", calls)
	}
}

func TestConsole_UnknownCommand(t *testing.T) {
	t.Parallel()

	c, fc, out := newTestConsole("/dance\n", nil)
	_ = c.Run(context.Background())
	if len(fc.Calls()) != 0 {
		t.Errorf("unknown command reached the client: %v", fc.Calls())
	}
	if !strings.Contains(out.String(), "unknown command /dance") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsole_PlayResolvesPrintedPrefix(t *testing.T) {
	t.Parallel()

	c, fc, out := newTestConsole("/play 0123abcd\n", nil)
	c.printMessages([]memory.Message{
		{ID: "0123abcd-ffff", Sender: memory.SenderUser, Text: "hi", Audio: "AAAA"},
		{ID: "99999999-0000", Sender: memory.SenderAssistant, Text: "hello"},
	})
	_ = c.Run(context.Background())

	calls := fc.Calls()
	if len(calls) != 1 || calls[0] != "play:0123abcd-ffff" {
		t.Errorf("calls = %v", calls)
	}
	if !strings.Contains(out.String(), "playing 0123abcd") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsole_PlayErrorIsPrinted(t *testing.T) {
	t.Parallel()

	c, fc, out := newTestConsole("/play nope\n", nil)
	fc.playErr = errors.New("unknown message")
	_ = c.Run(context.Background())
	if !strings.Contains(out.String(), "error: unknown message") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsole_KeyRequiresFileSource(t *testing.T) {
	t.Parallel()

	c, fc, out := newTestConsole("/key abc\n", nil)
	_ = c.Run(context.Background())
	if len(fc.Calls()) != 0 {
		t.Errorf("calls = %v, want none", fc.Calls())
	}
	if !strings.Contains(out.String(), "read-only") {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsole_KeySavesAndReopens(t *testing.T) {
	t.Parallel()

	f := credential.NewFile(filepath.Join(t.TempDir(), "key"))
	c, fc, _ := newTestConsole("/key  secret-key \n", f)
	_ = c.Run(context.Background())

	got, err := f.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if got.APIKey != "secret-key" {
		t.Errorf("APIKey = %q, want %q", got.APIKey, "secret-key")
	}
	if calls := fc.Calls(); len(calls) != 1 || calls[0] != "open" {
		t.Errorf("calls = %v, want [open]", calls)
	}
}

func TestConsole_PrintMessagesOnlyOnce(t *testing.T) {
	t.Parallel()

	c, _, out := newTestConsole("", nil)
	first := []memory.Message{{ID: "a", Sender: memory.SenderUser, Text: "hi"}}
	c.printMessages(first)
	c.printMessages(append(first, memory.Message{ID: "b", Sender: memory.SenderAssistant, Text: "hello"}))

	text := out.String()
	if strings.Count(text, "you: hi") != 1 {
		t.Errorf("user message printed %d times: %q", strings.Count(text, "you: hi"), text)
	}
	if !strings.Contains(text, "assistant: hello") {
		t.Errorf("missing assistant message: %q", text)
	}
}

func TestConsole_PrintSnapshotReportsChanges(t *testing.T) {
	t.Parallel()

	c, _, out := newTestConsole("", nil)
	c.printSnapshot(turn.Snapshot{Connected: true})
	c.printSnapshot(turn.Snapshot{Connected: true, Recording: true})
	c.printSnapshot(turn.Snapshot{Connected: true, Recording: true, Warning: "could not play audio"})
	c.printSnapshot(turn.Snapshot{Connected: true, Recording: true, Warning: "could not play audio"})

	text := out.String()
	for _, want := range []string{"* connected", "* recording", "! could not play audio"} {
		if strings.Count(text, want) != 1 {
			t.Errorf("%q printed %d times in %q", want, strings.Count(text, want), text)
		}
	}
}

func TestConsole_NotReady(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	c := newConsole(strings.NewReader("/rec\n"), out, nil)
	_ = c.Run(context.Background())
	if !strings.Contains(out.String(), "not ready") {
		t.Errorf("output = %q", out.String())
	}
}

func TestBuildCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		source   string
		wantFile bool
	}{
		{name: "env", source: "env"},
		{name: "static", source: "static"},
		{name: "file", source: "file", wantFile: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := credentialConfig(tt.source, t.TempDir())
			p, f := buildCredentials(cfg)
			if p == nil {
				t.Fatal("provider is nil")
			}
			if (f != nil) != tt.wantFile {
				t.Errorf("file = %v, wantFile %v", f, tt.wantFile)
			}
		})
	}
}

func credentialConfig(source, dir string) config.CredentialConfig {
	return config.CredentialConfig{
		Source: config.CredentialSource(source),
		Env:    "DUET_TEST_KEY",
		Path:   filepath.Join(dir, "key"),
		Key:    "literal",
	}
}

func TestTransportAvailable(t *testing.T) {
	t.Parallel()

	failing := &s2smock.Provider{ConnectErr: errors.New("dial: refused")}
	chain := resilience.NewS2SFallback(failing, "gemini", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	if err := transportAvailable(chain); err != nil {
		t.Fatalf("fresh chain: %v", err)
	}

	_, _ = chain.Connect(context.Background(), s2s.SessionConfig{})
	if err := transportAvailable(chain); err == nil {
		t.Fatal("want an error once every breaker is open")
	}
}
