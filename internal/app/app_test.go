package app_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/duet/internal/app"
	"github.com/MrWong99/duet/internal/config"
	"github.com/MrWong99/duet/internal/observe"
	audiomock "github.com/MrWong99/duet/pkg/audio/mock"
	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/memory/inmem"
	"github.com/MrWong99/duet/pkg/provider/s2s"
	s2smock "github.com/MrWong99/duet/pkg/provider/s2s/mock"
)

// testConfig returns the default config with a named assistant.
func testConfig() *config.Config {
	cfg := &config.Config{
		Conversation: config.ConversationConfig{ID: "conv-test", AssistantName: "Mira"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	store    *inmem.Store
	provider *s2smock.Provider
	app      *app.App
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    inmem.New(),
		provider: &s2smock.Provider{},
	}
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(cfg, &app.Providers{
		Transport: f.provider,
		Store:     f.store,
		Input:     &audiomock.InputDevice{},
		Output:    audiomock.NewOutputDevice(s2s.OutputSampleRate),
	}, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	f.app = a
	return f
}

// run starts a.Run and returns a function that stops it and reports its
// result.
func (f *fixture) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.app.Run(ctx) }()

	var stopped bool
	var result error
	stop := func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-errCh:
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return within 5s after context cancellation")
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(), nil); err == nil {
		t.Fatal("expected error for nil providers")
	}
	_, err := app.New(testConfig(), &app.Providers{Store: inmem.New()}, app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for missing transport and devices")
	}
}

func TestRun_OpensSessionAndGreetsEmptyConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	stop := f.run(t)

	waitFor(t, "session connect", func() bool { return len(f.provider.Calls()) == 1 })
	waitFor(t, "greeting", func() bool { return len(f.store.Messages("conv-test")) == 1 })

	msg := f.store.Messages("conv-test")[0]
	if msg.Sender != memory.SenderAssistant || msg.Text != app.Greeting("Mira") {
		t.Errorf("greeting = %+v", msg)
	}
	if got := f.provider.Calls()[0].Cfg.Voice; got != config.DefaultVoice {
		t.Errorf("voice = %q, want %q", got, config.DefaultVoice)
	}
	waitFor(t, "conversation mirror", func() bool { return len(f.app.Conversation().Messages()) == 1 })

	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}
}

func TestRun_NoGreetingForExistingHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	if _, err := f.store.Append(context.Background(), "conv-test", memory.Message{Sender: memory.SenderUser, Text: "hello"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f.run(t)

	waitFor(t, "conversation mirror", func() bool { return len(f.app.Conversation().Messages()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(f.store.Messages("conv-test")); n != 1 {
		t.Errorf("messages = %d, want 1 (no greeting)", n)
	}
}

func TestRun_GreetingDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	off := false
	cfg.Conversation.Greeting = &off
	f := newFixture(t, cfg)
	f.run(t)

	waitFor(t, "session connect", func() bool { return len(f.provider.Calls()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(f.store.Messages("conv-test")); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestRun_ConnectFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.provider.ConnectErr = errors.New("dial tcp: connection refused")
	stop := f.run(t)

	waitFor(t, "connect attempt", func() bool { return len(f.provider.Calls()) == 1 })
	waitFor(t, "apology", func() bool {
		return slices.ContainsFunc(f.store.Messages("conv-test"), func(m memory.Message) bool {
			return m.Sender == memory.SenderAssistant && m.Text != app.Greeting("Mira")
		})
	})
	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}
}

func TestPlayMessage_UnknownID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	_, err := f.app.PlayMessage(context.Background(), "missing")
	if !errors.Is(err, app.ErrUnknownMessage) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestApplyConfig_LogLevelAndSession(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	f := newFixture(t, testConfig(), app.WithLogLevel(&lv))
	f.provider.Sessions = []s2s.SessionHandle{s2smock.NewSession(), s2smock.NewSession()}
	f.run(t)
	waitFor(t, "session connect", func() bool { return len(f.provider.Calls()) == 1 })

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Conversation.Voice = "Puck"
	if err := f.app.ApplyConfig(context.Background(), next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %s, want DEBUG", lv.Level())
	}
	calls := f.provider.Calls()
	if len(calls) != 2 || calls[1].Cfg.Voice != "Puck" {
		t.Fatalf("connect calls = %+v, want a second connect with voice Puck", calls)
	}
}

func TestApplyConfig_NonSessionChangeKeepsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	f.run(t)
	waitFor(t, "session connect", func() bool { return len(f.provider.Calls()) == 1 })

	next := testConfig()
	next.VAD.Threshold = 0.3
	if err := f.app.ApplyConfig(context.Background(), next); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if n := len(f.provider.Calls()); n != 1 {
		t.Errorf("connect calls = %d, want 1", n)
	}
}

func TestApp_ShutdownRunsClosersInOrder(t *testing.T) {
	t.Parallel()
	var order []string
	f := newFixture(t, testConfig(),
		app.WithCloser(func() error { order = append(order, "store"); return nil }),
		app.WithCloser(func() error { order = append(order, "audio"); return errors.New("already closed") }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if !slices.Equal(order, []string{"store", "audio"}) {
		t.Errorf("closer order = %v", order)
	}
}

func TestApp_ShutdownRespectsDeadline(t *testing.T) {
	t.Parallel()
	called := false
	f := newFixture(t, testConfig(), app.WithCloser(func() error { called = true; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown() = %v, want context.Canceled", err)
	}
	if called {
		t.Error("closer ran after the deadline")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	stop := f.run(t)
	waitFor(t, "session connect", func() bool { return len(f.provider.Calls()) == 1 })

	if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
