// Package app wires the duet subsystems into a running voice client.
//
// The App struct owns the full lifecycle: New builds the turn controller and
// the conversation mirror, Run drives them until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, pass mock implementations in [Providers] and tune the
// controller via [WithTurnOptions]. Everything that needs real hardware or a
// network lives behind those interfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duet/internal/capture"
	"github.com/MrWong99/duet/internal/config"
	"github.com/MrWong99/duet/internal/observe"
	"github.com/MrWong99/duet/internal/turn"
	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/provider/s2s"
	"github.com/MrWong99/duet/pkg/provider/vad"
	"github.com/MrWong99/duet/pkg/provider/vad/energy"
)

// ErrUnknownMessage is returned by [App.PlayMessage] for an ID that is not
// in the conversation.
var ErrUnknownMessage = errors.New("app: unknown message")

// Providers holds the collaborators built by main.go from the config
// registry. VAD is optional and defaults to the energy detector.
type Providers struct {
	Transport   s2s.Provider
	Store       memory.Store
	Credentials credential.Provider
	Input       audio.InputDevice
	Output      audio.OutputDevice
	VAD         vad.Engine
}

// App owns all subsystem lifetimes of one conversation.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	controller   *turn.Controller
	conversation *Conversation

	turnOpts     []turn.Option
	onMessages   func([]memory.Message)
	onCredential func(error)

	// closers are called in order during Shutdown.
	closers []func() error

	mu       sync.Mutex
	current  *config.Config
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithTurnOptions passes extra options to the turn controller.
func WithTurnOptions(opts ...turn.Option) Option {
	return func(a *App) { a.turnOpts = append(a.turnOpts, opts...) }
}

// WithOnMessages registers fn to receive every conversation snapshot.
func WithOnMessages(fn func([]memory.Message)) Option {
	return func(a *App) { a.onMessages = fn }
}

// WithOnCredential registers fn to be called when the API key is missing
// or was rejected.
func WithOnCredential(fn func(error)) Option {
	return func(a *App) { a.onCredential = fn }
}

// WithCloser registers fn to run during Shutdown, after the controller has
// stopped. Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the providers into a turn controller. It
// performs no I/O; sessions are opened by Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil || providers == nil {
		return nil, errors.New("app: config and providers are required")
	}
	a := &App{
		cfg:       cfg,
		current:   cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	engine := providers.VAD
	if engine == nil {
		engine = a.energyEngine()
	}

	var invalidator credential.Invalidator
	if inv, ok := providers.Credentials.(credential.Invalidator); ok {
		invalidator = inv
	}

	turnOpts := append([]turn.Option{
		turn.WithMetrics(a.metrics),
		turn.WithOnCredential(a.credentialFailed),
	}, a.turnOpts...)

	ctrl, err := turn.New(turnConfig(cfg), turn.Deps{
		Provider:    providers.Transport,
		Messages:    providers.Store,
		Context:     providers.Store,
		VAD:         engine,
		Input:       providers.Input,
		Output:      providers.Output,
		Credentials: invalidator,
	}, turnOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: build turn controller: %w", err)
	}
	a.controller = ctrl

	greeting := ""
	if cfg.Conversation.GreetingEnabled() {
		greeting = Greeting(cfg.Conversation.AssistantName)
	}
	a.conversation = newConversation(providers.Store, cfg.Conversation.ID, greeting, a.onMessages)
	return a, nil
}

// energyEngine builds the default detector engine with metric hooks.
func (a *App) energyEngine() vad.Engine {
	return energy.Engine{Options: []energy.Option{
		energy.WithTransitionHook(func(from, to vad.State) {
			a.metrics.RecordVADTransition(context.Background(), from.String(), to.String())
		}),
		energy.WithDropHook(func(samples int) {
			a.metrics.RecordDropped(context.Background(), "vad", samples)
		}),
	}}
}

func turnConfig(cfg *config.Config) turn.Config {
	conv := cfg.Conversation
	return turn.Config{
		ConversationID:             conv.ID,
		Instructions:               conv.Instructions,
		Voice:                      conv.Voice,
		InputLanguage:              conv.InputLanguage,
		DisableOutputTranscription: conv.DisableOutputTranscription,
		AcknowledgeTools:           conv.AcknowledgeTools,
		Transport:                  cfg.Transport.Primary.Name,
		VAD: vad.Config{
			SampleRate:   capture.DefaultSampleRate,
			Threshold:    cfg.VAD.Threshold,
			StartDelay:   cfg.VAD.StartDelay,
			EndDelay:     cfg.VAD.EndDelay,
			PollInterval: cfg.VAD.PollInterval,
			MaxBuffered:  cfg.VAD.MaxBuffered,
		},
		Capture: capture.Config{
			FramesPerBuffer: cfg.Audio.FramesPerBuffer,
			MaxRetained:     cfg.Audio.MaxRetained,
		},
	}
}

func sessionSettings(cfg *config.Config) turn.SessionSettings {
	conv := cfg.Conversation
	return turn.SessionSettings{
		Instructions:               conv.Instructions,
		Voice:                      conv.Voice,
		InputLanguage:              conv.InputLanguage,
		DisableOutputTranscription: conv.DisableOutputTranscription,
	}
}

// Controller returns the turn controller.
func (a *App) Controller() *turn.Controller { return a.controller }

// Conversation returns the message log mirror.
func (a *App) Conversation() *Conversation { return a.conversation }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the controller loop and the conversation subscription, opens
// the first session and blocks until ctx is cancelled. A failed first
// session is not fatal: the controller has already recorded it and the
// caller may retry with OpenSession.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.controller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: turn controller: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.conversation.Run(gctx)
	})
	g.Go(func() error {
		if err := a.controller.OpenSession(gctx); err != nil && gctx.Err() == nil {
			slog.Warn("app: opening first session failed", "err", err)
		}
		return nil
	})

	slog.Info("app running", "conversation", a.cfg.Conversation.ID, "transport", a.cfg.Transport.Primary.Name)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) credentialFailed(err error) {
	slog.Warn("app: credential problem", "err", err)
	if a.onCredential != nil {
		a.onCredential(err)
	}
}

// PlayMessage toggles replay of a recorded user message.
func (a *App) PlayMessage(ctx context.Context, id string) (bool, error) {
	msg, ok := a.conversation.Find(id)
	if !ok || !msg.HasAudio() {
		return false, fmt.Errorf("%w: %q", ErrUnknownMessage, id)
	}
	return a.controller.PlayUserAudio(ctx, msg.ID, msg.Audio)
}

// ApplyConfig applies a reloaded config. The log level changes at once;
// session settings re-open an open session. Other fields need a restart.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) error {
	a.mu.Lock()
	prev := a.current
	a.current = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if !d.SessionChanged {
		return nil
	}
	slog.Info("app: session settings changed", "fields", d.Changed)
	if err := a.controller.Reconfigure(ctx, sessionSettings(next)); err != nil {
		return fmt.Errorf("app: apply config: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the session, then runs the closers in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.controller.Close(); err != nil {
			slog.Warn("closing session failed", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
