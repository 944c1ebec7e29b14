// Command duet is a terminal voice client for a realtime speech-to-speech
// model. It records the microphone, streams speech turns to the model, plays
// the spoken reply and keeps the conversation in a pluggable message store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duet/internal/app"
	"github.com/MrWong99/duet/internal/config"
	"github.com/MrWong99/duet/internal/health"
	"github.com/MrWong99/duet/internal/observe"
	"github.com/MrWong99/duet/internal/resilience"
	"github.com/MrWong99/duet/internal/turn"
	"github.com/MrWong99/duet/pkg/audio/local"
	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/memory/inmem"
	"github.com/MrWong99/duet/pkg/memory/postgres"
	"github.com/MrWong99/duet/pkg/memory/redis"
	"github.com/MrWong99/duet/pkg/provider/s2s"
	"github.com/MrWong99/duet/pkg/provider/s2s/gemini"
	"github.com/MrWong99/duet/pkg/provider/s2s/genailive"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// outputFramesPerBuffer is the speaker buffer size in frames.
const outputFramesPerBuffer = 1024

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "duet.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	watch := true
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "duet: config file %q not found, using defaults\n", *configPath)
		watch = false
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "duet: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(logLevel))

	slog.Info("duet starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, quit := context.WithCancel(sigCtx)
	defer quit()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "duet",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio backend ─────────────────────────────────────────────────────────
	if err := local.Initialize(); err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := local.Terminate(); err != nil {
			slog.Warn("audio terminate error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	creds, keyFile := buildCredentials(cfg.Credential)
	providers, closers, err := buildProviders(ctx, cfg, reg, creds)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	con := newConsole(os.Stdin, os.Stdout, keyFile)

	opts := []app.Option{
		app.WithLogLevel(logLevel),
		app.WithOnMessages(con.printMessages),
		app.WithOnCredential(con.credentialProblem),
		app.WithTurnOptions(turn.WithOnChange(con.printSnapshot)),
	}
	for _, c := range closers {
		opts = append(opts, app.WithCloser(c))
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	con.app = application

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return application.Run(gctx)
	})
	g.Go(func() error {
		err := con.Run(gctx)
		quit()
		return err
	})
	if cfg.Server.ListenAddr != "" {
		srv := newDiagnosticsServer(cfg.Server.ListenAddr, providers, telemetry.MetricsHandler())
		g.Go(func() error {
			return serveDiagnostics(gctx, srv)
		})
	}
	if watch {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			if err := application.ApplyConfig(gctx, next); err != nil {
				slog.Warn("applying reloaded config failed", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
		}
	}

	slog.Info("ready, type /help for commands or press Ctrl+C to quit")

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the transports and stores that ship with
// duet into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterTransport("gemini", func(e config.ProviderEntry, creds credential.Provider) (s2s.Provider, error) {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(creds, opts...), nil
	})
	reg.RegisterTransport("genai", func(e config.ProviderEntry, creds credential.Provider) (s2s.Provider, error) {
		var opts []genailive.Option
		if e.Model != "" {
			opts = append(opts, genailive.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(e.BaseURL))
		}
		return genailive.New(creds, opts...), nil
	})

	reg.RegisterStore("inmem", func(context.Context, config.StoreConfig) (memory.Store, func() error, error) {
		return inmem.New(), nil, nil
	})
	reg.RegisterStore("postgres", func(ctx context.Context, c config.StoreConfig) (memory.Store, func() error, error) {
		st, err := postgres.NewStore(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() error { st.Close(); return nil }, nil
	})
	reg.RegisterStore("redis", func(ctx context.Context, c config.StoreConfig) (memory.Store, func() error, error) {
		st, err := redis.New(ctx, redis.Config{
			Addr:     c.Redis.Addr,
			Username: c.Redis.Username,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	})
}

// buildCredentials returns the key provider for cfg. The second result is
// non-nil only for the file source, which is the one the console can update.
func buildCredentials(cfg config.CredentialConfig) (credential.Provider, *credential.File) {
	switch cfg.Source {
	case config.CredentialFile:
		f := credential.NewFile(cfg.Path)
		return f, f
	case config.CredentialStatic:
		return credential.Static(cfg.Key), nil
	default:
		return credential.Env(cfg.Env), nil
	}
}

// buildProviders instantiates the transport chain, the store and the audio
// devices. The returned closers release them in order during shutdown.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, creds credential.Provider) (*app.Providers, []func() error, error) {
	primary, err := reg.CreateTransport(cfg.Transport.Primary, creds)
	if err != nil {
		return nil, nil, fmt.Errorf("transport %q: %w", cfg.Transport.Primary.Name, err)
	}
	chain := resilience.NewS2SFallback(primary, cfg.Transport.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Transport.MaxFailures,
			ResetTimeout: cfg.Transport.ResetTimeout,
			OnStateChange: func(backend string, _, to resilience.State) {
				observe.DefaultMetrics().RecordBreakerTransition(context.Background(), backend, to.String())
			},
		},
	})
	for _, fb := range cfg.Transport.Fallbacks {
		p, err := reg.CreateTransport(fb, creds)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback transport %q: %w", fb.Name, err)
		}
		chain.AddFallback(fb.Name, p)
	}
	slog.Info("transport chain built", "backends", chain.Backends())

	store, closeStore, err := reg.CreateStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("store %q: %w", cfg.Store.Name, err)
	}

	var closers []func() error
	out, err := local.OpenOutput(s2s.OutputSampleRate, 1, outputFramesPerBuffer)
	if err != nil {
		if closeStore != nil {
			_ = closeStore()
		}
		return nil, nil, fmt.Errorf("audio output: %w", err)
	}
	closers = append(closers, out.Close)
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	return &app.Providers{
		Transport:   chain,
		Store:       store,
		Credentials: creds,
		Input:       local.Input{},
		Output:      out,
	}, closers, nil
}

// ── Diagnostics server ────────────────────────────────────────────────────────

func newDiagnosticsServer(addr string, providers *app.Providers, metrics http.Handler) *http.Server {
	checkers := []health.Checker{{
		Name: "credential",
		Check: func(ctx context.Context) error {
			_, err := providers.Credentials.Credential(ctx)
			return err
		},
	}}
	if chain, ok := providers.Transport.(*resilience.S2SFallback); ok {
		checkers = append(checkers, health.Checker{
			Name:  "transport",
			Check: func(context.Context) error { return transportAvailable(chain) },
		})
	}
	if p, ok := providers.Store.(health.Pinger); ok {
		checkers = append(checkers, health.Ping("store", p))
	}

	mux := http.NewServeMux()
	health.New(checkers).Register(mux)
	mux.Handle("GET /metrics", metrics)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// transportAvailable fails when every backend's breaker is open.
func transportAvailable(chain *resilience.S2SFallback) error {
	states := chain.Breakers()
	for _, s := range states {
		if s != resilience.StateOpen {
			return nil
		}
	}
	return fmt.Errorf("all %d transport backends are unavailable", len(states))
}

// serveDiagnostics runs srv until ctx ends. A port that cannot be bound is
// logged and does not stop the client.
func serveDiagnostics(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("diagnostics server stopped", "addr", srv.Addr, "err", err)
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("diagnostics server shutdown error", "err", err)
	}
	return nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Duet: startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Transport", cfg.Transport.Primary.Name, cfg.Transport.Primary.Model)
	for _, fb := range cfg.Transport.Fallbacks {
		printProvider("Fallback", fb.Name, fb.Model)
	}
	printProvider("Store", cfg.Store.Name, "")
	printProvider("Credential", string(cfg.Credential.Source), "")
	fmt.Printf("║  Conversation    : %-19s ║\n", cfg.Conversation.ID)
	fmt.Printf("║  Voice           : %-19s ║\n", cfg.Conversation.Voice)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + "/" + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
