// Package turn implements the turn controller that sits between the
// microphone, the speech session and the speaker.
//
// A single loop goroutine ([Controller.Run]) owns every piece of turn state:
// the VAD detector, the provisional user transcript, the completed utterance,
// the assistant transcript accumulator and the in-progress placeholder. Public
// methods are commands executed on that loop, and session events, VAD poll
// ticks and playback notifications are multiplexed into it, so no turn state
// is touched concurrently.
//
// Messages are persisted only at turn boundaries and only from the transcript
// accumulator; playback completion never drives persistence. Audio playback
// and text persistence meet only at interruption and teardown.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/duet/internal/capture"
	"github.com/MrWong99/duet/internal/observe"
	"github.com/MrWong99/duet/internal/playback"
	"github.com/MrWong99/duet/internal/tools"
	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/provider/s2s"
	"github.com/MrWong99/duet/pkg/provider/vad"
)

const (
	defaultWarningTTL  = 5 * time.Second
	defaultToolTimeout = 10 * time.Second
	defaultTransport   = "s2s"
	notifyBuffer       = 16
)

// Config holds the per-conversation settings of a Controller.
type Config struct {
	// ConversationID scopes persisted messages and context entries.
	ConversationID string

	// Instructions is the base system instruction. Active context entries
	// are prepended to it on every OpenSession. Defaults to
	// [DefaultInstructions].
	Instructions string

	// Voice is the prebuilt voice of the assistant.
	Voice string

	// InputLanguage is a BCP-47 hint for input transcription.
	InputLanguage string

	// DisableOutputTranscription turns off the reply transcript. Without it
	// no assistant text is persisted.
	DisableOutputTranscription bool

	// VAD configures the speech detector. Its SampleRate is also the capture
	// rate.
	VAD vad.Config

	// Capture configures the microphone pipeline. SampleRate is ignored.
	Capture capture.Config

	// AcknowledgeTools appends an assistant confirmation message after every
	// successful tool call.
	AcknowledgeTools bool

	// WarningTTL is how long transient warnings stay in the snapshot.
	WarningTTL time.Duration

	// ToolTimeout bounds each tool execution.
	ToolTimeout time.Duration

	// Transport names the session provider in metrics.
	Transport string
}

// Deps are the collaborators of a Controller. Tools and Credentials are
// optional.
type Deps struct {
	Provider s2s.Provider
	Messages memory.MessageStore
	Context  memory.ContextStore
	VAD      vad.Engine
	Input    audio.InputDevice
	Output   audio.OutputDevice

	// Tools defaults to a registry holding the createSystemEntry tool.
	Tools *tools.Registry

	// Credentials, when set, forgets a credential the service rejected.
	Credentials credential.Invalidator
}

// Option is a functional option for New.
type Option func(*Controller)

// WithPollTicks replaces the VAD poll ticker with ch. Ticks are only
// consumed while recording.
func WithPollTicks(ch <-chan time.Time) Option {
	return func(c *Controller) { c.injectedTicks = ch }
}

// WithOnChange registers fn to receive every changed snapshot. fn runs on the
// controller loop and must not call back into the controller.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// WithOnCredential registers fn to be called when the service rejects the
// credential or none is available. The session has been torn down by then.
func WithOnCredential(fn func(error)) Option {
	return func(c *Controller) { c.onCredential = fn }
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller drives one conversation.
type Controller struct {
	cfg          Config
	provider     s2s.Provider
	messages     memory.MessageStore
	entries      memory.ContextStore
	engine       vad.Engine
	tools        *tools.Registry
	invalidator  credential.Invalidator
	capture      *capture.Pipeline
	playback     *playback.Scheduler
	metrics      *observe.Metrics
	onChange     func(Snapshot)
	onCredential func(error)

	injectedTicks <-chan time.Time

	cmds    chan func()
	notify  chan func()
	done    chan struct{}
	started atomic.Bool

	// ── Loop-owned state ──────────────────────────────────────────────────

	ctx          context.Context
	state        State
	sess         s2s.SessionHandle
	events       <-chan s2s.Event
	openGen      uint64
	recording    bool
	detector     vad.Detector
	ticker       *time.Ticker
	tickC        <-chan time.Time
	userStream   bool
	input        string
	utterance    []float32
	reply        strings.Builder
	inProgress   *memory.Message
	discardAudio bool
	speaking     bool
	turnEndedAt  time.Time
	synthetic    []string
	entriesStale bool // a tool changed the context entries this session
	warning      string
	warningGen   uint64
	lastErr      error

	mu   sync.Mutex
	snap Snapshot

	settingsMu sync.Mutex
	settings   SessionSettings
}

// New validates its inputs and creates a Controller. Call Run to start it.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	var errs []error
	if cfg.ConversationID == "" {
		errs = append(errs, errors.New("turn: conversation ID is required"))
	}
	if deps.Provider == nil {
		errs = append(errs, errors.New("turn: session provider is required"))
	}
	if deps.Messages == nil {
		errs = append(errs, errors.New("turn: message store is required"))
	}
	if deps.Context == nil {
		errs = append(errs, errors.New("turn: context store is required"))
	}
	if deps.VAD == nil {
		errs = append(errs, errors.New("turn: VAD engine is required"))
	}
	if deps.Input == nil || deps.Output == nil {
		errs = append(errs, errors.New("turn: input and output devices are required"))
	}
	if err := cfg.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if cfg.WarningTTL <= 0 {
		cfg.WarningTTL = defaultWarningTTL
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.Transport == "" {
		cfg.Transport = defaultTransport
	}
	cfg.Capture.SampleRate = cfg.VAD.SampleRate

	c := &Controller{
		cfg:         cfg,
		provider:    deps.Provider,
		messages:    deps.Messages,
		entries:     deps.Context,
		engine:      deps.VAD,
		tools:       deps.Tools,
		invalidator: deps.Credentials,
		cmds:        make(chan func()),
		notify:      make(chan func(), notifyBuffer),
		done:        make(chan struct{}),
		ctx:         context.Background(),
		state:       StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.tools == nil {
		c.tools = tools.NewRegistry(tools.NewSystemEntry(deps.Context, cfg.ConversationID))
	}

	c.capture = capture.New(deps.Input, cfg.Capture, capture.WithDropHook(func(n int) {
		c.metrics.RecordDropped(context.Background(), "capture", n)
	}))
	c.playback = playback.New(deps.Output,
		playback.WithDrainedHook(func() { c.post(c.onDrained) }),
		playback.WithActiveHook(func(delta int) {
			c.metrics.ActivePlayback.Add(context.Background(), int64(delta))
		}),
		playback.WithUserEndedHook(func(string) { c.post(func() {}) }),
	)
	c.snap = Snapshot{State: StateIdle}
	c.settings = SessionSettings{
		Instructions:               cfg.Instructions,
		Voice:                      cfg.Voice,
		InputLanguage:              cfg.InputLanguage,
		DisableOutputTranscription: cfg.DisableOutputTranscription,
	}
	return c, nil
}

// Run executes the controller loop until ctx is cancelled. On return the
// session is torn down and every later command fails with [ErrClosed]. Run
// may only be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("turn: Run called twice")
	}
	c.ctx = ctx
	defer close(c.done)
	defer func() {
		c.teardown()
		c.publish()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		case fn := <-c.notify:
			fn()
		case ev, ok := <-c.events:
			if !ok {
				c.sessionEnded()
			} else {
				c.handleEvent(ev)
			}
		case now := <-c.tickC:
			c.poll(now)
		}
		c.publish()
	}
}

// Snapshot returns the most recently published state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Close tears down the session. The controller keeps running and a new
// session can be opened. Close is idempotent and returns nil once Run has
// returned.
func (c *Controller) Close() error {
	if !c.started.Load() {
		return nil
	}
	err := c.do(context.Background(), func() error {
		c.teardown()
		if c.state != StateError {
			c.state = StateIdle
		}
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// do runs fn on the loop and returns its result once the resulting snapshot
// is published. Once fn has been handed to the loop, do waits for it
// regardless of ctx.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	cmd := func() {
		err := fn()
		c.publish()
		res <- err
	}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// post queues fn for the loop from a collaborator goroutine.
func (c *Controller) post(fn func()) {
	select {
	case c.notify <- fn:
	case <-c.done:
	}
}

func (c *Controller) publish() {
	s := Snapshot{
		State:       c.state,
		Connected:   c.sess != nil,
		Recording:   c.recording,
		Speaking:    c.speaking,
		Input:       c.input,
		PlayingUser: c.playback.CurrentUser(),
		Warning:     c.warning,
		Err:         c.lastErr,
	}
	if c.inProgress != nil {
		m := *c.inProgress
		s.InProgress = &m
	}

	c.mu.Lock()
	changed := !sameSnapshot(c.snap, s)
	c.snap = s
	c.mu.Unlock()

	if changed && c.onChange != nil {
		c.onChange(s)
	}
}

func sameSnapshot(a, b Snapshot) bool {
	if (a.InProgress == nil) != (b.InProgress == nil) {
		return false
	}
	if a.InProgress != nil && a.InProgress.Text != b.InProgress.Text {
		return false
	}
	return a.State == b.State &&
		a.Connected == b.Connected &&
		a.Recording == b.Recording &&
		a.Speaking == b.Speaking &&
		a.Input == b.Input &&
		a.PlayingUser == b.PlayingUser &&
		a.Warning == b.Warning &&
		a.Err == b.Err
}

// ── Teardown ─────────────────────────────────────────────────────────────────

// teardown releases the session in order: capture, VAD timers, playback,
// transport. It is safe to call repeatedly.
func (c *Controller) teardown() {
	if err := c.capture.Stop(); err != nil {
		slog.Warn("turn: stopping capture failed", "err", err)
	}
	c.stopPolling()
	if c.detector != nil {
		c.detector.Reset()
	}
	c.recording = false
	c.userStream = false

	c.playback.StopAll()
	c.speaking = false

	if c.sess != nil {
		// Keep the receive loop unblocked until the transport closes it.
		if c.events != nil {
			go audio.Drain(c.events)
			c.events = nil
		}
		if err := c.sess.Close(); err != nil {
			slog.Warn("turn: closing session failed", "err", err)
		}
		c.sess = nil
		c.metrics.ActiveSessions.Add(c.ctx, -1)
	}

	c.input = ""
	c.utterance = nil
	c.reply.Reset()
	c.inProgress = nil
	c.discardAudio = false
	c.synthetic = nil
	c.entriesStale = false
}

// onDrained runs when the last assistant source finished naturally.
func (c *Controller) onDrained() {
	if c.playback.Active() == 0 && !c.recording {
		c.speaking = false
	}
	c.refreshIfStale()
}

// refreshIfStale re-opens the session once the conversation is quiet after a
// tool changed the context entries, so the system instruction carries them.
// The microphone being open or a reply still playing defers it.
func (c *Controller) refreshIfStale() {
	if !c.entriesStale || c.sess == nil || c.state != StateIdle || c.recording || c.speaking {
		return
	}
	c.entriesStale = false
	slog.Info("turn: context entries changed, re-opening session", "conversation", c.cfg.ConversationID)
	ctx := c.ctx
	go func() {
		if err := c.OpenSession(ctx); err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			slog.Warn("turn: re-opening session after entry change failed", "err", err)
		}
	}()
}

// showWarning sets a transient warning that clears after WarningTTL unless
// a newer warning replaced it.
func (c *Controller) showWarning(msg string) {
	c.warning = msg
	c.warningGen++
	gen := c.warningGen
	time.AfterFunc(c.cfg.WarningTTL, func() {
		c.post(func() {
			if c.warningGen == gen {
				c.warning = ""
			}
		})
	})
}

// appendMessage persists msg. Failures are logged and surfaced in the
// snapshot; the turn continues.
func (c *Controller) appendMessage(msg memory.Message) {
	if _, err := c.messages.Append(c.ctx, c.cfg.ConversationID, msg); err != nil {
		slog.Error("turn: persisting message failed", "sender", msg.Sender, "err", err)
		c.lastErr = err
		return
	}
	c.metrics.RecordMessage(c.ctx, string(msg.Sender))
}

func (c *Controller) appendAssistant(text string) {
	c.appendMessage(memory.Message{Sender: memory.SenderAssistant, Text: text})
}
