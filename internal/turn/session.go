package turn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/duet/internal/observe"
	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/provider/s2s"
)

// OpenSession closes any open session and connects a new one. The system
// instruction is rebuilt from the active context entries on every call.
//
// Credential failures are returned wrapping [credential.ErrMissing] or
// [credential.ErrRejected] and fire the credential hook without appending a
// message. Other connect failures append one apology message and return a
// [*TransportError].
func (c *Controller) OpenSession(ctx context.Context) error {
	var gen uint64
	if err := c.do(ctx, func() error {
		c.teardown()
		c.openGen++
		gen = c.openGen
		c.lastErr = nil
		c.state = StateIdle
		return nil
	}); err != nil {
		return err
	}

	ctx, span := observe.StartSpan(ctx, "turn.open_session",
		trace.WithAttributes(attribute.String("transport", c.cfg.Transport)))

	cfg := c.sessionConfig(ctx)
	start := time.Now()
	sess, connErr := c.provider.Connect(ctx, cfg)
	c.metrics.SessionOpenDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if connErr != nil {
		status = "error"
	}
	c.metrics.RecordProviderRequest(ctx, c.cfg.Transport, status)
	observe.EndSpan(span, connErr)

	attached := false
	err := c.do(context.WithoutCancel(ctx), func() error {
		if gen != c.openGen {
			return ErrSuperseded
		}
		if connErr != nil {
			return c.connectFailed(connErr)
		}
		c.sess = sess
		c.events = sess.Events()
		c.state = StateIdle
		c.metrics.ActiveSessions.Add(c.ctx, 1)
		attached = true
		slog.Info("turn: session opened", "conversation", c.cfg.ConversationID, "transport", c.cfg.Transport)
		return nil
	})
	if !attached && sess != nil {
		if cerr := sess.Close(); cerr != nil {
			slog.Debug("turn: closing discarded session failed", "err", cerr)
		}
	}
	return err
}

// SessionSettings are the parts of [Config] baked into a session when it
// connects.
type SessionSettings struct {
	Instructions               string
	Voice                      string
	InputLanguage              string
	DisableOutputTranscription bool
}

// Reconfigure replaces the session settings. An open session is re-opened
// so the change takes effect at once, which also stops any recording.
// Without a session the settings apply from the next OpenSession.
func (c *Controller) Reconfigure(ctx context.Context, s SessionSettings) error {
	if s.Instructions == "" {
		s.Instructions = DefaultInstructions
	}
	c.settingsMu.Lock()
	c.settings = s
	c.settingsMu.Unlock()

	var open bool
	if err := c.do(ctx, func() error {
		open = c.sess != nil
		return nil
	}); err != nil {
		return err
	}
	if !open {
		return nil
	}
	slog.Info("turn: re-opening session with new settings", "voice", s.Voice)
	return c.OpenSession(ctx)
}

// sessionConfig builds the connect configuration. It runs off the loop and
// only reads concurrency-safe fields.
func (c *Controller) sessionConfig(ctx context.Context) s2s.SessionConfig {
	entries, err := c.entries.ActiveEntries(ctx, c.cfg.ConversationID)
	if err != nil {
		slog.Warn("turn: loading context entries failed, continuing without them", "err", err)
		entries = nil
	}
	c.settingsMu.Lock()
	set := c.settings
	c.settingsMu.Unlock()
	return s2s.SessionConfig{
		Voice:                      set.Voice,
		Instructions:               BuildInstructions(set.Instructions, entries),
		Tools:                      c.tools.Definitions(),
		InputTranscriptionLanguage: set.InputLanguage,
		DisableOutputTranscription: set.DisableOutputTranscription,
	}
}

func (c *Controller) connectFailed(err error) error {
	if isCredentialError(err) {
		c.credentialFailure(err)
		return fmt.Errorf("turn: open session: %w", err)
	}
	slog.Error("turn: connecting session failed", "err", err)
	c.metrics.RecordSessionError(c.ctx, "connect")
	c.appendAssistant(apologyConnect)
	terr := &TransportError{Op: "connect", Err: err}
	c.lastErr = terr
	c.state = StateError
	return terr
}

func isCredentialError(err error) bool {
	return errors.Is(err, credential.ErrMissing) || errors.Is(err, credential.ErrRejected)
}

// credentialFailure discards the session, forgets a rejected credential and
// hands the error to the credential hook. No message is appended.
func (c *Controller) credentialFailure(err error) {
	slog.Warn("turn: credential failure", "err", err)
	c.teardown()
	if c.invalidator != nil && errors.Is(err, credential.ErrRejected) {
		if ierr := c.invalidator.Invalidate(c.ctx); ierr != nil {
			slog.Warn("turn: forgetting rejected credential failed", "err", ierr)
		}
	}
	c.metrics.RecordSessionError(c.ctx, "credential")
	c.state = StateError
	c.lastErr = err
	if c.onCredential != nil {
		c.onCredential(err)
	}
}

// transportFailure discards the session, then appends exactly one apology.
func (c *Controller) transportFailure(err *TransportError, apology string) {
	slog.Error("turn: session failed", "err", err)
	c.metrics.RecordSessionError(c.ctx, "transport")
	c.teardown()
	c.appendAssistant(apology)
	c.state = StateError
	c.lastErr = err
}

// sendFailed records an outbound failure. The session stays up; a broken
// connection is reported by the receive side.
func (c *Controller) sendFailed(op string, err error) {
	slog.Warn("turn: send failed", "op", op, "err", err)
	c.metrics.RecordSessionError(c.ctx, "send")
	c.lastErr = &TransportError{Op: op, Err: err}
}

// sessionEnded handles the event stream closing without a Closed event.
func (c *Controller) sessionEnded() {
	if c.sess == nil {
		c.events = nil
		return
	}
	err := c.sess.Err()
	switch {
	case err == nil:
		slog.Info("turn: session ended")
		c.teardown()
		c.state = StateIdle
	case isCredentialError(err):
		c.credentialFailure(err)
	default:
		c.transportFailure(&TransportError{Op: "receive", Err: err}, fmt.Sprintf(apologyLostConnection, err.Error()))
	}
}

func (c *Controller) onServiceError(ev s2s.Error) {
	if s2s.IsCredentialFailure(ev.Message, ev.Code) {
		c.credentialFailure(&credential.Error{Reason: ev.Message, Err: credential.ErrRejected})
		return
	}
	c.transportFailure(&TransportError{Op: "receive", Err: ev.Err()}, fmt.Sprintf(apologyLostConnection, ev.Message))
}

func (c *Controller) onClosed(ev s2s.Closed) {
	if !ev.Abnormal() {
		slog.Info("turn: session closed by remote", "reason", ev.Reason)
		c.teardown()
		c.state = StateIdle
		return
	}
	if s2s.IsCredentialFailure(ev.Reason, 0) {
		c.credentialFailure(&credential.Error{Reason: ev.Reason, Err: credential.ErrRejected})
		return
	}
	reason := cmp.Or(ev.Reason, "connection closed")
	c.transportFailure(&TransportError{Op: "receive", Code: ev.Code, Err: errors.New(reason)}, fmt.Sprintf(apologyClosed, ev.Code))
}

// SendText persists text as a user message and submits it as a turn. It is
// rejected with [ErrBusy] while recording, while a turn is in progress or
// while the assistant is still speaking.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return c.do(ctx, func() error {
		if c.sess == nil {
			return ErrNoSession
		}
		if c.recording || c.speaking || c.state != StateIdle {
			return ErrBusy
		}
		c.appendMessage(memory.Message{Sender: memory.SenderUser, Text: text})
		if err := c.sess.SendText(text); err != nil {
			c.sendFailed("send text", err)
			c.appendAssistant(apologySendText)
			return &TransportError{Op: "send text", Err: err}
		}
		c.state = StateAwaitingResponse
		c.turnEndedAt = time.Now()
		c.discardAudio = false
		return nil
	})
}
