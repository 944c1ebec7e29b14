// Package gemini implements [s2s.Provider] for the Gemini Live API over a raw
// WebSocket.
//
// A session is one BidiGenerateContent stream: a setup frame is sent and
// acknowledged during Connect, then microphone audio, text turns and tool
// responses flow up as JSON frames while a reader goroutine translates server
// frames into [s2s.Event] values.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	defaultModel   = "gemini-2.5-flash-preview-native-audio-dialog"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	readLimit    = 16 << 20
	pingEvery    = 20 * time.Second
	pingTimeout  = 5 * time.Second
	setupTimeout = 15 * time.Second
	eventBuffer  = 64
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Live model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the provider at another endpoint, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient sets the client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider opens Gemini Live sessions.
type Provider struct {
	creds      credential.Provider
	model      string
	baseURL    string
	httpClient *http.Client
}

// New returns a Provider that asks creds for the API key on every Connect, so
// a key saved after a rejection is picked up by the next session.
func New(creds credential.Provider, opts ...Option) *Provider {
	p := &Provider{creds: creds, model: defaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities reports the prebuilt voices and the server's session limit.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the endpoint, sends the setup frame and waits for the server
// to acknowledge it. Key problems surface as [*credential.Error].
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cred, err := p.creds.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	conn, err := p.dial(ctx, cred.APIKey)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	s := newSession(conn)
	if err := s.handshake(ctx, setupFrame(p.model, cfg)); err != nil {
		s.cancel()
		conn.Close(websocket.StatusPolicyViolation, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

func (p *Provider) dial(ctx context.Context, key string) (*websocket.Conn, error) {
	u := p.baseURL + endpointPath + "?key=" + url.QueryEscape(key)
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &credential.Error{Reason: "API key rejected", Err: credential.ErrRejected}
		}
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// ── session ──────────────────────────────────────────────────────────────────

// session is one live stream. readLoop owns events and closes it on exit.
type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	tr     translator

	// ctx bounds every read, write and ping; cancel is the teardown signal.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool // Close was called
	ended  bool // readLoop returned
}

func newSession(conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// handshake sends the setup frame and reads until setupComplete. A bad key is
// reported by the server either as an error frame or as a close reason.
func (s *session) handshake(ctx context.Context, frame clientMessage) error {
	if err := s.write(frame); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && s2s.IsCredentialFailure(ce.Reason, 0) {
				return &credential.Error{Reason: ce.Reason, Err: credential.ErrRejected}
			}
			return err
		}
		var msg serverMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch {
		case msg.Error != nil && s2s.IsCredentialFailure(msg.Error.Message, msg.Error.Code):
			return &credential.Error{Reason: msg.Error.Message, Err: credential.ErrRejected}
		case msg.Error != nil:
			return fmt.Errorf("server error %d: %s", msg.Error.Code, msg.Error.Message)
		case msg.SetupComplete != nil:
			return nil
		}
	}
}

func (s *session) write(frame clientMessage) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// send writes frame unless the session is over.
func (s *session) send(frame clientMessage) error {
	s.mu.Lock()
	over := s.closed || s.ended
	s.mu.Unlock()
	if over {
		return s2s.ErrSessionClosed
	}

	if err := s.write(frame); err != nil {
		if s.ctx.Err() != nil {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

func (s *session) readLoop() {
	defer func() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		close(s.events)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.emit(s.closure(err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if msg.GoAway != nil {
			slog.Warn("gemini: server will disconnect soon", "detail", string(*msg.GoAway))
		}
		for _, ev := range s.tr.events(&msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// closure converts a read failure into the terminal [s2s.Closed] event and
// records anything but a normal closure as the session error.
func (s *session) closure(err error) s2s.Closed {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code != websocket.StatusNormalClosure {
			s.fail(fmt.Errorf("gemini: connection closed: %w", err))
		}
		return s2s.Closed{Code: int(ce.Code), Reason: ce.Reason}
	}
	s.fail(fmt.Errorf("gemini: read: %w", err))
	return s2s.Closed{Code: int(websocket.StatusAbnormalClosure), Reason: err.Error()}
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) pingLoop() {
	t := time.NewTicker(pingEvery)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, pingTimeout)
			if err := s.conn.Ping(ctx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// SendAudio sends one chunk of 16 kHz mono PCM16.
func (s *session) SendAudio(chunk []byte) error {
	return s.send(clientMessage{RealtimeInput: &realtimeInput{
		Audio: &inlineData{MIMEType: s2s.InputMIMEType, Data: audio.EncodeBase64(chunk)},
	}})
}

// EndAudio marks the end of the microphone stream.
func (s *session) EndAudio() error {
	return s.send(clientMessage{RealtimeInput: &realtimeInput{AudioStreamEnd: true}})
}

func (s *session) SendText(text string) error {
	return s.send(clientMessage{RealtimeInput: &realtimeInput{Text: text}})
}

func (s *session) SendToolResponse(responses ...s2s.ToolResponse) error {
	return s.send(toolResponseFrame(responses))
}

func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that ended the session, if it ended abnormally.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
