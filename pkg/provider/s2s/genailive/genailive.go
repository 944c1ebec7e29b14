// Package genailive implements the s2s.Provider interface on top of the
// official Google Gen AI SDK's Live client.
//
// It speaks the same BidiGenerateContent protocol as the gemini package but
// delegates framing, authentication and endpoint selection to the SDK, which
// also makes Vertex AI backends reachable through configuration alone.
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/duet/pkg/audio"
	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-preview-native-audio-dialog"
	eventBuffer  = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider using [genai.Client.Live].
type Provider struct {
	creds   credential.Provider
	model   string
	baseURL string
}

// New creates a Provider. The API key is fetched from creds each time a
// session is opened.
func New(creds credential.Provider, opts ...Option) *Provider {
	p := &Provider{creds: creds, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices: []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect opens a Live session through the SDK.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	cred, err := p.creds.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("genailive: %w", err)
	}

	cc := &genai.ClientConfig{APIKey: cred.APIKey, Backend: genai.BackendGeminiAPI}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}

	live, err := client.Live.Connect(ctx, p.model, buildConfig(cfg))
	if err != nil {
		if s2s.IsCredentialFailure(err.Error(), 0) {
			return nil, fmt.Errorf("genailive: connect: %w", &credential.Error{Reason: err.Error(), Err: credential.ErrRejected})
		}
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	s := &session{
		live:   live,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// buildConfig translates cfg into the SDK's connect configuration.
func buildConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:      []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.InputTranscriptionLanguage != "" {
		// The SDK's transcription config has no language hint.
		slog.Debug("genailive: input transcription language is not configurable through the SDK", "language", cfg.InputTranscriptionLanguage)
	}
	if !cfg.DisableOutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			}
		}
		lc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return lc
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live   *genai.Session
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool
	ended  bool
	done   chan struct{}

	// inputText accumulates input transcription deltas for the current user
	// turn. Only touched by the receive loop.
	inputText strings.Builder

	closeOnce sync.Once
}

// receiveLoop pulls server messages and translates them into events. It owns
// events and closes the channel when it exits.
func (s *session) receiveLoop() {
	defer func() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		close(s.events)
	}()

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.emit(s.closedEvent(err))
			return
		}
		for _, ev := range s.translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// translate converts one server message into zero or more events.
func (s *session) translate(msg *genai.LiveServerMessage) []s2s.Event {
	var out []s2s.Event
	if msg.ToolCall != nil {
		calls := make([]s2s.FunctionCall, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil {
				continue
			}
			calls = append(calls, s2s.FunctionCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		out = append(out, s2s.ToolCall{Calls: calls})
	}
	if msg.GoAway != nil {
		slog.Warn("genailive: server announced disconnect")
	}

	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if it := sc.InputTranscription; it != nil && (it.Text != "" || it.Finished) {
		s.inputText.WriteString(it.Text)
		out = append(out, s2s.InputTranscript{Text: s.inputText.String(), Final: it.Finished})
		if it.Finished {
			s.inputText.Reset()
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			out = append(out, s2s.AudioChunk{
				Data:       audio.EncodeBase64(p.InlineData.Data),
				MIMEType:   p.InlineData.MIMEType,
				SampleRate: s2s.OutputSampleRate,
				Channels:   1,
			})
		}
	}
	if ot := sc.OutputTranscription; ot != nil && ot.Text != "" {
		out = append(out, s2s.OutputTranscript{Delta: ot.Text})
	}
	if sc.Interrupted {
		out = append(out, s2s.Interrupted{})
	}
	if sc.TurnComplete {
		s.inputText.Reset()
		out = append(out, s2s.TurnComplete{})
	}
	return out
}

// closedEvent converts a receive failure into a [s2s.Closed] event.
func (s *session) closedEvent(err error) s2s.Event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code != websocket.CloseNormalClosure {
			s.setErr(fmt.Errorf("genailive: connection closed: %w", err))
		}
		return s2s.Closed{Code: ce.Code, Reason: ce.Text}
	}
	s.setErr(fmt.Errorf("genailive: receive: %w", err))
	return s2s.Closed{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// guard returns ErrSessionClosed once the session has ended.
func (s *session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ended {
		return s2s.ErrSessionClosed
	}
	return nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio streams a 16 kHz mono PCM chunk.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.guard(); err != nil {
		return err
	}
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: s2s.InputMIMEType, Data: chunk},
	})
	if err != nil {
		return fmt.Errorf("genailive: send audio: %w", err)
	}
	return nil
}

// EndAudio marks the end of the microphone stream.
func (s *session) EndAudio() error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
		return fmt.Errorf("genailive: end audio: %w", err)
	}
	return nil
}

// SendText submits a user text turn.
func (s *session) SendText(text string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{Text: text}); err != nil {
		return fmt.Errorf("genailive: send text: %w", err)
	}
	return nil
}

// SendToolResponse answers tool calls.
func (s *session) SendToolResponse(responses ...s2s.ToolResponse) error {
	if err := s.guard(); err != nil {
		return err
	}
	frs := make([]*genai.FunctionResponse, len(responses))
	for i, r := range responses {
		frs[i] = &genai.FunctionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	if err := s.live.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: frs}); err != nil {
		return fmt.Errorf("genailive: send tool response: %w", err)
	}
	return nil
}

// Events returns the inbound event channel.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that ended the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		if cerr := s.live.Close(); cerr != nil {
			err = fmt.Errorf("genailive: close: %w", cerr)
		}
	})
	return err
}
