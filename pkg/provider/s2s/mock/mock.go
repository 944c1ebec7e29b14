// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject inbound events and inspect which outbound methods
// were invoked by the controller.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.TurnComplete{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duet/pkg/provider/s2s"
)

// Ensure the mocks implement the interfaces at compile time.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session. Sessions, when non-empty, takes
	// precedence and is consumed in order, one per Connect call.
	Session  s2s.SessionHandle
	Sessions []s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns the next session or ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a snapshot of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Session is a mock implementation of s2s.SessionHandle. Outbound calls are
// recorded; inbound events are injected with Push.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool

	// SendErr, if non-nil, is returned by every send method.
	SendErr error

	// ErrResult is returned by Err.
	ErrResult error

	// --- Call records ---

	// AudioChunks records every chunk passed to SendAudio.
	AudioChunks [][]byte

	// EndAudioCount is the number of EndAudio calls.
	EndAudioCount int

	// Texts records every SendText argument.
	Texts []string

	// ToolResponses records every response passed to SendToolResponse.
	ToolResponses []s2s.ToolResponse

	// CloseCount is the number of Close calls.
	CloseCount int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 256)}
}

// Push injects inbound events. Events pushed after Close or EndStream are
// dropped.
func (s *Session) Push(events ...s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ev := range events {
		s.events <- ev
	}
}

// EndStream closes the event channel, as a transport does once the remote
// side has gone away.
func (s *Session) EndStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Session) record(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	fn()
	return nil
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	cp := append([]byte(nil), chunk...)
	return s.record(func() { s.AudioChunks = append(s.AudioChunks, cp) })
}

// EndAudio records the call.
func (s *Session) EndAudio() error {
	return s.record(func() { s.EndAudioCount++ })
}

// SendText records the text.
func (s *Session) SendText(text string) error {
	return s.record(func() { s.Texts = append(s.Texts, text) })
}

// SendToolResponse records the responses.
func (s *Session) SendToolResponse(responses ...s2s.ToolResponse) error {
	return s.record(func() { s.ToolResponses = append(s.ToolResponses, responses...) })
}

// Events returns the injected event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns ErrResult.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Close records the call and closes the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Snapshot returns copies of the recorded outbound calls. Thread-safe.
func (s *Session) Snapshot() (audio [][]byte, endAudio int, texts []string, tools []s2s.ToolResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.AudioChunks...),
		s.EndAudioCount,
		append([]string(nil), s.Texts...),
		append([]s2s.ToolResponse(nil), s.ToolResponses...)
}

// Closes returns CloseCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount
}
