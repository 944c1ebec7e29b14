package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several realtime
// backends. Only Connect participates in failover; once a session is open its
// failures are reported through the session's own event stream.
//
// Credential errors and cancellation are never retried against a fallback
// and never trip a breaker.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = isPermanent
	}
	return &S2SFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional backend.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider) {
	f.group.AddFallback(name, provider)
}

// Connect opens a session on the first healthy backend.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	sess, backend, err := Call(f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	if names := f.group.Names(); backend != names[0] {
		slog.Info("session opened on fallback backend", "backend", backend)
	}
	return sess, nil
}

// Capabilities returns the primary's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}

// Backends lists the backend names in failover order.
func (f *S2SFallback) Backends() []string {
	return f.group.Names()
}

// Breakers reports each backend's breaker state.
func (f *S2SFallback) Breakers() map[string]State {
	return f.group.States()
}

// isPermanent reports credential problems and caller cancellation.
func isPermanent(err error) bool {
	return errors.Is(err, credential.ErrMissing) ||
		errors.Is(err, credential.ErrRejected) ||
		errors.Is(err, context.Canceled)
}
