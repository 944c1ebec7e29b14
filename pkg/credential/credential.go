// Package credential supplies API credentials to session transports.
//
// Credentials are never read from ambient state: callers construct a
// [Provider] explicitly and hand it to the transport, which asks for a
// credential each time it opens a session. A provider that also implements
// [Invalidator] can forget a credential the remote service rejected, so the
// next attempt prompts for a fresh one.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrMissing is wrapped by [Error] when no credential is configured.
var ErrMissing = errors.New("credential: missing")

// ErrRejected is wrapped by [Error] when the remote service refused the
// credential.
var ErrRejected = errors.New("credential: rejected")

// Error reports a missing or invalid credential. It is distinct from transport
// errors: callers must not retry automatically and should prompt for
// re-authentication instead.
type Error struct {
	// Reason is a short human-readable explanation.
	Reason string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential: %s: %v", e.Reason, e.Err)
	}
	return "credential: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Credential is an API key for the remote conversational service.
type Credential struct {
	APIKey string
}

// Provider returns the credential to use for a new session.
type Provider interface {
	// Credential returns the current credential, or an [*Error] wrapping
	// [ErrMissing] when none is available.
	Credential(ctx context.Context) (Credential, error)
}

// Invalidator is implemented by providers that can forget a credential.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Compile-time interface assertions.
var (
	_ Provider    = Static("")
	_ Provider    = Env("")
	_ Provider    = (*File)(nil)
	_ Invalidator = (*File)(nil)
)

func missing(where string) error {
	return &Error{Reason: "no API key in " + where, Err: ErrMissing}
}

// Static is a fixed API key.
type Static string

// Credential implements [Provider].
func (s Static) Credential(context.Context) (Credential, error) {
	if strings.TrimSpace(string(s)) == "" {
		return Credential{}, missing("configuration")
	}
	return Credential{APIKey: string(s)}, nil
}

// Env reads the API key from the named environment variable on every call.
type Env string

// Credential implements [Provider].
func (e Env) Credential(context.Context) (Credential, error) {
	key := strings.TrimSpace(os.Getenv(string(e)))
	if key == "" {
		return Credential{}, missing("$" + string(e))
	}
	return Credential{APIKey: key}, nil
}

// File persists the API key in a file readable only by the owner.
//
// All methods are safe for concurrent use.
type File struct {
	Path string

	mu sync.Mutex
}

// NewFile returns a File provider backed by path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Credential implements [Provider].
func (f *File) Credential(context.Context) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, missing(f.Path)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("credential: read %s: %w", f.Path, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return Credential{}, missing(f.Path)
	}
	return Credential{APIKey: key}, nil
}

// Save stores key, replacing any previous value.
func (f *File) Save(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Error{Reason: "refusing to save an empty API key", Err: ErrMissing}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("credential: create dir: %w", err)
	}
	if err := os.WriteFile(f.Path, []byte(key+"\n"), 0o600); err != nil {
		return fmt.Errorf("credential: write %s: %w", f.Path, err)
	}
	return nil
}

// Invalidate implements [Invalidator] by removing the stored key. Removing a
// missing file is not an error.
func (f *File) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credential: remove %s: %w", f.Path, err)
	}
	return nil
}
