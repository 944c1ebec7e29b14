package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] succeeded.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for every entry's breaker. Name and
	// Neutral are set per group.
	CircuitBreaker CircuitBreakerConfig

	// Permanent marks errors that no other entry can recover from, such as a
	// rejected API key. They end the attempt at once and do not count
	// against the entry's breaker.
	Permanent func(error) bool
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup orders a primary and its fallbacks. [Call] tries them in
// registration order and skips entries whose breaker is open.
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	bc.Neutral = fg.cfg.Permanent

	fg.mu.Lock()
	defer fg.mu.Unlock()
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bc),
	})
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return fg.entries[0].value
}

// States returns each entry's breaker state keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

func (fg *FallbackGroup[T]) snapshot() []fallbackEntry[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return append([]fallbackEntry[T](nil), fg.entries...)
}

// Call runs fn against each entry of fg until one succeeds and returns the
// name of the entry that served the call. A permanent error is returned
// unwrapped; otherwise exhausting the group returns [ErrAllFailed] wrapping
// the last failure.
func Call[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	for _, entry := range fg.snapshot() {
		var result R
		err := entry.breaker.Execute(func() error {
			var err error
			result, err = fn(entry.value)
			return err
		})
		if err == nil {
			return result, entry.name, nil
		}
		if fg.cfg.Permanent != nil && fg.cfg.Permanent(err) {
			return zero, entry.name, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", entry.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
