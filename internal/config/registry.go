package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/duet/pkg/credential"
	"github.com/MrWong99/duet/pkg/memory"
	"github.com/MrWong99/duet/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TransportFactory builds a realtime speech backend.
type TransportFactory func(entry ProviderEntry, creds credential.Provider) (s2s.Provider, error)

// StoreFactory builds a message and context store. The returned close
// function releases the store's connections and may be nil.
type StoreFactory func(ctx context.Context, cfg StoreConfig) (memory.Store, func() error, error)

// Registry maps implementation names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]TransportFactory
	store     map[string]StoreFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]TransportFactory),
		store:     make(map[string]StoreFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// RegisterStore registers a store factory under name.
func (r *Registry) RegisterStore(name string, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[name] = factory
}

// CreateTransport instantiates the backend registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTransport(entry ProviderEntry, creds credential.Provider) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, creds)
}

// CreateStore instantiates the store registered under cfg.Name.
func (r *Registry) CreateStore(ctx context.Context, cfg StoreConfig) (memory.Store, func() error, error) {
	r.mu.RLock()
	factory, ok := r.store[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: store/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(ctx, cfg)
}

// Transports lists the registered transport names, sorted.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transport))
	for name := range r.transport {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
