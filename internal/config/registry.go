package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicelink/internal/protocol"
)

// ErrTransportNotRegistered is returned by [Registry.Create] when no factory
// has been registered for the configured protocol kind.
var ErrTransportNotRegistered = errors.New("config: transport not registered")

// TransportFactory builds a [protocol.Transport] from a validated config.
type TransportFactory func(cfg *Config) (protocol.Transport, error)

// Registry maps protocol kinds to transport constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[ProtocolKind]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{transports: make(map[ProtocolKind]TransportFactory)}
}

// Register registers factory under kind.
// Subsequent calls with the same kind overwrite the previous registration.
func (r *Registry) Register(kind ProtocolKind, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[kind] = factory
}

// Create instantiates the transport registered for cfg.Protocol.Kind.
// Returns [ErrTransportNotRegistered] if no factory has been registered.
func (r *Registry) Create(cfg *Config) (protocol.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Protocol.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransportNotRegistered, cfg.Protocol.Kind)
	}
	t, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create %s transport: %w", cfg.Protocol.Kind, err)
	}
	return t, nil
}

// Kinds returns the registered protocol kinds in sorted order.
func (r *Registry) Kinds() []ProtocolKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]ProtocolKind, 0, len(r.transports))
	for k := range r.transports {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
