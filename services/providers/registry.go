package providers

import (
	"errors"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry holds the configured provider clients. It is owned by the
// application container and passed by handle; there is no package-level
// default instance.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
	}
}

// Register adds a provider client to the registry
func (r *Registry) Register(client Client) error {
	if client == nil {
		return errors.New("client cannot be nil")
	}

	name := client.Name()
	if name == "" {
		return errors.New("client name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[name]; exists {
		return ErrProviderAlreadyRegistered
	}
	r.clients[name] = client

	return nil
}

// Get retrieves a provider client by name
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[name]
	if !exists {
		return nil, ErrProviderNotFound
	}

	return client, nil
}

// Names returns all registered provider names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}

	return names
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// Alternate returns a registered provider other than the named one. Used
// by the router's single-fallback step; ok is false when no alternate
// exists.
func (r *Registry) Alternate(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for candidate, client := range r.clients {
		if candidate != name {
			return client, true
		}
	}

	return nil, false
}
