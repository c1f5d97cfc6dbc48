// Package provider implements LLM backend clients and their registry.
package provider

import (
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/devflow/internal/core"
)

// Registry holds the configured provider clients by name. Registration is
// idempotent; re-registering a name replaces the previous client.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]core.ProviderClient
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]core.ProviderClient)}
}

// Register adds or replaces a client under its own name.
func (r *Registry) Register(client core.ProviderClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Name()] = client
}

// Get returns the client for a provider name.
func (r *Registry) Get(name string) (core.ProviderClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, core.ErrNotFound("provider", name)
	}
	return client, nil
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
