package llm

import (
	"fmt"
	"sync"
)

// Registry holds the process-global set of model providers and their rate
// limiters. Reads dominate; the lock guards register/unregister only.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ModelProvider
	limiters  map[string]*RateLimiter
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ModelProvider),
		limiters:  make(map[string]*RateLimiter),
	}
}

// Register adds or replaces a provider. A nil limiter leaves the provider
// unthrottled.
func (r *Registry) Register(providerID string, provider ModelProvider, limiter *RateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[providerID] = provider
	if limiter != nil {
		r.limiters[providerID] = limiter
	}
}

// Unregister removes a provider and its limiter.
func (r *Registry) Unregister(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, providerID)
	delete(r.limiters, providerID)
}

// Get returns the provider for the given id.
func (r *Registry) Get(providerID string) (ModelProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", providerID)
	}
	return provider, nil
}

// Limiter returns the rate limiter for a provider, or nil when unthrottled.
func (r *Registry) Limiter(providerID string) *RateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[providerID]
}

// List returns the registered provider ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// Reset drops all registrations. Intended for tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = make(map[string]ModelProvider)
	r.limiters = make(map[string]*RateLimiter)
}

var (
	globalRegistry     *Registry
	globalRegistryOnce sync.Once
)

// GlobalRegistry returns the process-wide registry, creating it on first use.
func GlobalRegistry() *Registry {
	globalRegistryOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}
