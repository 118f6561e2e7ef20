package llm

import (
	"fmt"
	"sort"
	"sync"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
)

// ClientKey identifies the upstream a client is bound to.
type ClientKey struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// ClientFactory builds a Client bound to a single upstream credential.
type ClientFactory func(key ClientKey) (Client, error)

// ProviderRegistry maps provider names to client factories.
// Factories are registered by the caller to avoid import cycles with the
// provider packages.
type ProviderRegistry struct {
	mu        sync.RWMutex
	factories map[string]ClientFactory
}

// NewProviderRegistry creates an empty ProviderRegistry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		factories: make(map[string]ClientFactory),
	}
}

// Register adds or replaces the factory for a provider.
func (r *ProviderRegistry) Register(provider string, factory ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = factory
}

// IsProviderEnabled checks if a provider has a registered factory.
func (r *ProviderRegistry) IsProviderEnabled(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[provider]
	return ok
}

// Providers returns the registered provider names, sorted.
func (r *ProviderRegistry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewClient builds a client for key using the provider's factory.
func (r *ProviderRegistry) NewClient(key ClientKey) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[key.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", key.Provider)
	}
	client, err := factory(key)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", key.Provider, err)
	}
	return client, nil
}
