package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes a session's (provider, model) pair to a Provider.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

// Has reports whether a provider name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Settings configures the built-in providers.
type Settings struct {
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
}

// NewDefaultRegistry registers "ollama" and "openrouter". An empty model falls
// back to the configured default for that provider.
func NewDefaultRegistry(s Settings) *Registry {
	reg := NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = s.OllamaModel
		}
		return NewOllamaProvider(s.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = s.OpenRouterModel
		}
		return NewOpenRouterProvider(s.OpenRouterBaseURL, s.OpenRouterAPIKey, m, s.OpenRouterSiteURL, s.OpenRouterAppName), nil
	})
	return reg
}
