package llm

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"ex-notebot/pkg/notebot"
)

// Registry maps provider profile keys to built providers.
//
// It is read-only after NewRegistry, so the reply pipeline and the auto
// poster can share it without locking.
type Registry struct {
	providers map[string]notebot.LLMProvider
	keys      []string
}

// NewRegistry copies providers, trimming keys. Blank keys, nil providers and
// keys that collide after trimming are errors.
func NewRegistry(providers map[string]notebot.LLMProvider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("new llm provider registry: empty providers")
	}

	registry := &Registry{providers: make(map[string]notebot.LLMProvider, len(providers))}
	for _, rawKey := range slices.Sorted(maps.Keys(providers)) {
		key := strings.TrimSpace(rawKey)
		switch {
		case key == "":
			return nil, fmt.Errorf("new llm provider registry: empty provider key")
		case providers[rawKey] == nil:
			return nil, fmt.Errorf("new llm provider registry: provider %s is nil", key)
		}
		if _, taken := registry.providers[key]; taken {
			return nil, fmt.Errorf("new llm provider registry: duplicate provider key %s", key)
		}
		registry.providers[key] = providers[rawKey]
	}
	registry.keys = slices.Sorted(maps.Keys(registry.providers))

	return registry, nil
}

// Resolve returns the provider configured under key.
func (r *Registry) Resolve(key string) (notebot.LLMProvider, error) {
	if r == nil {
		return nil, fmt.Errorf("resolve llm provider: nil registry")
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("resolve llm provider: empty provider key")
	}
	provider, found := r.providers[key]
	if !found {
		return nil, fmt.Errorf(
			"resolve llm provider: provider %s is not configured (have %s)",
			key,
			strings.Join(r.keys, ", "),
		)
	}

	return provider, nil
}

// Keys returns the configured keys in sorted order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}

	return slices.Clone(r.keys)
}

var _ notebot.LLMProviderRegistry = (*Registry)(nil)
