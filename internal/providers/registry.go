package providers

import (
	"fmt"
	"sort"

	"unigate/config"
	"unigate/internal/core"
)

// ModelInfo holds registry metadata for one model.
type ModelInfo struct {
	Name               string  `json:"name"`
	MaxTokens          int     `json:"max_tokens,omitempty"`
	SupportsStreaming  bool    `json:"supports_streaming"`
	InputPricePerMTok  float64 `json:"input_price_per_mtok,omitempty"`
	OutputPricePerMTok float64 `json:"output_price_per_mtok,omitempty"`
}

type providerEntry struct {
	adapter Adapter
	models  map[string]ModelInfo
}

// Registry maps (provider, model) pairs to adapter instances. It is built
// once at startup from configuration and never mutated afterwards, so
// lookups need no locking.
type Registry struct {
	providers map[string]*providerEntry
}

// BuildRegistry constructs adapters via the factory and assembles the
// registry from the configured provider catalog.
func BuildRegistry(cfgs []config.ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]*providerEntry, len(cfgs))}

	for _, cfg := range cfgs {
		if _, dup := r.providers[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate provider name: %s", cfg.Name)
		}
		adapter, err := Create(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
		}

		entry := &providerEntry{
			adapter: adapter,
			models:  make(map[string]ModelInfo, len(cfg.Models)),
		}
		for _, m := range cfg.Models {
			entry.models[m.Name] = ModelInfo{
				Name:               m.Name,
				MaxTokens:          m.MaxTokens,
				SupportsStreaming:  m.Streaming(),
				InputPricePerMTok:  m.InputPricePerMTok,
				OutputPricePerMTok: m.OutputPricePerMTok,
			}
		}
		r.providers[cfg.Name] = entry
	}

	return r, nil
}

// NewRegistry builds a registry from already-constructed adapters, keyed by
// provider name. Used by tests and embedded setups.
func NewRegistry(adapters map[string]Adapter, models map[string][]ModelInfo) *Registry {
	r := &Registry{providers: make(map[string]*providerEntry, len(adapters))}
	for name, a := range adapters {
		entry := &providerEntry{adapter: a, models: make(map[string]ModelInfo)}
		for _, m := range models[name] {
			entry.models[m.Name] = m
		}
		r.providers[name] = entry
	}
	return r
}

// Resolve returns the adapter and model metadata for a (provider, model)
// pair. Unknown names fail before any external call is made.
func (r *Registry) Resolve(provider, model string) (Adapter, ModelInfo, error) {
	entry, ok := r.providers[provider]
	if !ok {
		return nil, ModelInfo{}, core.NewUnknownProvider(provider)
	}
	info, ok := entry.models[model]
	if !ok {
		return nil, ModelInfo{}, core.NewUnknownModel(provider, model)
	}
	return entry.adapter, info, nil
}

// Providers returns the configured provider names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models returns the model catalog for one provider, sorted by name.
func (r *Registry) Models(provider string) ([]ModelInfo, error) {
	entry, ok := r.providers[provider]
	if !ok {
		return nil, core.NewUnknownProvider(provider)
	}
	models := make([]ModelInfo, 0, len(entry.models))
	for _, m := range entry.models {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

// ModelCount returns the total number of registered models.
func (r *Registry) ModelCount() int {
	var n int
	for _, entry := range r.providers {
		n += len(entry.models)
	}
	return n
}
