package providers

import (
	"fmt"

	"unigate/config"
)

// Builder creates an adapter instance from configuration.
type Builder func(cfg config.ProviderConfig) (Adapter, error)

// builders holds all registered adapter builders, keyed by provider type.
var builders = make(map[string]Builder)

// Register makes an adapter type available to the factory. Adapter packages
// call it from init().
func Register(providerType string, builder Builder) {
	builders[providerType] = builder
}

// RegisterAdapter registers an adapter constructor with base URL support.
func RegisterAdapter[T Adapter](providerType string, newAdapter func(apiKey string) T) {
	Register(providerType, func(cfg config.ProviderConfig) (Adapter, error) {
		a := newAdapter(cfg.APIKey)
		if cfg.BaseURL != "" {
			if setter, ok := any(a).(interface{ SetBaseURL(string) }); ok {
				setter.SetBaseURL(cfg.BaseURL)
			}
		}
		return a, nil
	})
}

// Create instantiates an adapter for the configured provider type.
func Create(cfg config.ProviderConfig) (Adapter, error) {
	builder, ok := builders[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	return builder(cfg)
}

// ListRegistered returns all registered adapter types.
func ListRegistered() []string {
	types := make([]string, 0, len(builders))
	for t := range builders {
		types = append(types, t)
	}
	return types
}
