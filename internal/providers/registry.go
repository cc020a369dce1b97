package providers

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-resilience-router/internal/types"
)

type registration struct {
	provider LLMProvider
	config   types.ProviderConfig
}

// Registry holds the configured members of the closed provider set.
// Registration happens at startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.ProviderID]registration
	logger  *logrus.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		entries: make(map[types.ProviderID]registration),
		logger:  logger,
	}
}

// Register adds a provider. The id must be one of the supported providers and
// must match what the adapter reports.
func (r *Registry) Register(config types.ProviderConfig, provider LLMProvider) error {
	if _, ok := types.ParseProviderID(string(config.ID)); !ok {
		return fmt.Errorf("unsupported provider %q", config.ID)
	}
	if provider == nil {
		return fmt.Errorf("provider %s: adapter is nil", config.ID)
	}
	if provider.ProviderID() != config.ID {
		return fmt.Errorf("provider %s: adapter reports id %s", config.ID, provider.ProviderID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[config.ID]; exists {
		return fmt.Errorf("provider %s already registered", config.ID)
	}
	r.entries[config.ID] = registration{provider: provider, config: config}

	r.logger.WithFields(logrus.Fields{
		"provider": config.ID,
		"model":    config.DefaultModel(),
		"endpoint": config.Endpoint,
	}).Info("Provider registered")
	return nil
}

// Get returns the adapter and configuration for a provider
func (r *Registry) Get(id types.ProviderID) (LLMProvider, types.ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.provider, e.config, ok
}

func (r *Registry) Has(id types.ProviderID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// IDs lists registered providers in canonical order
func (r *Registry) IDs() []types.ProviderID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.ProviderID, 0, len(r.entries))
	for _, id := range types.AllProviders {
		if _, ok := r.entries[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Configs lists registered provider configurations in canonical order
func (r *Registry) Configs() []types.ProviderConfig {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	configs := make([]types.ProviderConfig, 0, len(ids))
	for _, id := range ids {
		configs = append(configs, r.entries[id].config)
	}
	return configs
}
