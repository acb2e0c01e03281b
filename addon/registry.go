// Package addon provides the registry mapping addon names to extension
// factories. The table is built explicitly at registration time; there is no
// runtime introspection.
package addon

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voicelane/bridge/extension"
)

// Predefined errors for common scenarios in addon registration.
var (
	ErrAddonAlreadyRegistered = errors.New("addon: addon name is already registered")
	ErrAddonNotFound          = errors.New("addon: addon not found")
	ErrNilFactory             = errors.New("addon: factory cannot be nil")
)

// Factory creates one extension instance for an addon. The instance name
// distinguishes multiple instances of the same addon in one pipeline.
type Factory func(instanceName string) (extension.Extension, error)

// Registry holds the addon name to factory table.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under the given addon name.
func (r *Registry) Register(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("%w: %s", ErrNilFactory, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		log.Error().Str("addon", name).Msg("attempted to register duplicate addon")
		return fmt.Errorf("%w: %s", ErrAddonAlreadyRegistered, name)
	}
	r.factories[name] = factory
	log.Info().Str("addon", name).Msg("addon registered")
	return nil
}

// Create instantiates the named addon as a new extension instance.
func (r *Registry) Create(addonName, instanceName string) (extension.Extension, error) {
	r.mu.RLock()
	factory, exists := r.factories[addonName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAddonNotFound, addonName)
	}
	ext, err := factory(instanceName)
	if err != nil {
		return nil, fmt.Errorf("addon: factory %s failed for instance %s: %w", addonName, instanceName, err)
	}
	log.Debug().Str("addon", addonName).Str("instance", instanceName).Msg("addon instance created")
	return ext, nil
}

// Names returns the registered addon names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
