package global

import (
	"sync/atomic"

	"github.com/voicelane/bridge/addon"
)

func defaultAddonRegistry() *atomic.Value {
	v := &atomic.Value{}
	v.Store(addon.New())
	return v
}

var globalAddonRegistry = defaultAddonRegistry()

// SetAddonRegistry sets the global addon registry.
func SetAddonRegistry(r *addon.Registry) {
	globalAddonRegistry.Store(r)
}

// GetAddonRegistry retrieves the current global addon registry.
func GetAddonRegistry() *addon.Registry {
	return globalAddonRegistry.Load().(*addon.Registry)
}
