// Package global holds the process-wide default instances of the runtime's
// singletons. The "one per process" behavior is a deployment choice layered
// over ordinary constructors: tests build their own instances instead.
package global

import (
	"sync/atomic"

	"github.com/voicelane/bridge/lane"
)

func defaultLaneManager() *atomic.Value {
	v := &atomic.Value{}
	v.Store(lane.NewManager("shared"))
	return v
}

var globalLaneManager = defaultLaneManager()

// SetLaneManager sets the global shared lane manager.
func SetLaneManager(m *lane.Manager) {
	globalLaneManager.Store(m)
}

// GetLaneManager retrieves the current global shared lane manager.
func GetLaneManager() *lane.Manager {
	return globalLaneManager.Load().(*lane.Manager)
}
