package global

import (
	"sync/atomic"

	"github.com/voicelane/bridge/bus"
)

func defaultBroker() *atomic.Value {
	v := &atomic.Value{}
	// Initialize with the default (memory) broker. Panic on error.
	broker, err := bus.New()
	if err != nil {
		panic("failed to initialize default global broker: " + err.Error())
	}
	v.Store(broker)
	return v
}

var globalBroker = defaultBroker()

// SetBroker sets the global broker instance.
func SetBroker(b *bus.Broker) {
	globalBroker.Store(b)
}

// GetBroker retrieves the current global broker instance.
func GetBroker() *bus.Broker {
	return globalBroker.Load().(*bus.Broker)
}
