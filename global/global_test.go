package global

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/bridge/addon"
	"github.com/voicelane/bridge/bus"
	"github.com/voicelane/bridge/lane"
)

func TestDefaultsAreInitialized(t *testing.T) {
	assert.NotNil(t, GetLaneManager())
	assert.NotNil(t, GetBroker())
	assert.NotNil(t, GetAddonRegistry())
}

func TestSetReplacesLaneManager(t *testing.T) {
	prev := GetLaneManager()
	defer SetLaneManager(prev)

	m := lane.NewManager("replacement")
	SetLaneManager(m)
	assert.Same(t, m, GetLaneManager())
}

func TestSetReplacesBroker(t *testing.T) {
	prev := GetBroker()
	defer SetBroker(prev)

	b, err := bus.New()
	require.NoError(t, err)
	SetBroker(b)
	assert.Same(t, b, GetBroker())
}

func TestSetReplacesAddonRegistry(t *testing.T) {
	prev := GetAddonRegistry()
	defer SetAddonRegistry(prev)

	r := addon.New()
	SetAddonRegistry(r)
	assert.Same(t, r, GetAddonRegistry())
}
