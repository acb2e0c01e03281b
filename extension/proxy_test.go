package extension

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelane/bridge/config"
	"github.com/voicelane/bridge/lane"
	"github.com/voicelane/bridge/msg"
)

// recordingHost collects acknowledgments in arrival order.
type recordingHost struct {
	acks chan string
}

func newRecordingHost() *recordingHost {
	return &recordingHost{acks: make(chan string, 16)}
}

func (h *recordingHost) OnConfigureDone() { h.acks <- "configure" }
func (h *recordingHost) OnInitDone()      { h.acks <- "init" }
func (h *recordingHost) OnStartDone()     { h.acks <- "start" }
func (h *recordingHost) OnStopDone()      { h.acks <- "stop" }
func (h *recordingHost) OnDeinitDone()    { h.acks <- "deinit" }

func (h *recordingHost) expect(t *testing.T, stage string) {
	t.Helper()
	select {
	case got := <-h.acks:
		require.Equal(t, stage, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s acknowledgment", stage)
	}
}

// gatedExt blocks chosen callbacks on channels so tests control interleaving.
type gatedExt struct {
	Base
	onStart func(ctx context.Context, env *Env) error
	onCmd   func(ctx context.Context, env *Env, cmd *msg.Cmd) error
}

func (e *gatedExt) OnStart(ctx context.Context, env *Env) error {
	if e.onStart != nil {
		return e.onStart(ctx, env)
	}
	return nil
}

func (e *gatedExt) OnCmd(ctx context.Context, env *Env, cmd *msg.Cmd) error {
	if e.onCmd != nil {
		return e.onCmd(ctx, env, cmd)
	}
	return nil
}

func driveToStarted(t *testing.T, p *Proxy, h *recordingHost) {
	t.Helper()
	require.NoError(t, p.Configure())
	h.expect(t, "configure")
	require.NoError(t, p.Init())
	h.expect(t, "init")
	require.NoError(t, p.Start())
	h.expect(t, "start")
}

func tearDown(t *testing.T, p *Proxy, h *recordingHost) {
	t.Helper()
	require.NoError(t, p.Stop())
	h.expect(t, "stop")
	require.NoError(t, p.Deinit())
	h.expect(t, "deinit")
}

func TestLifecycleAckOrderShared(t *testing.T) {
	m := lane.NewManager("shared")
	h := newRecordingHost()
	p, err := NewProxy("asr", &gatedExt{}, h,
		WithLaneMode(config.LaneModeShared), WithManager(m))
	require.NoError(t, err)

	driveToStarted(t, p, h)
	tearDown(t, p, h)

	require.Eventually(t, func() bool {
		return p.State() == StateTerminated
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.RefCount())
}

func TestLifecyclePrivateMode(t *testing.T) {
	h := newRecordingHost()
	p, err := NewProxy("tts", &gatedExt{}, h, WithLaneMode(config.LaneModePrivate))
	require.NoError(t, err)

	driveToStarted(t, p, h)
	tearDown(t, p, h)

	require.Eventually(t, func() bool {
		return p.State() == StateTerminated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOutOfOrderCallbackRejected(t *testing.T) {
	m := lane.NewManager("shared")
	h := newRecordingHost()
	p, err := NewProxy("asr", &gatedExt{}, h,
		WithLaneMode(config.LaneModeShared), WithManager(m))
	require.NoError(t, err)

	require.ErrorIs(t, p.Init(), ErrInvalidTransition)
	require.ErrorIs(t, p.Start(), ErrInvalidTransition)
	require.ErrorIs(t, p.Deinit(), ErrInvalidTransition)
	assert.Equal(t, StateUnconfigured, p.State())
}

func TestSharedModeRequiresManager(t *testing.T) {
	h := newRecordingHost()
	_, err := NewProxy("asr", &gatedExt{}, h, WithLaneMode(config.LaneModeShared))
	require.ErrorIs(t, err, ErrNoManager)
}

func TestTwoSharedTenants(t *testing.T) {
	m := lane.NewManager("shared")

	h1, h2 := newRecordingHost(), newRecordingHost()
	cmdSeen := make(chan string, 1)
	p1, err := NewProxy("asr", &gatedExt{}, h1,
		WithLaneMode(config.LaneModeShared), WithManager(m))
	require.NoError(t, err)
	p2, err := NewProxy("tts", &gatedExt{
		onCmd: func(_ context.Context, _ *Env, cmd *msg.Cmd) error {
			cmdSeen <- cmd.Name
			return nil
		},
	}, h2, WithLaneMode(config.LaneModeShared), WithManager(m))
	require.NoError(t, err)

	driveToStarted(t, p1, h1)
	driveToStarted(t, p2, h2)
	assert.Equal(t, 2, m.RefCount())

	ln, err := m.Handle()
	require.NoError(t, err)

	// First tenant terminates; the shared lane must stay alive and usable
	// by the second.
	tearDown(t, p1, h1)
	require.Eventually(t, func() bool { return m.RefCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, ln.Alive())

	require.NoError(t, p2.Cmd(msg.NewCmd("flush")))
	select {
	case name := <-cmdSeen:
		assert.Equal(t, "flush", name)
	case <-time.After(2 * time.Second):
		t.Fatal("second tenant stopped receiving after first tenant left")
	}

	// Last tenant terminates; the lane must wind down within the grace
	// period.
	tearDown(t, p2, h2)
	select {
	case <-ln.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shared lane did not stop after last tenant left")
	}
}

func TestDeinitWaitsForInFlightTasks(t *testing.T) {
	m := lane.NewManager("shared")
	h := newRecordingHost()

	release := make(chan struct{})
	posted := make(chan struct{})
	p, err := NewProxy("asr", &gatedExt{
		onStart: func(_ context.Context, env *Env) error {
			return env.Post(func(context.Context) error {
				close(posted)
				<-release
				return nil
			})
		},
	}, h, WithLaneMode(config.LaneModeShared), WithManager(m))
	require.NoError(t, err)

	driveToStarted(t, p, h)
	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Fatal("posted task did not start")
	}

	tearDown(t, p, h)

	// The deinit acknowledgment has arrived, but the instance must not be
	// considered torn down while the posted task is still in flight.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDeinitialized, p.State())
	assert.Equal(t, 1, m.RefCount())

	close(release)
	require.Eventually(t, func() bool {
		return p.State() == StateTerminated && m.RefCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUserFaultTerminatesProcess(t *testing.T) {
	exited := make(chan int, 1)
	origExit := exitFn
	exitFn = func(code int) { exited <- code }
	defer func() { exitFn = origExit }()

	m := lane.NewManager("shared")
	h := newRecordingHost()
	p, err := NewProxy("asr", &gatedExt{
		onCmd: func(context.Context, *Env, *msg.Cmd) error {
			panic("vendor client exploded")
		},
	}, h, WithLaneMode(config.LaneModeShared), WithManager(m))
	require.NoError(t, err)

	driveToStarted(t, p, h)
	require.NoError(t, p.Cmd(msg.NewCmd("boom")))

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(2 * time.Second):
		t.Fatal("user-code fault did not trigger process termination")
	}
}
