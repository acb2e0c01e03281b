package extension

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voicelane/bridge/bus"
	"github.com/voicelane/bridge/config"
	"github.com/voicelane/bridge/lane"
	"github.com/voicelane/bridge/msg"
)

// State is a lifecycle state of an extension instance.
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateInitialized
	StateStarted
	StateStopped
	StateDeinitialized
	StateTerminated
)

var stateNames = map[State]string{
	StateUnconfigured:  "unconfigured",
	StateConfigured:    "configured",
	StateInitialized:   "initialized",
	StateStarted:       "started",
	StateStopped:       "stopped",
	StateDeinitialized: "deinitialized",
	StateTerminated:    "terminated",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// exitFn is called on an unrecoverable user-code fault. Overridable in tests.
var exitFn = os.Exit

// Proxy wraps one extension instance: each host-invoked callback is
// scheduled onto the instance's lane, completion is acknowledged back
// through the Host interface from the lane, and the host goroutine is never
// blocked on user code.
//
// In shared mode the lane comes from a lane.Manager (acquired on Configure,
// released after Deinit drains); in private mode the proxy starts its own
// lane on Configure and shuts it down itself after the same drain sequence.
type Proxy struct {
	name string
	id   string
	ext  Extension
	host Host

	mode    config.LaneMode
	manager *lane.Manager
	broker  *bus.Broker
	grace   time.Duration

	mu    sync.Mutex
	state State
	ln    *lane.Lane
	env   *Env

	tasks sync.WaitGroup // callbacks and posted tasks, deinit excluded
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithLaneMode overrides the process-wide lane mode for this instance.
func WithLaneMode(mode config.LaneMode) ProxyOption {
	return func(p *Proxy) { p.mode = mode }
}

// WithManager sets the shared lane manager used in shared mode.
func WithManager(m *lane.Manager) ProxyOption {
	return func(p *Proxy) { p.manager = m }
}

// WithBroker sets the broker the instance's Env publishes outbound messages on.
func WithBroker(b *bus.Broker) ProxyOption {
	return func(p *Proxy) { p.broker = b }
}

// WithPrivateDrainGrace sets the drain grace window of a private lane.
func WithPrivateDrainGrace(d time.Duration) ProxyOption {
	return func(p *Proxy) {
		if d > 0 {
			p.grace = d
		}
	}
}

// NewProxy creates a lifecycle proxy for one extension instance. The lane
// mode defaults to the process configuration; shared mode requires a manager.
func NewProxy(name string, ext Extension, host Host, opts ...ProxyOption) (*Proxy, error) {
	cfg := config.Load()
	p := &Proxy{
		name:  name,
		id:    uuid.NewString(),
		ext:   ext,
		host:  host,
		mode:  cfg.LaneMode,
		grace: cfg.DrainGrace,
		state: StateUnconfigured,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.mode != config.LaneModePrivate && p.manager == nil {
		return nil, ErrNoManager
	}
	return p, nil
}

// Name returns the instance name.
func (p *Proxy) Name() string { return p.name }

// ID returns the unique instance ID.
func (p *Proxy) ID() string { return p.id }

// State returns the current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Env returns the instance's environment handle. Nil before Configure.
func (p *Proxy) Env() *Env {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.env
}

// transition advances the state machine, rejecting out-of-order callbacks.
func (p *Proxy) transition(from, to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return fmt.Errorf("%w: %s requested in state %s", ErrInvalidTransition, to, p.state)
	}
	p.state = to
	return nil
}

// Configure is the host's first entry point. It binds the instance to its
// lane (acquiring the shared lane or starting a private one), builds the Env
// and schedules the user's OnConfigure.
func (p *Proxy) Configure() error {
	if err := p.transition(StateUnconfigured, StateConfigured); err != nil {
		return err
	}

	var ln *lane.Lane
	switch p.mode {
	case config.LaneModePrivate:
		ln = lane.NewLane("ext-"+p.name, p.grace)
		log.Debug().Str("extension", p.name).Str("lane", ln.Name()).Msg("private lane started")
	default:
		ln = p.manager.Acquire()
	}

	env := &Env{
		proxy:     p,
		extension: p.name,
		ln:        ln,
		broker:    p.broker,
		log:       log.With().Str("extension", p.name).Logger(),
	}

	p.mu.Lock()
	p.ln = ln
	p.env = env
	p.mu.Unlock()

	return p.schedule("configure", func(ctx context.Context) error {
		if err := p.ext.OnConfigure(ctx, env); err != nil {
			return err
		}
		p.host.OnConfigureDone()
		return nil
	})
}

// Init schedules the user's OnInit and acknowledges completion.
func (p *Proxy) Init() error {
	if err := p.transition(StateConfigured, StateInitialized); err != nil {
		return err
	}
	return p.schedule("init", func(ctx context.Context) error {
		if err := p.ext.OnInit(ctx, p.env); err != nil {
			return err
		}
		p.host.OnInitDone()
		return nil
	})
}

// Start schedules the user's OnStart and acknowledges completion.
func (p *Proxy) Start() error {
	if err := p.transition(StateInitialized, StateStarted); err != nil {
		return err
	}
	return p.schedule("start", func(ctx context.Context) error {
		if err := p.ext.OnStart(ctx, p.env); err != nil {
			return err
		}
		p.host.OnStartDone()
		return nil
	})
}

// Stop schedules the user's OnStop and acknowledges completion.
func (p *Proxy) Stop() error {
	if err := p.transition(StateStarted, StateStopped); err != nil {
		return err
	}
	return p.schedule("stop", func(ctx context.Context) error {
		if err := p.ext.OnStop(ctx, p.env); err != nil {
			return err
		}
		p.host.OnStopDone()
		return nil
	})
}

// Deinit schedules the user's OnDeinit. After acknowledging the host it
// waits for every task scheduled on behalf of this instance to finish, so
// the acknowledgment's "nothing further in flight" guarantee holds, then
// releases the shared lane or shuts the private one down.
func (p *Proxy) Deinit() error {
	if err := p.transition(StateStopped, StateDeinitialized); err != nil {
		return err
	}

	ln, err := p.currentLane()
	if err != nil {
		return err
	}
	return ln.Submit(func(ctx context.Context) {
		p.runGuarded(ctx, "deinit", func(ctx context.Context) error {
			return p.ext.OnDeinit(ctx, p.env)
		})
		p.host.OnDeinitDone()

		p.tasks.Wait()

		p.mu.Lock()
		p.state = StateTerminated
		p.mu.Unlock()

		switch p.mode {
		case config.LaneModePrivate:
			ln.Shutdown()
		default:
			remaining := p.manager.Release()
			log.Debug().Str("extension", p.name).Int("remaining_refs", remaining).Msg("shared lane released")
		}
		log.Info().Str("extension", p.name).Msg("extension instance terminated")
	})
}

// Cmd schedules the user's OnCmd for an inbound command.
func (p *Proxy) Cmd(cmd *msg.Cmd) error {
	return p.schedule("cmd", func(ctx context.Context) error {
		return p.ext.OnCmd(ctx, p.env, cmd)
	})
}

// Data schedules the user's OnData for an inbound data message.
func (p *Proxy) Data(data *msg.Data) error {
	return p.schedule("data", func(ctx context.Context) error {
		return p.ext.OnData(ctx, p.env, data)
	})
}

// AudioFrame schedules the user's OnAudioFrame for an inbound audio frame.
func (p *Proxy) AudioFrame(frame *msg.AudioFrame) error {
	return p.schedule("audio_frame", func(ctx context.Context) error {
		return p.ext.OnAudioFrame(ctx, p.env, frame)
	})
}

// VideoFrame schedules the user's OnVideoFrame for an inbound video frame.
func (p *Proxy) VideoFrame(frame *msg.VideoFrame) error {
	return p.schedule("video_frame", func(ctx context.Context) error {
		return p.ext.OnVideoFrame(ctx, p.env, frame)
	})
}

// currentLane resolves the instance's lane: the manager's handle in shared
// mode, the private lane otherwise.
func (p *Proxy) currentLane() (*lane.Lane, error) {
	if p.mode != config.LaneModePrivate {
		return p.manager.Handle()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil, lane.ErrNotStarted
	}
	return p.ln, nil
}

// schedule submits a guarded callback onto the instance's lane, tracked by
// the instance task gate. It returns as soon as the task is enqueued.
func (p *Proxy) schedule(stage string, fn func(ctx context.Context) error) error {
	ln, err := p.currentLane()
	if err != nil {
		return err
	}
	p.tasks.Add(1)
	err = ln.Submit(func(ctx context.Context) {
		defer p.tasks.Done()
		if ctx.Err() != nil {
			// Lane shut down before the task ran. The gate still
			// releases, but user code is not invoked on a dead lane.
			log.Debug().Str("extension", p.name).Str("stage", stage).Msg("lane stopped before task ran, skipping")
			return
		}
		p.runGuarded(ctx, stage, fn)
	})
	if err != nil {
		p.tasks.Done()
		return err
	}
	return nil
}

// runGuarded executes user code under the fatal-fault policy: any escaped
// panic or returned error is logged with the stack and terminates the
// process, instead of leaving the host waiting for an acknowledgment that
// will never come.
func (p *Proxy) runGuarded(ctx context.Context, stage string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.fatal(stage, fmt.Errorf("panic: %v", r), debug.Stack())
		}
	}()
	if err := fn(ctx); err != nil {
		p.fatal(stage, err, debug.Stack())
	}
}

func (p *Proxy) fatal(stage string, err error, stack []byte) {
	log.Error().
		Str("extension", p.name).
		Str("stage", stage).
		Err(err).
		Bytes("stack", stack).
		Msg("uncaught fault in extension code, terminating process")
	// Flush before exiting so the fault report cannot be lost.
	_ = os.Stdout.Sync()
	_ = os.Stderr.Sync()
	exitFn(1)
}
