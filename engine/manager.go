package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voicelane/bridge/addon"
	"github.com/voicelane/bridge/bus"
	"github.com/voicelane/bridge/config"
	"github.com/voicelane/bridge/extension"
	"github.com/voicelane/bridge/global"
	"github.com/voicelane/bridge/lane"
	"github.com/voicelane/bridge/msg"
)

// ackGateway is the per-instance Host implementation: each acknowledgment is
// forwarded on a buffered channel the engine waits on. Lifecycle stages are
// strictly sequential, so the buffer never holds more than one entry.
type ackGateway struct {
	ch chan string
}

func newAckGateway() *ackGateway {
	return &ackGateway{ch: make(chan string, 4)}
}

func (g *ackGateway) OnConfigureDone() { g.ch <- "configure" }
func (g *ackGateway) OnInitDone()      { g.ch <- "init" }
func (g *ackGateway) OnStartDone()     { g.ch <- "start" }
func (g *ackGateway) OnStopDone()      { g.ch <- "stop" }
func (g *ackGateway) OnDeinitDone()    { g.ch <- "deinit" }

// instance couples a proxy with its ack gateway and bus subscriptions.
type instance struct {
	proxy *extension.Proxy
	acks  *ackGateway
	subs  []string // bus subscription IDs
}

// Engine manages the registration and lifecycle of extension instances.
type Engine struct {
	manager    *lane.Manager
	broker     *bus.Broker
	registry   *addon.Registry
	ackTimeout time.Duration

	mu         sync.RWMutex
	instances  map[string]*instance
	startOrder []string
	started    map[string]bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithManager sets the shared lane manager handed to every proxy.
func WithManager(m *lane.Manager) EngineOption {
	return func(e *Engine) { e.manager = m }
}

// WithBroker sets the bus broker used for message routing.
func WithBroker(b *bus.Broker) EngineOption {
	return func(e *Engine) { e.broker = b }
}

// WithRegistry sets the addon registry RegisterAddon instantiates from.
func WithRegistry(r *addon.Registry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

// WithAckTimeout bounds how long a lifecycle stage may take to acknowledge.
func WithAckTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.ackTimeout = d
		}
	}
}

// New creates an Engine. Without options it uses a fresh shared lane
// manager, a memory-backed broker, the process-wide addon registry, and the
// configured ack timeout.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		ackTimeout: config.Load().AckTimeout,
		instances:  make(map[string]*instance),
		startOrder: make([]string, 0),
		started:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.manager == nil {
		e.manager = lane.NewManager("shared")
	}
	if e.broker == nil {
		b, _ := bus.New()
		e.broker = b
	}
	if e.registry == nil {
		e.registry = global.GetAddonRegistry()
	}
	return e
}

// Manager returns the engine's shared lane manager.
func (e *Engine) Manager() *lane.Manager { return e.manager }

// Broker returns the engine's bus broker.
func (e *Engine) Broker() *bus.Broker { return e.broker }

// Register adds an extension under the given instance name. By default the
// new instance is appended to the end of the start order.
func (e *Engine) Register(name string, ext extension.Extension, opts ...extension.ProxyOption) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.instances[name]; exists {
		log.Error().Str("extension", name).Msg("attempted to register duplicate extension")
		return fmt.Errorf("%w: %s", ErrExtensionAlreadyRegistered, name)
	}

	acks := newAckGateway()
	proxyOpts := append([]extension.ProxyOption{
		extension.WithManager(e.manager),
		extension.WithBroker(e.broker),
	}, opts...)
	proxy, err := extension.NewProxy(name, ext, acks, proxyOpts...)
	if err != nil {
		return err
	}

	e.instances[name] = &instance{proxy: proxy, acks: acks}
	e.startOrder = append(e.startOrder, name)
	log.Info().Str("extension", name).Msg("extension registered")
	return nil
}

// RegisterAddon instantiates the named addon from the engine's registry and
// registers the resulting extension under the given instance name.
func (e *Engine) RegisterAddon(addonName, instanceName string, opts ...extension.ProxyOption) error {
	ext, err := e.registry.Create(addonName, instanceName)
	if err != nil {
		return err
	}
	return e.Register(instanceName, ext, opts...)
}

// Unregister removes a not-yet-started extension instance.
func (e *Engine) Unregister(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.instances[name]; !exists {
		log.Warn().Str("extension", name).Msg("attempted to unregister non-existent extension")
		return fmt.Errorf("%w: %s", ErrExtensionNotFound, name)
	}

	delete(e.instances, name)
	delete(e.started, name)

	newOrder := make([]string, 0, len(e.startOrder)-1)
	for _, n := range e.startOrder {
		if n != name {
			newOrder = append(newOrder, n)
		}
	}
	e.startOrder = newOrder

	log.Info().Str("extension", name).Msg("extension unregistered")
	return nil
}

// SetStartOrder explicitly sets the order instances are started in. The
// provided names must contain exactly the registered instance names, without
// duplicates. Shutdown runs in the reverse order.
func (e *Engine) SetStartOrder(names []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(names) != len(e.instances) {
		log.Error().
			Int("provided_count", len(names)).
			Int("registered_count", len(e.instances)).
			Msg("failed to set start order: count mismatch")
		return fmt.Errorf("%w (provided: %d, registered: %d)", ErrStartOrderMismatch, len(names), len(e.instances))
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, exists := e.instances[name]; !exists {
			log.Error().Str("extension", name).Msg("failed to set start order: extension not registered")
			return fmt.Errorf("%w: %s", ErrStartOrderMissing, name)
		}
		if _, duplicate := seen[name]; duplicate {
			log.Error().Str("extension", name).Msg("failed to set start order: duplicate extension name")
			return fmt.Errorf("%w: %s", ErrStartOrderDuplicate, name)
		}
		seen[name] = struct{}{}
	}

	e.startOrder = append([]string(nil), names...)
	log.Info().Strs("start_order", e.startOrder).Msg("extension start order set")
	return nil
}

// Proxy retrieves the proxy registered under the given instance name.
func (e *Engine) Proxy(name string) (*extension.Proxy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, exists := e.instances[name]
	if !exists {
		return nil, false
	}
	return inst.proxy, true
}

// StartAll drives every registered instance through configure, init and
// start, in the configured order, waiting for each acknowledgment. If any
// stage fails the instances already started are shut down (rollback) in
// reverse order and the original error is returned.
func (e *Engine) StartAll(ctx context.Context) error {
	e.mu.RLock()
	order := append([]string(nil), e.startOrder...)
	e.mu.RUnlock()

	startedSoFar := make([]string, 0, len(order))

	for _, name := range order {
		e.mu.RLock()
		inst, exists := e.instances[name]
		e.mu.RUnlock()
		if !exists {
			log.Warn().Str("extension", name).Msg("extension in start order but not registered during StartAll")
			continue
		}

		log.Debug().Str("extension", name).Msg("starting extension...")
		startTime := time.Now()
		if err := e.startInstance(ctx, name, inst); err != nil {
			log.Error().Str("extension", name).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to start extension")
			e.shutdownSpecific(ctx, startedSoFar)
			return fmt.Errorf("failed to start extension %s: %w", name, err)
		}

		e.mu.Lock()
		e.started[name] = true
		e.mu.Unlock()
		startedSoFar = append(startedSoFar, name)

		log.Info().Str("extension", name).Dur("duration", time.Since(startTime)).Msg("extension started successfully")
	}

	return nil
}

// startInstance runs configure/init/start for one instance and wires its
// inbound bus topics.
func (e *Engine) startInstance(ctx context.Context, name string, inst *instance) error {
	stages := []struct {
		stage string
		call  func() error
	}{
		{"configure", inst.proxy.Configure},
		{"init", inst.proxy.Init},
		{"start", inst.proxy.Start},
	}
	for _, s := range stages {
		if err := s.call(); err != nil {
			return err
		}
		if err := e.waitAck(ctx, name, inst, s.stage); err != nil {
			return err
		}
	}
	return e.subscribeInbound(ctx, name, inst)
}

// subscribeInbound routes the instance's inbound topics to its proxy entry
// points.
func (e *Engine) subscribeInbound(ctx context.Context, name string, inst *instance) error {
	routes := []struct {
		flavor  string
		deliver func(env *msg.Envelope)
	}{
		{bus.TopicCmd, func(env *msg.Envelope) {
			if env.Cmd != nil {
				e.deliver(name, inst.proxy.Cmd(env.Cmd))
			}
		}},
		{bus.TopicData, func(env *msg.Envelope) {
			if env.Data != nil {
				e.deliver(name, inst.proxy.Data(env.Data))
			}
		}},
		{bus.TopicAudio, func(env *msg.Envelope) {
			if env.AudioFrame != nil {
				e.deliver(name, inst.proxy.AudioFrame(env.AudioFrame))
			}
		}},
		{bus.TopicVideo, func(env *msg.Envelope) {
			if env.VideoFrame != nil {
				e.deliver(name, inst.proxy.VideoFrame(env.VideoFrame))
			}
		}},
	}
	for _, r := range routes {
		route := r
		id, err := e.broker.Subscribe(ctx, bus.ExtensionTopic(name, route.flavor),
			func(_ context.Context, env *msg.Envelope) { route.deliver(env) })
		if err != nil {
			return err
		}
		inst.subs = append(inst.subs, id)
	}
	return nil
}

func (e *Engine) deliver(name string, err error) {
	if err != nil {
		log.Warn().Str("extension", name).Err(err).Msg("failed to deliver inbound message")
	}
}

// waitAck blocks until the instance acknowledges the named stage or the ack
// timeout elapses.
func (e *Engine) waitAck(ctx context.Context, name string, inst *instance, stage string) error {
	timer := time.NewTimer(e.ackTimeout)
	defer timer.Stop()

	select {
	case got := <-inst.acks.ch:
		if got != stage {
			return fmt.Errorf("engine: expected %s acknowledgment from %s, got %s", stage, name, got)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ackTimeoutError(name, stage)
	}
}

// ShutdownAll stops and deinitializes every started instance in reverse
// start order. It attempts all instances even if some fail; failures are
// aggregated and returned together.
func (e *Engine) ShutdownAll(ctx context.Context) error {
	e.mu.RLock()
	order := append([]string(nil), e.startOrder...)
	e.mu.RUnlock()

	var allErrors []error

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]

		e.mu.RLock()
		inst, exists := e.instances[name]
		isStarted := e.started[name]
		e.mu.RUnlock()

		if !exists || !isStarted {
			continue
		}

		log.Debug().Str("extension", name).Msg("shutting down extension...")
		startTime := time.Now()
		if err := e.shutdownInstance(ctx, name, inst); err != nil {
			log.Error().Str("extension", name).Dur("duration", time.Since(startTime)).Err(err).Msg("failed to shut down extension")
			allErrors = append(allErrors, fmt.Errorf("failed to shutdown extension %s: %w", name, err))
		} else {
			log.Info().Str("extension", name).Dur("duration", time.Since(startTime)).Msg("extension shut down successfully")
		}

		e.mu.Lock()
		delete(e.started, name)
		e.mu.Unlock()
	}

	if len(allErrors) > 0 {
		log.Warn().Int("error_count", len(allErrors)).Msg("shutdown completed with errors")
		return errors.Join(allErrors...)
	}
	return nil
}

// shutdownInstance unsubscribes the instance's topics then runs stop/deinit.
func (e *Engine) shutdownInstance(ctx context.Context, name string, inst *instance) error {
	for _, id := range inst.subs {
		if err := e.broker.Unsubscribe(ctx, id); err != nil {
			log.Warn().Str("extension", name).Str("subscription_id", id).Err(err).Msg("failed to unsubscribe inbound topic")
		}
	}
	inst.subs = nil

	if err := inst.proxy.Stop(); err != nil {
		return err
	}
	if err := e.waitAck(ctx, name, inst, "stop"); err != nil {
		return err
	}
	if err := inst.proxy.Deinit(); err != nil {
		return err
	}
	return e.waitAck(ctx, name, inst, "deinit")
}

// shutdownSpecific rolls back the instances started before a StartAll
// failure, in reverse order. The caller must not hold the engine's lock.
func (e *Engine) shutdownSpecific(ctx context.Context, names []string) {
	var allErrors []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]

		e.mu.RLock()
		inst, exists := e.instances[name]
		isStarted := e.started[name]
		e.mu.RUnlock()

		if !exists || !isStarted {
			continue
		}

		log.Warn().Str("extension", name).Msg("executing rollback shutdown...")
		if err := e.shutdownInstance(ctx, name, inst); err != nil {
			log.Error().Str("extension", name).Err(err).Msg("rollback shutdown failed")
			allErrors = append(allErrors, fmt.Errorf("rollback shutdown failed for %s: %w", name, err))
		}

		e.mu.Lock()
		delete(e.started, name)
		e.mu.Unlock()
	}
	if len(allErrors) > 0 {
		log.Error().Errs("rollback_errors", allErrors).Msg("errors occurred during start failure rollback")
	}
}
