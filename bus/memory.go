package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voicelane/bridge/msg"
)

var (
	errMemoryClosed      = errors.New("bus: memory backend is closed")
	errSubNotFound       = errors.New("bus: subscription not found")
	errSubscriberStopped = errors.New("bus: subscription is stopping")
)

// subscription couples a handler with its delivery queue and workers.
type subscription struct {
	id      string
	topic   string
	handler Handler
	opts    *SubscriptionOptions

	queue    chan *msg.Envelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSubscription(topic string, handler Handler, opts ...Option) *subscription {
	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	s := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		opts:    options,
		queue:   make(chan *msg.Envelope, options.BufferSize),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(options.Concurrency)
	for i := 0; i < options.Concurrency; i++ {
		go s.runWorker()
	}
	return s
}

func (s *subscription) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case env := <-s.queue:
			if env == nil {
				continue
			}
			s.handler(context.Background(), env)
		}
	}
}

// deliver queues an envelope for this subscription. A full buffer drops the
// envelope after the dispatch timeout so one slow subscriber cannot stall the
// publisher indefinitely.
func (s *subscription) deliver(ctx context.Context, env *msg.Envelope) error {
	timer := time.NewTimer(s.opts.DispatchTimeout)
	defer timer.Stop()

	select {
	case s.queue <- env:
		return nil
	case <-s.stopCh:
		return errSubscriberStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		log.Warn().
			Str("subscription_id", s.id).
			Str("topic", s.topic).
			Int("buffer_cap", cap(s.queue)).
			Msg("subscriber buffer full, dropping envelope")
		return nil
	}
}

// stop signals the workers and waits for them to exit.
func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// MemoryPubSub implements PubSub with in-process delivery.
type MemoryPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]map[string]*subscription // topic -> subID -> subscription
	subs   map[string]*subscription            // subID -> subscription
}

// NewMemoryPubSub creates a new in-memory PubSub instance.
func NewMemoryPubSub() PubSub {
	return &MemoryPubSub{
		topics: make(map[string]map[string]*subscription),
		subs:   make(map[string]*subscription),
	}
}

// Publish queues the envelope sequentially to every subscriber of the topic.
func (m *MemoryPubSub) Publish(ctx context.Context, topic string, env *msg.Envelope) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errMemoryClosed
	}
	subsToNotify := make([]*subscription, 0, len(m.topics[topic]))
	for _, sub := range m.topics[topic] {
		subsToNotify = append(subsToNotify, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subsToNotify {
		if err := sub.deliver(ctx, env); err != nil {
			if errors.Is(err, errSubscriberStopped) {
				continue
			}
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for the topic.
func (m *MemoryPubSub) Subscribe(_ context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	if topic == "" {
		return "", errors.New("bus: topic cannot be empty")
	}
	if handler == nil {
		return "", errors.New("bus: handler cannot be nil")
	}

	sub := newSubscription(topic, handler, opts...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.stop()
		return "", errMemoryClosed
	}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]*subscription)
	}
	m.topics[topic][sub.id] = sub
	m.subs[sub.id] = sub
	m.mu.Unlock()

	log.Debug().Str("topic", topic).Str("subscription_id", sub.id).Msg("memory subscription added")
	return sub.id, nil
}

// Unsubscribe stops and removes the subscription with the given ID.
func (m *MemoryPubSub) Unsubscribe(_ context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		delete(m.topics[sub.topic], id)
	}
	m.mu.Unlock()

	if !ok {
		return errSubNotFound
	}
	sub.stop()
	log.Debug().Str("topic", sub.topic).Str("subscription_id", id).Msg("memory subscription removed")
	return nil
}

// Close stops every subscription's workers and rejects further use.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subsToStop := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subsToStop = append(subsToStop, sub)
	}
	m.topics = make(map[string]map[string]*subscription)
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(subsToStop))
	for _, sub := range subsToStop {
		go func(s *subscription) {
			defer wg.Done()
			s.stop()
		}(sub)
	}
	wg.Wait()

	log.Debug().Int("subscriptions", len(subsToStop)).Msg("memory pubsub closed")
	return nil
}
