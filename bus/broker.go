package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/voicelane/bridge/msg"
)

// Topic naming scheme for per-extension delivery.
const (
	TopicCmd   = "cmd"
	TopicData  = "data"
	TopicAudio = "audio"
	TopicVideo = "video"
)

// ExtensionTopic returns the inbound topic for one message flavor of a named
// extension instance, e.g. "ext.asr.audio".
func ExtensionTopic(extension, flavor string) string {
	return "ext." + extension + "." + flavor
}

// Broker acts as a wrapper around a PubSub implementation. It allows easy
// switching between different backends (memory, redis).
type Broker struct {
	impl PubSub
	mu   sync.RWMutex // Protects the impl field once Close sets it to nil
}

// BrokerOption defines an option for configuring the Broker.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient *redis.Client
}

// WithRedisClient selects the redis backend using the given client.
func WithRedisClient(client *redis.Client) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// New creates a new Broker instance. By default it uses the memory backend;
// use WithRedisClient to select the redis backend.
func New(opts ...BrokerOption) (*Broker, error) {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var ps PubSub
	if options.redisClient != nil {
		log.Info().Msg("initializing broker with redis envelope backend")
		ps = NewRedisPubSub(options.redisClient)
	} else {
		log.Info().Msg("initializing broker with memory envelope backend")
		ps = NewMemoryPubSub()
	}

	return &Broker{impl: ps}, nil
}

// Publish delegates to the underlying PubSub implementation.
func (b *Broker) Publish(ctx context.Context, topic string, env *msg.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errors.New("bus: broker not initialized")
	}
	return b.impl.Publish(ctx, topic, env)
}

// Subscribe delegates to the underlying PubSub implementation.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return "", errors.New("bus: broker not initialized")
	}
	return b.impl.Subscribe(ctx, topic, handler, opts...)
}

// Unsubscribe delegates to the underlying PubSub implementation.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errors.New("bus: broker not initialized")
	}
	return b.impl.Unsubscribe(ctx, id)
}

// Close closes the underlying PubSub implementation.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.impl == nil {
		return nil
	}
	err := b.impl.Close()
	b.impl = nil
	return err
}
