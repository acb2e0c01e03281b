package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/voicelane/bridge/msg"
)

var errRedisClosed = errors.New("bus: redis backend is closed")

// redisSubscription tracks one native redis Pub/Sub subscription and the
// goroutines decoding its envelopes.
type redisSubscription struct {
	id     string
	topic  string
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *redisSubscription) stop() {
	s.cancel()
	if err := s.pubsub.Close(); err != nil {
		log.Warn().Err(err).Str("topic", s.topic).Msg("error closing redis subscription")
	}
	s.wg.Wait()
}

// RedisPubSub implements PubSub on top of redis native Pub/Sub, carrying
// JSON-serialized envelopes so producers in other processes can feed the
// pipeline.
type RedisPubSub struct {
	rdb    *redis.Client
	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscription
}

// NewRedisPubSub creates a redis-backed PubSub using the given client.
func NewRedisPubSub(rdb *redis.Client) PubSub {
	return &RedisPubSub{
		rdb:  rdb,
		subs: make(map[string]*redisSubscription),
	}
}

// Publish serializes the envelope and publishes it on the topic channel.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, env *msg.Envelope) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errRedisClosed
	}

	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, topic, payload).Err()
}

// Subscribe opens a native subscription on the topic and starts handler
// workers decoding envelopes from it.
func (r *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error) {
	if topic == "" {
		return "", errors.New("bus: topic cannot be empty")
	}
	if handler == nil {
		return "", errors.New("bus: handler cannot be nil")
	}

	options := DefaultSubscriptionOptions()
	options.Apply(opts...)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errRedisClosed
	}
	r.mu.Unlock()

	pubsub := r.rdb.Subscribe(ctx, topic)
	// Force the subscription to be established before returning so callers
	// can publish immediately afterwards.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return "", err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		id:     uuid.NewString(),
		topic:  topic,
		pubsub: pubsub,
		cancel: cancel,
	}

	ch := pubsub.Channel(redis.WithChannelSize(options.BufferSize))
	sub.wg.Add(options.Concurrency)
	for i := 0; i < options.Concurrency; i++ {
		go func() {
			defer sub.wg.Done()
			for m := range ch {
				env, err := msg.Unmarshal([]byte(m.Payload))
				if err != nil {
					log.Error().Err(err).Str("topic", topic).Msg("dropping undecodable redis envelope")
					continue
				}
				handler(workerCtx, env)
			}
		}()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.stop()
		return "", errRedisClosed
	}
	r.subs[sub.id] = sub
	r.mu.Unlock()

	log.Debug().Str("topic", topic).Str("subscription_id", sub.id).Msg("redis subscription added")
	return sub.id, nil
}

// Unsubscribe closes the subscription with the given ID.
func (r *RedisPubSub) Unsubscribe(_ context.Context, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if !ok {
		return errSubNotFound
	}
	sub.stop()
	return nil
}

// Close stops all subscriptions. The redis client itself is owned by the
// caller and left open.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subsToStop := make([]*redisSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subsToStop = append(subsToStop, sub)
	}
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	for _, sub := range subsToStop {
		sub.stop()
	}
	return nil
}
