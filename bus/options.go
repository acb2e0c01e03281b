package bus

import "time"

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// Concurrency is the number of worker goroutines invoking the handler.
	// Defaults to 1, which preserves per-subscription delivery order.
	Concurrency int
	// BufferSize is the capacity of the queue between the topic dispatcher
	// and the handler workers. Defaults to 128.
	BufferSize int
	// DispatchTimeout bounds how long the dispatcher waits on a full
	// subscriber buffer before dropping the envelope for that subscriber.
	// Defaults to 100ms.
	DispatchTimeout time.Duration
}

// Option is a function type used to configure subscriptions.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{
		Concurrency:     1,
		BufferSize:      128,
		DispatchTimeout: 100 * time.Millisecond,
	}
}

// Apply applies the options to the SubscriptionOptions struct.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}

// WithConcurrency sets the number of handler worker goroutines.
func WithConcurrency(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithBufferSize sets the subscription queue capacity.
func WithBufferSize(size int) Option {
	return func(o *SubscriptionOptions) {
		if size > 0 {
			o.BufferSize = size
		}
	}
}

// WithDispatchTimeout sets how long a publisher waits on a full subscriber
// buffer before dropping the envelope for that subscriber.
func WithDispatchTimeout(d time.Duration) Option {
	return func(o *SubscriptionOptions) {
		if d > 0 {
			o.DispatchTimeout = d
		}
	}
}
