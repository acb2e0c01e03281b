// Package bus moves message envelopes between the host engine and extension
// instances. The default backend is in-memory; a redis backend carries the
// same envelopes across process boundaries for pipelines whose producers
// (telephony servers, remote recognizers) run elsewhere.
package bus

import (
	"context"

	"github.com/voicelane/bridge/msg"
)

// Handler consumes envelopes delivered to a subscription. It runs on the
// subscription's worker goroutine(s), never on the publisher's goroutine.
type Handler func(ctx context.Context, env *msg.Envelope)

// PubSub defines the interface for an envelope transport backend.
type PubSub interface {
	// Publish sends an envelope to the given topic. It blocks until the
	// envelope is queued to every subscriber's buffer or the context is
	// canceled; a full subscriber buffer drops the envelope for that
	// subscriber after the dispatch timeout.
	Publish(ctx context.Context, topic string, env *msg.Envelope) error

	// Subscribe registers a handler for a topic and returns the
	// subscription ID.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given ID.
	Unsubscribe(ctx context.Context, id string) error

	// Close shuts the backend down, stopping all subscription workers.
	Close() error
}
