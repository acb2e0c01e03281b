package extension

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/voicelane/bridge/bus"
	"github.com/voicelane/bridge/lane"
	"github.com/voicelane/bridge/msg"
)

// Env is the environment handle an extension receives in every callback. It
// is bound to the instance's lane: user code schedules further asynchronous
// work and sends messages back toward the pipeline through it without ever
// touching goroutine or lane primitives directly.
type Env struct {
	proxy     *Proxy
	extension string
	ln        *lane.Lane
	broker    *bus.Broker
	log       zerolog.Logger
}

// Extension returns the owning instance's name.
func (e *Env) Extension() string { return e.extension }

// Log returns the instance-scoped logger.
func (e *Env) Log() *zerolog.Logger { return &e.log }

// Post schedules a task onto the instance's lane. The task is tracked by the
// instance task gate, so deinit will not complete until it finishes, and it
// runs under the same fatal-fault policy as lifecycle callbacks.
func (e *Env) Post(fn func(ctx context.Context) error) error {
	return e.proxy.schedule("post", fn)
}

// SendCmd publishes a command to the named target extension's inbound topic.
func (e *Env) SendCmd(ctx context.Context, target string, cmd *msg.Cmd) error {
	return e.send(ctx, bus.ExtensionTopic(target, bus.TopicCmd), cmd)
}

// SendData publishes a data message to the named target extension.
func (e *Env) SendData(ctx context.Context, target string, data *msg.Data) error {
	return e.send(ctx, bus.ExtensionTopic(target, bus.TopicData), data)
}

// SendAudioFrame publishes an audio frame to the named target extension.
func (e *Env) SendAudioFrame(ctx context.Context, target string, frame *msg.AudioFrame) error {
	return e.send(ctx, bus.ExtensionTopic(target, bus.TopicAudio), frame)
}

// SendVideoFrame publishes a video frame to the named target extension.
func (e *Env) SendVideoFrame(ctx context.Context, target string, frame *msg.VideoFrame) error {
	return e.send(ctx, bus.ExtensionTopic(target, bus.TopicVideo), frame)
}

// Publish sends an envelope to an arbitrary topic, for extensions feeding
// consumers outside the per-extension routing scheme.
func (e *Env) Publish(ctx context.Context, topic string, m any) error {
	return e.send(ctx, topic, m)
}

func (e *Env) send(ctx context.Context, topic string, m any) error {
	if e.broker == nil {
		return ErrNoBroker
	}
	env, err := msg.Wrap(m)
	if err != nil {
		return err
	}
	if env.Cmd != nil && env.Cmd.Source == "" {
		env.Cmd.Source = e.extension
	}
	if env.Data != nil && env.Data.Source == "" {
		env.Data.Source = e.extension
	}
	if env.AudioFrame != nil && env.AudioFrame.Source == "" {
		env.AudioFrame.Source = e.extension
	}
	if env.VideoFrame != nil && env.VideoFrame.Source == "" {
		env.VideoFrame.Source = e.extension
	}
	return e.broker.Publish(ctx, topic, env)
}
