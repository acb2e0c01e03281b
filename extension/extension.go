// Package extension defines the interface extension modules implement and
// the lifecycle proxy that marshals host callbacks onto execution lanes.
package extension

import (
	"context"
	"errors"

	"github.com/voicelane/bridge/msg"
)

// Extension defines the callback surface an extension module implements.
// Every callback runs on the instance's lane, never on the host's calling
// goroutine. The context is the lane context: it is canceled when the lane
// shuts down, and long-running callbacks are expected to honor it.
//
// An error returned from any callback, like a panic escaping one, is treated
// as an unrecoverable fault: the runtime logs it and terminates the process,
// because the host's lifecycle state machine has no defined semantics for an
// instance dying mid-callback while the process lives on.
type Extension interface {
	// OnConfigure is the first callback after the instance is loaded.
	OnConfigure(ctx context.Context, env *Env) error

	// OnInit prepares resources before the pipeline starts.
	OnInit(ctx context.Context, env *Env) error

	// OnStart begins active processing.
	OnStart(ctx context.Context, env *Env) error

	// OnStop ends active processing.
	OnStop(ctx context.Context, env *Env) error

	// OnDeinit releases resources. After its acknowledgment the runtime
	// guarantees no further callback for this instance is in flight.
	OnDeinit(ctx context.Context, env *Env) error

	// OnCmd handles a command message.
	OnCmd(ctx context.Context, env *Env, cmd *msg.Cmd) error

	// OnData handles an opaque data message.
	OnData(ctx context.Context, env *Env, data *msg.Data) error

	// OnAudioFrame handles a PCM audio frame.
	OnAudioFrame(ctx context.Context, env *Env, frame *msg.AudioFrame) error

	// OnVideoFrame handles a video frame.
	OnVideoFrame(ctx context.Context, env *Env, frame *msg.VideoFrame) error
}

// Host is the surface the proxy acknowledges lifecycle completion through.
// Acknowledgments are invoked from the instance's lane; the host must not
// block in them.
type Host interface {
	OnConfigureDone()
	OnInitDone()
	OnStartDone()
	OnStopDone()
	OnDeinitDone()
}

// Base provides no-op implementations of every Extension callback. Embed it
// and override the callbacks the extension cares about.
type Base struct{}

func (Base) OnConfigure(context.Context, *Env) error                   { return nil }
func (Base) OnInit(context.Context, *Env) error                        { return nil }
func (Base) OnStart(context.Context, *Env) error                       { return nil }
func (Base) OnStop(context.Context, *Env) error                        { return nil }
func (Base) OnDeinit(context.Context, *Env) error                      { return nil }
func (Base) OnCmd(context.Context, *Env, *msg.Cmd) error               { return nil }
func (Base) OnData(context.Context, *Env, *msg.Data) error             { return nil }
func (Base) OnAudioFrame(context.Context, *Env, *msg.AudioFrame) error { return nil }
func (Base) OnVideoFrame(context.Context, *Env, *msg.VideoFrame) error { return nil }

// Predefined errors for common scenarios in proxy usage.
var (
	ErrInvalidTransition = errors.New("extension: lifecycle callback out of order")
	ErrNoManager         = errors.New("extension: shared lane mode requires a lane manager")
	ErrNoBroker          = errors.New("extension: no broker configured")
)
