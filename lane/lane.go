// Package lane implements the execution lanes the runtime schedules extension
// callbacks onto: a lane is one dispatcher goroutine draining an ordered task
// queue, and a Manager amortizes a single shared lane across many extension
// instances via reference counting.
package lane

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Predefined errors for common scenarios in lane management.
var (
	ErrLaneClosed = errors.New("lane: lane is shut down")
	ErrNotStarted = errors.New("lane: shared lane has not been acquired yet")
)

// DefaultDrainGrace is how long a stopping lane waits for in-flight tasks to
// honor cancellation before abandoning them.
const DefaultDrainGrace = 500 * time.Millisecond

// Task is a unit of work submitted to a lane. The context is the lane's own
// context; it is canceled when the lane shuts down, and tasks are expected to
// honor that cancellation within the drain grace window.
type Task func(ctx context.Context)

// Lane is a single execution lane: tasks submitted from any goroutine are
// started strictly in submission order by one dispatcher goroutine. Each task
// runs in its own goroutine so a suspended task never delays later ones.
type Lane struct {
	name  string
	grace time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	ready chan struct{} // closed once the dispatcher is pumping
	done  chan struct{} // closed after drain completes

	tasks sync.WaitGroup // in-flight task goroutines
}

// NewLane creates and starts a lane. The returned lane is already accepting
// submissions; Ready() reports when the dispatcher is pumping. A non-positive
// grace falls back to DefaultDrainGrace.
func NewLane(name string, grace time.Duration) *Lane {
	if grace <= 0 {
		grace = DefaultDrainGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lane{
		name:   name,
		grace:  grace,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Submit enqueues a task. It never blocks the caller: the task is appended to
// the queue and the dispatcher is signaled. Returns ErrLaneClosed if shutdown
// has already been requested.
func (l *Lane) Submit(task Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrLaneClosed
	}
	l.queue = append(l.queue, task)
	l.cond.Signal()
	return nil
}

// Shutdown requests the lane to stop. It never blocks: the dispatcher stops
// dequeuing, cancels the lane context so in-flight tasks can wind down, and
// waits up to the grace window before abandoning stragglers. Tasks still
// queued at that point are started with the already canceled context, so a
// submitter's per-task bookkeeping always runs. Wait on Done() for
// completion. Safe to call from any goroutine, including lane tasks.
func (l *Lane) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	l.cond.Broadcast()
}

// Ready returns a channel closed once the dispatcher goroutine is pumping.
// No task runs before this point.
func (l *Lane) Ready() <-chan struct{} { return l.ready }

// Done returns a channel closed once shutdown and draining have finished.
func (l *Lane) Done() <-chan struct{} { return l.done }

// Alive reports whether the lane still accepts submissions.
func (l *Lane) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.stopped
}

// Name returns the lane's name, used in log fields.
func (l *Lane) Name() string { return l.name }

// Context returns the lane context handed to every task.
func (l *Lane) Context() context.Context { return l.ctx }

// run is the dispatcher body: dequeue in order, start each task in its own
// goroutine, then drain on shutdown.
func (l *Lane) run() {
	lg := log.With().Str("lane", l.name).Logger()
	close(l.ready)
	lg.Debug().Msg("lane dispatcher started")

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped {
			dropped := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(dropped) > 0 {
				lg.Warn().Int("dropped", len(dropped)).Msg("lane stopping, queued tasks run with a canceled context")
			}
			// Cancel before starting them so they observe shutdown
			// immediately; any bookkeeping they carry still runs.
			l.cancel()
			for _, task := range dropped {
				l.tasks.Add(1)
				go func(task Task) {
					defer l.tasks.Done()
					task(l.ctx)
				}(task)
			}
			break
		}
		task := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.tasks.Add(1)
		go func() {
			defer l.tasks.Done()
			task(l.ctx)
		}()
	}

	l.drain(lg)
	close(l.done)
	lg.Debug().Msg("lane dispatcher finished")
}

// drain cancels the lane context and gives in-flight tasks the grace window
// to finish. Tasks that miss the window are logged and abandoned; their
// cancellation remains requested so they cannot run unbounded useful work.
func (l *Lane) drain(lg zerolog.Logger) {
	l.cancel()

	waitCh := make(chan struct{})
	go func() {
		l.tasks.Wait()
		close(waitCh)
	}()

	timer := time.NewTimer(l.grace)
	defer timer.Stop()

	select {
	case <-waitCh:
		lg.Debug().Msg("lane drained cleanly")
	case <-timer.C:
		lg.Warn().Dur("grace", l.grace).Msg("tasks did not finish within drain grace window")
	}
}
