package lane

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Manager owns at most one shared lane and amortizes it across every
// extension instance running in shared mode. The lane is created lazily on
// the first Acquire, handed out by reference to each subsequent acquirer and
// torn down, draining in-flight tasks, only when the last user releases it.
//
// A Manager is an ordinary value: construct one per process for the usual
// deployment, or several independent ones in tests. The reference count and
// the lane handle are mutated only under the manager's mutex, in short
// critical sections; waiting for lane readiness happens outside the mutex so
// a starting dispatcher can never deadlock an acquirer.
type Manager struct {
	name  string
	grace time.Duration

	mu   sync.Mutex
	refs int
	ln   *Lane
	gen  int // lane generation, for log correlation across restarts
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDrainGrace sets the grace window the shared lane allots to in-flight
// tasks during shutdown. Defaults to DefaultDrainGrace.
func WithDrainGrace(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// NewManager creates a Manager. No lane is started until the first Acquire.
func NewManager(name string, opts ...ManagerOption) *Manager {
	m := &Manager{
		name:  name,
		grace: DefaultDrainGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire registers one more user of the shared lane, starting it if absent
// (or if the previous lane died), and returns the lane handle once its
// dispatcher is pumping. Concurrent acquirers racing a starting lane are
// serialized on the manager mutex for the create-if-absent check and the
// increment; they all wait on the same ready gate outside the mutex and
// receive the same handle.
func (m *Manager) Acquire() *Lane {
	m.mu.Lock()
	m.refs++
	if m.ln == nil || !m.ln.Alive() {
		m.gen++
		m.ln = NewLane(laneName(m.name, m.gen), m.grace)
		log.Info().Str("lane", m.ln.Name()).Int("refs", m.refs).Msg("shared lane started")
	}
	ln := m.ln
	m.mu.Unlock()

	// Wait for readiness outside the lock. If the lane is already pumping
	// this returns immediately.
	<-ln.Ready()
	return ln
}

// Handle returns the shared lane without acquiring it. It fails with
// ErrNotStarted if no Acquire has happened yet or the lane has already been
// shut down.
func (m *Manager) Handle() (*Lane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ln == nil || !m.ln.Alive() {
		return nil, ErrNotStarted
	}
	return m.ln, nil
}

// Release deregisters one user and returns the remaining reference count.
// When the count reaches zero the stop signal is scheduled onto the lane
// itself, so the dispatcher finishes its current cycle before draining; the
// caller is never blocked.
func (m *Manager) Release() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs--
	if m.refs <= 0 {
		m.refs = 0
		if m.ln != nil && m.ln.Alive() {
			ln := m.ln
			log.Info().Str("lane", ln.Name()).Msg("last user released, scheduling shared lane shutdown")
			stop := func(context.Context) {
				// An Acquire may land before this task runs; the lane
				// then belongs to the new user and must stay up.
				m.mu.Lock()
				revived := m.refs > 0 && m.ln == ln
				m.mu.Unlock()
				if revived {
					log.Info().Str("lane", ln.Name()).Msg("shared lane re-acquired before shutdown, keeping it")
					return
				}
				ln.Shutdown()
			}
			if err := ln.Submit(stop); err != nil {
				// Lane stopped between the Alive check and Submit.
				ln.Shutdown()
			}
		}
	}
	return m.refs
}

// RefCount returns the current number of registered users.
func (m *Manager) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

func laneName(base string, gen int) string {
	if gen <= 1 {
		return base
	}
	return base + "#" + strconv.Itoa(gen)
}
