package lane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestHandleBeforeAcquire(t *testing.T) {
	m := NewManager("shared")
	ln, err := m.Handle()
	require.ErrorIs(t, err, ErrNotStarted)
	assert.Nil(t, ln)
}

func TestConcurrentAcquireCreatesOneLane(t *testing.T) {
	m := NewManager("shared")

	const n = 32
	lanes := make([]*Lane, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			lanes[i] = m.Acquire()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, lanes[0], lanes[i], "all acquirers must share one lane")
	}
	assert.Equal(t, n, m.RefCount())

	for i := 0; i < n; i++ {
		m.Release()
	}
	waitClosed(t, lanes[0].Done(), time.Second, "shared lane did not stop after last release")
}

func TestRefCountArithmetic(t *testing.T) {
	m := NewManager("shared")

	for i := 0; i < 5; i++ {
		m.Acquire()
	}
	assert.Equal(t, 5, m.RefCount())

	m.Release()
	assert.Equal(t, 3, m.Release())
	assert.Equal(t, 3, m.RefCount())

	ln, err := m.Handle()
	require.NoError(t, err)
	assert.True(t, ln.Alive(), "lane must stay alive while references remain")

	m.Release()
	m.Release()
	assert.Equal(t, 0, m.Release())
	waitClosed(t, ln.Done(), time.Second, "lane did not stop at refcount zero")
}

func TestAcquireAfterFullShutdownRestarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewManager("shared")
	first := m.Acquire()
	m.Release()
	waitClosed(t, first.Done(), time.Second, "first lane did not stop")

	second := m.Acquire()
	require.NotSame(t, first, second, "a fresh lane must be created after full shutdown")
	assert.True(t, second.Alive())
	assert.Equal(t, 1, m.RefCount())

	m.Release()
	waitClosed(t, second.Done(), time.Second, "second lane did not stop")
}

func TestReacquireBeforeScheduledShutdownRuns(t *testing.T) {
	m := NewManager("shared")

	first := m.Acquire()
	m.Release() // queues the shutdown onto the lane

	// A new tenant arrives before the queued shutdown task executes.
	second := m.Acquire()
	assert.Equal(t, 1, m.RefCount())

	// Tasks start in submission order, so once this marker has run the
	// queued shutdown task has already executed and must have yielded.
	ran := make(chan struct{})
	require.NoError(t, second.Submit(func(context.Context) { close(ran) }))
	waitClosed(t, ran, time.Second, "lane unusable after re-acquire")

	// Give a stale shutdown (started but unfinished) time to do damage.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, second.Alive(), "queued shutdown must not kill a re-acquired lane")
	require.NoError(t, second.Submit(func(context.Context) {}))

	if first == second {
		// Same-lane interleaving: the stale shutdown was skipped.
		ln, err := m.Handle()
		require.NoError(t, err)
		assert.Same(t, second, ln)
	}

	m.Release()
	waitClosed(t, second.Done(), time.Second, "lane did not stop after last release")
}

func TestSecondTenantKeepsLaneAlive(t *testing.T) {
	m := NewManager("shared")

	first := m.Acquire()
	second := m.Acquire()
	require.Same(t, first, second)

	// First tenant leaves: the lane must remain usable for the second.
	m.Release()
	assert.Equal(t, 1, m.RefCount())
	require.True(t, first.Alive())

	ran := make(chan struct{})
	require.NoError(t, first.Submit(func(context.Context) { close(ran) }))
	waitClosed(t, ran, time.Second, "lane unusable after first tenant released")

	// Second tenant leaves: the lane must wind down within the grace period.
	m.Release()
	waitClosed(t, first.Done(), time.Second, "lane did not stop after last tenant left")
}
