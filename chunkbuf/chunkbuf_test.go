package chunkbuf

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvalidThreshold(t *testing.T) {
	for _, threshold := range []int{0, -1, -1600} {
		b, err := New(threshold)
		require.ErrorIs(t, err, ErrInvalidThreshold)
		assert.Nil(t, b)
	}
}

func TestChunkAlignment(t *testing.T) {
	// k*n + r bytes pushed in irregular pieces must come out as exactly k
	// chunks of n bytes, then the r-byte tail after close.
	const n = 7
	b, err := New(n)
	require.NoError(t, err)

	payload := make([]byte, 3*n+4)
	for i := range payload {
		payload[i] = byte(i)
	}
	// Push in uneven pieces.
	require.NoError(t, b.Push(payload[:5]))
	require.NoError(t, b.Push(payload[5:6]))
	require.NoError(t, b.Push(payload[6:20]))
	require.NoError(t, b.Push(payload[20:]))

	ctx := context.Background()
	var got []byte
	for i := 0; i < 3; i++ {
		chunk, err := b.Pull(ctx)
		require.NoError(t, err)
		require.Len(t, chunk, n)
		got = append(got, chunk...)
	}

	b.Close()
	tail, err := b.Pull(ctx)
	require.NoError(t, err)
	require.Len(t, tail, 4)
	got = append(got, tail...)

	assert.True(t, bytes.Equal(payload, got), "chunks must preserve byte order")
}

func TestEndToEndScenario(t *testing.T) {
	b, err := New(1600)
	require.NoError(t, err)

	require.NoError(t, b.Push(make([]byte, 1000)))
	require.NoError(t, b.Push(make([]byte, 1000)))
	b.Close()

	ctx := context.Background()
	first, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 1600)

	second, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Len(t, second, 400)

	third, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestEOFIsIdempotent(t *testing.T) {
	b, err := New(10)
	require.NoError(t, err)
	b.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		out, err := b.Pull(ctx)
		require.NoError(t, err)
		assert.Empty(t, out)
	}
}

func TestPushAfterClose(t *testing.T) {
	b, err := New(10)
	require.NoError(t, err)
	b.Close()
	b.Close() // double close must not corrupt state

	require.ErrorIs(t, b.Push([]byte("x")), ErrClosed)
	assert.True(t, b.Closed())
}

func TestPullBlocksUntilThresholdReached(t *testing.T) {
	b, err := New(4)
	require.NoError(t, err)
	require.NoError(t, b.Push([]byte("ab")))

	got := make(chan []byte, 1)
	go func() {
		chunk, err := b.Pull(context.Background())
		if err == nil {
			got <- chunk
		}
	}()

	select {
	case <-got:
		t.Fatal("pull returned before threshold was reached")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Push([]byte("cd")))
	select {
	case chunk := <-got:
		assert.Equal(t, []byte("abcd"), chunk)
	case <-time.After(time.Second):
		t.Fatal("pull did not wake after threshold was reached")
	}
}

func TestCloseReleasesBlockedPull(t *testing.T) {
	// Close racing a blocked Pull must always release the waiter.
	for i := 0; i < 100; i++ {
		b, err := New(100)
		require.NoError(t, err)
		require.NoError(t, b.Push([]byte("partial")))

		var wg sync.WaitGroup
		wg.Add(1)
		result := make(chan []byte, 1)
		go func() {
			defer wg.Done()
			out, err := b.Pull(context.Background())
			require.NoError(t, err)
			result <- out
		}()

		b.Close()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("blocked pull was not released by close")
		}
		assert.Equal(t, []byte("partial"), <-result)
	}
}

func TestPullContextCancellation(t *testing.T) {
	b, err := New(100)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Pull(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pull did not observe context cancellation")
	}
}

func TestCancelRacingPullEntry(t *testing.T) {
	// Cancellation jittered against a Pull that is just entering its wait
	// must always release the waiter: the wakeup may not be lost even when
	// it fires between the waiter's ctx check and its wait registration.
	for i := 0; i < 200; i++ {
		b, err := New(100)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := b.Pull(ctx)
			errCh <- err
		}()

		if i%2 == 0 {
			time.Sleep(time.Duration(i%5) * time.Microsecond)
		}
		cancel()

		select {
		case err := <-errCh:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("blocked pull was not released by cancellation")
		}
	}
}

func TestConcurrentProducers(t *testing.T) {
	const n = 16
	b, err := New(n)
	require.NoError(t, err)

	const producers = 8
	const pushesEach = 32
	var wg sync.WaitGroup
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < pushesEach; j++ {
				_ = b.Push(make([]byte, 4))
			}
		}()
	}
	wg.Wait()
	b.Close()

	total := 0
	ctx := context.Background()
	for {
		chunk, err := b.Pull(ctx)
		require.NoError(t, err)
		if len(chunk) == 0 {
			break
		}
		total += len(chunk)
	}
	assert.Equal(t, producers*pushesEach*4, total)
}
