// Package chunkbuf provides a producer/consumer byte buffer that releases
// fixed-size chunks, used to decouple irregular audio-frame arrival from
// fixed-size network chunk consumption.
package chunkbuf

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Predefined errors for common scenarios in chunk buffer usage.
var (
	ErrInvalidThreshold = errors.New("chunkbuf: threshold must be a positive integer")
	ErrClosed           = errors.New("chunkbuf: buffer is closed")
)

// Buffer accumulates bytes from one or more producers and hands exactly
// threshold-sized chunks to a single consumer. After Close, a pending Pull is
// released with the sub-threshold remainder, then with empty results (EOF).
//
// One condition/lock pair is shared by Push, Pull and Close so the wait
// predicate (len >= threshold || closed) can never miss a wakeup.
type Buffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	threshold int
	closed    bool
}

// New creates a Buffer releasing chunks of exactly `threshold` bytes.
// Returns ErrInvalidThreshold if threshold is not positive.
func New(threshold int) (*Buffer, error) {
	if threshold <= 0 {
		return nil, ErrInvalidThreshold
	}
	b := &Buffer{
		buf:       make([]byte, 0, threshold),
		threshold: threshold,
	}
	b.cond = sync.NewCond(&b.mu)
	log.Debug().Int("threshold", threshold).Msg("chunk buffer initialized")
	return b, nil
}

// Push appends data to the accumulator and wakes any waiting consumer.
// It never blocks. Returns ErrClosed once the buffer has been closed.
func (b *Buffer) Push(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.buf = append(b.buf, data...)
	b.cond.Broadcast()
	return nil
}

// Pull blocks until at least one full chunk is available or the buffer is
// closed, whichever comes first. It returns exactly threshold bytes while
// data keeps arriving; after Close it returns the remaining tail (possibly
// shorter than threshold) and then empty slices, which the consumer should
// treat as end-of-stream.
//
// The buffer itself never times out. Callers needing a deadline supply it
// through ctx; cancellation releases the waiter with ctx.Err().
func (b *Buffer) Pull(ctx context.Context) ([]byte, error) {
	// Wake the cond waiter when the context ends. The goroutine exits as
	// soon as Pull returns thanks to the stop channel. The broadcast takes
	// the mutex first so it cannot slip between the waiter's ctx check and
	// its registration in Wait.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-stop:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.buf) < b.threshold && !b.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if b.closed && len(b.buf) < b.threshold {
		tail := b.buf
		b.buf = nil
		if len(tail) > 0 {
			log.Debug().Int("bytes", len(tail)).Msg("chunk buffer returning tail on close")
		}
		return tail, nil
	}

	chunk := make([]byte, b.threshold)
	copy(chunk, b.buf)
	b.buf = b.buf[:copy(b.buf, b.buf[b.threshold:])]
	return chunk, nil
}

// Close marks the buffer closed and wakes all waiters. It never blocks and is
// safe to call from any goroutine, including ones unrelated to the producer
// or consumer. Calling it more than once is harmless.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		log.Debug().Int("remaining", len(b.buf)).Msg("chunk buffer closed")
	}
	b.closed = true
	b.cond.Broadcast()
}

// Len reports the number of bytes currently accumulated.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Threshold returns the configured chunk size.
func (b *Buffer) Threshold() int {
	return b.threshold
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
