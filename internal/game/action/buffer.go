// Package action provides the per-seat input ring buffers that feed the
// lock-step merge.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned by Read when the frame deadline elapses before enough
// bytes were appended.
var ErrTimeout = errors.New("action buffer read timed out")

// Buffer is a fixed-capacity byte ring with a single writer and one read
// cursor per consumer. All methods are safe for concurrent use.
//
// Invariant: every consumer observes appended bytes in append order; no byte is
// delivered twice to the same consumer.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	tail     int
	heads    []int
	synced   bool
	notify   chan struct{}
	reported int
}

// NewBuffer creates an unsynchronized Buffer with capacity bytes of storage and
// consumers independent read cursors.
//
// Precondition: capacity >= 2; consumers >= 1.
// Postcondition: Returns an empty, unsynchronized Buffer.
func NewBuffer(capacity, consumers int) *Buffer {
	if capacity < 2 {
		capacity = 2
	}
	if consumers < 1 {
		consumers = 1
	}
	return &Buffer{
		data:   make([]byte, capacity),
		heads:  make([]int, consumers),
		notify: make(chan struct{}),
	}
}

// Capacity returns the size of the ring in bytes.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// SetSynchronized marks the buffer as participating in the merge or not.
// Clearing the flag wakes every blocked reader.
//
// Postcondition: Synchronized() == synced.
func (b *Buffer) SetSynchronized(synced bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.synced = synced
	if !synced {
		b.broadcastLocked()
	}
}

// Synchronized reports whether the buffer participates in the merge.
func (b *Buffer) Synchronized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synced
}

// Append writes p at the tail of the ring and wakes blocked readers. Appending
// to an unsynchronized buffer is a no-op. A writer that laps a slow consumer
// overwrites the oldest unread bytes.
//
// Postcondition: the timeout report mark is cleared.
func (b *Buffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.synced {
		return
	}
	n := len(b.data)
	for _, c := range p {
		b.data[b.tail] = c
		b.tail = (b.tail + 1) % n
	}
	b.reported = 0
	b.broadcastLocked()
}

// Available returns the number of unread bytes for consumer.
//
// Precondition: 0 <= consumer < the consumer count given to NewBuffer.
func (b *Buffer) Available(consumer int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeLocked(consumer)
}

// Read copies len(dst) bytes for consumer into dst, waiting up to timeout for
// them to arrive.
//
// Precondition: 0 <= consumer < the consumer count given to NewBuffer; len(dst) < Capacity().
// Postcondition: Returns (true, nil) when dst was filled; (false, nil) when the
// buffer is unsynchronized and the read was abandoned; (false, ErrTimeout) when
// the deadline elapsed; (false, ctx.Err()) when ctx was cancelled.
func (b *Buffer) Read(ctx context.Context, consumer int, dst []byte, timeout time.Duration) (bool, error) {
	if consumer < 0 || consumer >= len(b.heads) {
		return false, fmt.Errorf("consumer %d out of range [0,%d)", consumer, len(b.heads))
	}
	if len(dst) >= len(b.data) {
		return false, fmt.Errorf("read of %d bytes exceeds buffer capacity %d", len(dst), len(b.data))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	expired := false
	for b.synced && !expired && b.sizeLocked(consumer) < len(dst) {
		wake := b.notify
		b.mu.Unlock()
		select {
		case <-wake:
		case <-timer.C:
			expired = true
		case <-ctx.Done():
			b.mu.Lock()
			return false, ctx.Err()
		}
		b.mu.Lock()
	}

	if b.sizeLocked(consumer) >= len(dst) {
		n := len(b.data)
		head := b.heads[consumer]
		for i := range dst {
			dst[i] = b.data[head]
			head = (head + 1) % n
		}
		b.heads[consumer] = head
		return true, nil
	}
	if !b.synced {
		return false, nil
	}
	return false, ErrTimeout
}

// MarkTimeout records that timeout number seq has been reported for this
// buffer. It returns false when seq (or a later one) was already reported since
// the last Append, so each timeout is surfaced at most once.
func (b *Buffer) MarkTimeout(seq int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.reported {
		return false
	}
	b.reported = seq
	return true
}

func (b *Buffer) sizeLocked(consumer int) int {
	n := len(b.data)
	return (b.tail + n - b.heads[consumer]) % n
}

func (b *Buffer) broadcastLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}
