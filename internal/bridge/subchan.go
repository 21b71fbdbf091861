package bridge

import (
	"errors"
	"sync"
	"time"
)

// ErrSlowSubscriber ends a stream whose reader fell behind for longer than the send timeout.
var ErrSlowSubscriber = errors.New("subscriber fell behind the notification stream")

var errSubscriberGone = errors.New("subscriber closed")

// subChannel is a bounded channel whose writer waits for room instead of discarding.
// Buffered elements stay readable after Close; the reader then checks Err.
//
// A single writer is assumed.
type subChannel[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	closed bool
	err    error
}

func newSubChannel[T any](capacity int) *subChannel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &subChannel[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// C returns the receive side.
func (sc *subChannel[T]) C() <-chan T {
	return sc.ch
}

// Send delivers v, waiting up to timeout while the buffer is full. It fails with
// ErrSlowSubscriber when the wait expires, or errSubscriberGone after Close.
func (sc *subChannel[T]) Send(v T, timeout time.Duration) error {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.closed {
		return errSubscriberGone
	}
	select {
	case sc.ch <- v:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sc.ch <- v:
		return nil
	case <-sc.done:
		return errSubscriberGone
	case <-timer.C:
		return ErrSlowSubscriber
	}
}

// offer delivers v only if there is room.
func (sc *subChannel[T]) offer(v T) bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.closed {
		return false
	}
	select {
	case sc.ch <- v:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (sc *subChannel[T]) Len() int {
	return len(sc.ch)
}

// Close closes the receive side with cause, nil for a regular close. The first cause wins.
func (sc *subChannel[T]) Close(cause error) {
	sc.once.Do(func() {
		// wake a blocked Send so it releases the read lock
		close(sc.done)

		sc.mu.Lock()
		sc.closed = true
		sc.err = cause
		close(sc.ch)
		sc.mu.Unlock()
	})
}

// Err returns the cause passed to Close.
func (sc *subChannel[T]) Err() error {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.err
}
