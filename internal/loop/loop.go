// Package loop provides a single-threaded event loop. Every function posted
// to a Loop runs on the goroutine that called Run, one at a time, so state
// owned by the loop needs no locking.
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/darkhz/bluestream/api/errorkinds"
)

// Loop is a cooperative event loop with an unbounded FIFO queue.
type Loop struct {
	mu    sync.Mutex
	queue []func()

	wake   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// New returns a new loop. It does nothing until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It reports false if the loop is closed.
// Post never blocks and may be called from the loop itself.
func (l *Loop) Post(fn func()) bool {
	if l.closed.Load() {
		return false
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// Call runs fn on the loop and waits for it to return, or for ctx to be done.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})

	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return errorkinds.ErrSessionStop
	}

	select {
	case <-ran:
		return nil

	case <-l.done:
		return errorkinds.ErrSessionStop

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued functions until ctx is done or Close is called.
// Functions still queued when the loop stops are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if l.closed.Load() {
				return nil
			}

			fn()
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:

		case <-l.done:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done returns a channel that is closed when the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Close stops the loop. Further posts are refused.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
}

// Timer is a one-shot timer whose callback runs on the loop.
// A Timer must only be stopped from the loop.
type Timer struct {
	t     *time.Timer
	fired bool
}

// AfterFunc calls fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}

	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.fired {
				return
			}

			timer.fired = true
			fn()
		})
	})

	return timer
}

// Stop prevents the callback from running. A fire that was already queued
// on the loop becomes a no-op. Stop reports whether the callback was
// prevented from running.
func (t *Timer) Stop() bool {
	if t == nil || t.fired {
		return false
	}

	t.fired = true
	t.t.Stop()

	return true
}
