// Package latch provides a countdown latch: waiters are released once the
// count reaches zero, and stay released.
package latch

import (
	"context"
	"sync"
	"time"
)

type Latch struct {
	mu    sync.Mutex
	count int
	done  chan struct{}
}

// New returns a latch that opens after count calls to CountDown. A count
// below one yields a latch that is already open.
func New(count int) *Latch {
	l := &Latch{count: count, done: make(chan struct{})}
	if count <= 0 {
		l.count = 0
		close(l.done)
	}
	return l
}

// CountDown decrements the count and opens the latch when it reaches zero.
// Calls after the latch opened are no-ops.
func (l *Latch) CountDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return
	}
	l.count--
	if l.count == 0 {
		close(l.done)
	}
}

func (l *Latch) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Done is closed when the latch opens.
func (l *Latch) Done() <-chan struct{} { return l.done }

// Await blocks until the latch opens or timeout elapses, and reports
// whether it opened.
func (l *Latch) Await(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.done:
		return true
	case <-t.C:
		// both may be ready at once; an open latch wins
		select {
		case <-l.done:
			return true
		default:
			return false
		}
	}
}

// AwaitContext blocks until the latch opens or ctx ends.
func (l *Latch) AwaitContext(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
