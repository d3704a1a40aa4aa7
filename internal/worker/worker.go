// Package worker implements the single-threaded cooperative executor
// that the PPP core runs on (spec §5): every timer callback, every
// deferred Open/Close request, and every inbound-frame dispatch runs
// to completion on one goroutine, so no two state transitions of the
// same link ever race each other.
package worker

import (
	"context"
	"time"
)

// Loop is a single-goroutine job queue. Producers (a UART read
// callback, a timer firing, a public Open/Close call) hand it
// functions to run; Loop runs them one at a time, in the order they
// were enqueued, on whichever goroutine calls Run.
type Loop struct {
	jobs chan func()
}

// New creates a Loop. depth bounds how many pending jobs may be
// queued before Enqueue blocks; 64 is a reasonable default for a
// single serial link with three protocol timers.
func New(depth int) *Loop {
	if depth <= 0 {
		depth = 64
	}
	return &Loop{jobs: make(chan func(), depth)}
}

// Run processes jobs until ctx is cancelled. It is meant to be called
// exactly once, typically from its own goroutine spawned by the
// owner of the Loop.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-l.jobs:
			job()
		}
	}
}

// Enqueue schedules job to run on the Loop's goroutine. It is safe to
// call from any goroutine, including from inside a job already
// running on the Loop.
func (l *Loop) Enqueue(job func()) {
	l.jobs <- job
}

// Timer is a cancellable, single-shot callback armed on a Loop. Its
// firing (like everything else on the link) always runs inside the
// Loop, never on the underlying time.Timer's own goroutine, so a fired
// callback can safely touch protocol state without further
// synchronization.
type Timer struct {
	t *time.Timer
}

// AfterFunc arms a Timer that, after d elapses, enqueues f onto l. The
// reference implementation's handlers all re-check that the state they
// were armed for still holds before acting (spec §5, §9); callers here
// must do the same, since Stop does not guarantee a just-fired timer's
// job hasn't already been enqueued.
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { l.Enqueue(f) })}
}

// Stop cancels the timer. It is idempotent and safe to call on an
// already-fired, already-stopped, or nil Timer.
func (t *Timer) Stop() {
	if t == nil || t.t == nil {
		return
	}
	t.t.Stop()
}
