// Package taskrunner implements the single-threaded control path on which
// the proxy resolution state machines run.
//
// Tasks posted to a [*Runner] run one at a time, in posting order, on a
// single background goroutine. Goroutines performing blocking work (fetching
// a PAC script, running a resolver) never touch the state of the state
// machines directly; rather, they post a completion task.
package taskrunner

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Runner is a serial task queue.
//
// The zero value is invalid; construct using [New].
type Runner struct {
	// clock is the clock driving delayed tasks.
	clock clock.Clock

	// closed indicates that we should not accept any more tasks.
	closed bool

	// done is closed when the background goroutine exits.
	done chan struct{}

	// mu provides mutual exclusion for queue and closed.
	mu sync.Mutex

	// queue contains the tasks to run.
	queue []func()

	// wakeup wakes up the background goroutine.
	wakeup chan struct{}
}

// New creates a new [*Runner] using the given clock and starts its
// background goroutine. A nil clock means we use the system clock.
func New(clk clock.Clock) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	r := &Runner{
		clock:  clk,
		closed: false,
		done:   make(chan struct{}),
		mu:     sync.Mutex{},
		queue:  []func(){},
		wakeup: make(chan struct{}, 1),
	}
	go r.loop()
	return r
}

// Clock returns the clock used by this runner.
func (r *Runner) Clock() clock.Clock {
	return r.clock
}

// Now returns the current time according to the runner's clock.
func (r *Runner) Now() time.Time {
	return r.clock.Now()
}

// Post schedules fn to run on the control path. This method never blocks
// and it is safe to call it from any goroutine, including from a task.
// Tasks posted after [*Runner.Close] are silently dropped.
func (r *Runner) Post(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, fn)
	r.mu.Unlock()
	r.signal()
}

func (r *Runner) signal() {
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

func (r *Runner) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if len(r.queue) <= 0 {
			r.mu.Unlock()
			<-r.wakeup
			continue
		}
		fn := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.mu.Unlock()
		fn()
	}
}

// Do runs fn on the control path and waits for it to complete. It returns
// false if the runner was closed before fn could run.
//
// This method MUST NOT be called from a task: doing that deadlocks.
func (r *Runner) Do(fn func()) bool {
	ch := make(chan struct{})
	r.Post(func() {
		defer close(ch)
		fn()
	})
	select {
	case <-ch:
		return true
	case <-r.done:
		return false
	}
}

// Close stops the background goroutine and waits for it to exit. Pending
// tasks do not run. This method is idempotent.
//
// This method MUST NOT be called from a task: doing that deadlocks.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.queue = nil
	r.mu.Unlock()
	r.signal()
	<-r.done
}

// Timer is a delayed task created by [*Runner.PostDelayed].
type Timer struct {
	stopped atomic.Bool
	timer   *clock.Timer
}

// Stop prevents the delayed task from running. When called on the control
// path, Stop guarantees that the task will not run afterwards, even if the
// underlying timer has already fired and posted its task. This method is
// idempotent and it is safe to call it on a nil [*Timer].
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	if t.timer != nil {
		t.timer.Stop()
	}
}

// PostDelayed schedules fn to run on the control path after the given delay
// measured using the runner's clock. A non-positive delay posts fn right away.
func (r *Runner) PostDelayed(delay time.Duration, fn func()) *Timer {
	t := &Timer{}
	task := func() {
		if t.stopped.Load() {
			return
		}
		fn()
	}
	if delay <= 0 {
		r.Post(task)
		return t
	}
	t.timer = r.clock.AfterFunc(delay, func() {
		r.Post(task)
	})
	return t
}
