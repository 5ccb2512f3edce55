package taskrunner

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
)

func TestRunnerRunsTasksInOrder(t *testing.T) {
	r := New(nil)
	defer r.Close()

	var got []int
	for idx := 0; idx < 16; idx++ {
		idx := idx
		r.Post(func() {
			got = append(got, idx)
		})
	}

	// Do waits for the tasks posted before it because the queue is FIFO
	r.Do(func() {})

	var expect []int
	for idx := 0; idx < 16; idx++ {
		expect = append(expect, idx)
	}
	if diff := cmp.Diff(expect, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestRunnerPostFromTaskRunsOnNextTurn(t *testing.T) {
	r := New(nil)
	defer r.Close()

	var got []string
	done := make(chan struct{})
	r.Post(func() {
		r.Post(func() {
			got = append(got, "nested")
			close(done)
		})
		got = append(got, "outer")
	})
	<-done

	if diff := cmp.Diff([]string{"outer", "nested"}, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestRunnerPostDelayed(t *testing.T) {
	t.Run("the task runs once the clock advances", func(t *testing.T) {
		clk := clock.NewMock()
		r := New(clk)
		defer r.Close()

		fired := make(chan time.Time, 1)
		r.PostDelayed(8*time.Second, func() {
			fired <- r.Now()
		})

		clk.Add(8 * time.Second)

		select {
		case <-fired:
		case <-time.After(10 * time.Second):
			t.Fatal("the timer did not fire")
		}
	})

	t.Run("a stopped timer does not run", func(t *testing.T) {
		clk := clock.NewMock()
		r := New(clk)
		defer r.Close()

		var fired bool
		var timer *Timer
		r.Do(func() {
			timer = r.PostDelayed(time.Second, func() {
				fired = true
			})
			timer.Stop()
		})
		clk.Add(2 * time.Second)
		time.Sleep(10 * time.Millisecond)

		var observed bool
		r.Do(func() {
			observed = fired
		})
		if observed {
			t.Fatal("the timer fired")
		}

		timer.Stop() // idempotent
		var nilTimer *Timer
		nilTimer.Stop() // nil safe
	})

	t.Run("a zero delay posts right away", func(t *testing.T) {
		r := New(clock.NewMock())
		defer r.Close()

		done := make(chan struct{})
		r.PostDelayed(0, func() {
			close(done)
		})
		<-done
	})
}

func TestRunnerClose(t *testing.T) {
	r := New(nil)
	r.Close()
	r.Close() // idempotent

	if r.Do(func() {}) {
		t.Fatal("expected Do to fail after Close")
	}

	// posting after close must not panic or block
	r.Post(func() {
		panic("should not run")
	})
}
