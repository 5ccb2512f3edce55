// Package testingx contains helpers for writing tests.
package testingx

import (
	"sync"
	"time"
)

// TimeDeterministic is a deterministic replacement for [time.Now]. The
// first call to Now returns the zero time and every subsequent call
// returns a time that is Step after the previous one.
//
// The zero value is ready to use: it starts from the current time on the
// first call and advances by one second. It is safe to use this struct
// from multiple goroutines.
type TimeDeterministic struct {
	// Step is the OPTIONAL amount of time by which each call to Now advances
	// the clock. When zero or negative, we advance by one second.
	Step time.Duration

	mu       sync.Mutex
	ticks    int64
	zeroTime time.Time
}

// NewTimeDeterministic creates a [*TimeDeterministic] starting from zeroTime.
func NewTimeDeterministic(zeroTime time.Time) *TimeDeterministic {
	return &TimeDeterministic{zeroTime: zeroTime}
}

// Now returns the current deterministic time and advances the clock.
func (td *TimeDeterministic) Now() time.Time {
	defer td.mu.Unlock()
	td.mu.Lock()
	if td.zeroTime.IsZero() {
		td.zeroTime = time.Now()
	}
	step := td.Step
	if step <= 0 {
		step = time.Second
	}
	now := td.zeroTime.Add(time.Duration(td.ticks) * step)
	td.ticks++
	return now
}
