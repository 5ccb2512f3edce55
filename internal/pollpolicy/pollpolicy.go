// Package pollpolicy decides how often we re-check whether the PAC
// script has changed.
package pollpolicy

import "time"

// Mode is the scheduling mode of the next poll.
type Mode int

const (
	// ModeUseTimer means that the next poll starts unconditionally
	// once the delay has elapsed.
	ModeUseTimer = Mode(iota)

	// ModeStartAfterActivity means that the next poll starts only when
	// there is network activity and at least the delay has elapsed since
	// the previous poll.
	ModeStartAfterActivity
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeUseTimer:
		return "use_timer"
	case ModeStartAfterActivity:
		return "start_after_activity"
	default:
		return "unknown"
	}
}

// Policy computes the delay before the next poll.
type Policy interface {
	// NextDelay returns the delay and the mode of the next poll given
	// the error of the last decide (nil on success) and the delay we used
	// last time. A negative current delay means that no poll happened yet.
	NextDelay(lastErr error, current time.Duration) (time.Duration, Mode)
}

// The delays used by [Default] after a failure.
const (
	FailureDelay1 = 8 * time.Second
	FailureDelay2 = 32 * time.Second
	FailureDelay3 = 2 * time.Minute
	FailureDelay4 = 4 * time.Hour
)

// SuccessDelay is the delay used by [Default] after a success.
const SuccessDelay = 12 * time.Hour

// Default is the default [Policy].
//
// After a failure we retry quickly using a timer (a failure right after a
// network change is often transient) and then we back off through longer
// activity-driven delays until we reach a four hours plateau. After a
// success we re-check every twelve hours when there is activity.
type Default struct{}

var _ Policy = Default{}

// NextDelay implements Policy.
func (Default) NextDelay(lastErr error, current time.Duration) (time.Duration, Mode) {
	if lastErr == nil {
		return SuccessDelay, ModeStartAfterActivity
	}
	if current < 0 {
		return FailureDelay1, ModeUseTimer
	}
	switch current {
	case FailureDelay1:
		return FailureDelay2, ModeStartAfterActivity
	case FailureDelay2:
		return FailureDelay3, ModeStartAfterActivity
	default:
		return FailureDelay4, ModeStartAfterActivity
	}
}

// Func adapts a function to the [Policy] interface.
type Func func(lastErr error, current time.Duration) (time.Duration, Mode)

var _ Policy = Func(nil)

// NextDelay implements Policy.
func (fx Func) NextDelay(lastErr error, current time.Duration) (time.Duration, Mode) {
	return fx(lastErr, current)
}
