// Package clock abstracts wall-clock reads and one-shot timers so the state
// machine, queue and schedulers can be driven deterministically in tests.
//
// All timestamps handed to domain code are milliseconds since the Unix epoch;
// use Millis to convert.
package clock

import "time"

// Timer is a pending callback created by Clock.AfterFunc.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired or
	// was already stopped.
	Stop() bool
}

// Clock is the time source consumed by the core.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Millis returns t as milliseconds since the Unix epoch.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// NowMillis reads c and returns milliseconds since the Unix epoch.
func NowMillis(c Clock) int64 { return c.Now().UnixMilli() }

// Real is the production Clock backed by the time package.
type Real struct{}

// New returns the production clock.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
