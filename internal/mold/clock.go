package mold

import "time"

// Clock is the pacer's injection point for time. The production clock
// simply sleeps; tests substitute a fake that records requested sleeps
// and advances virtual time instead of blocking.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return realClock{} }
