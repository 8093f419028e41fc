/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package clock abstracts time for components that prune windows and wait on timers,
// so that tests can drive them with simulated time.
package clock

import "time"

// Clock provides the current time and timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a subset of *time.Timer that can be faked.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is a Clock backed by the time package.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// NewTimer returns a timer backed by time.NewTimer.
func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (rt realTimer) C() <-chan time.Time {
	return rt.t.C
}

func (rt realTimer) Stop() bool {
	return rt.t.Stop()
}

// OrReal returns c if it is not nil, otherwise Real.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
