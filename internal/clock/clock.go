// Package clock abstracts time so the retransmit loop, storage retries and
// the HTTP client can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by keyrename.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is the wall clock. Times are UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Since returns the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
