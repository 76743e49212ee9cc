// Package backoff computes retry delays for recoverable delivery failures.
// Delays are derived from the persisted attempt count of a queue row, not
// from in-memory retry state, so they survive process restarts.
package backoff

import (
	"math/rand"
	"time"
)

// Schedule is an exponential backoff table: Delay(attempt) doubles from Base
// up to Cap. Next adds bounded jitter on top so a burst of failures against
// one peer does not retry in lockstep.
type Schedule struct {
	Base time.Duration
	Cap  time.Duration

	// jitterFrac is the maximum jitter as a fraction of the delay.
	jitterFrac float64
	// rnd returns a value in [0, 1); replaceable in tests.
	rnd func() float64
}

// NewSchedule builds a schedule with 25% jitter.
func NewSchedule(base, cap time.Duration) *Schedule {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &Schedule{
		Base:       base,
		Cap:        cap,
		jitterFrac: 0.25,
		rnd:        rand.Float64,
	}
}

// Delay returns the deterministic delay for the given attempt count:
// Base << attempt, capped at Cap. Monotone non-decreasing in attempt.
func (s *Schedule) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := s.Base
	for i := 0; i < attempt; i++ {
		if d >= s.Cap {
			return s.Cap
		}
		d *= 2
	}
	if d > s.Cap {
		d = s.Cap
	}
	return d
}

// Next returns the earliest next-lease time for a row that has already
// failed attempt+1 times: now plus Delay(attempt) plus jitter.
func (s *Schedule) Next(now time.Time, attempt int) time.Time {
	d := s.Delay(attempt)
	jitter := time.Duration(s.rnd() * s.jitterFrac * float64(d))
	return now.Add(d + jitter)
}
