// Package backoff implements retry scheduling as an explicit state machine,
// so it composes with timers and cooperative scheduling instead of sleeping
// in a loop.
package backoff

import "time"

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Base is the first delay.
	Base time.Duration
	// Max caps individual delays.
	Max time.Duration
	// Limit is the maximum number of attempts; 0 means unlimited.
	Limit int
}

// Delay returns the delay before the given attempt (1-based): Base, 2*Base,
// 4*Base, ... capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// State tracks retry progress for one operation.
type State struct {
	policy  Policy
	attempt int
}

// New creates a fresh retry state.
func New(policy Policy) *State {
	return &State{policy: policy}
}

// Next records another failed attempt and returns the delay to wait before
// retrying. ok is false when the attempt limit is exhausted.
func (s *State) Next() (delay time.Duration, ok bool) {
	s.attempt++
	if s.policy.Limit > 0 && s.attempt > s.policy.Limit {
		return 0, false
	}
	return s.policy.Delay(s.attempt), true
}

// Reset clears the attempt count after a success.
func (s *State) Reset() { s.attempt = 0 }

// Attempt returns the number of failed attempts so far.
func (s *State) Attempt() int { return s.attempt }
