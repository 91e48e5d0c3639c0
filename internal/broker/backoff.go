package broker

import (
	"context"
	"math"
	"time"
)

// Schedule computes the delay between connection attempts: Initial on the
// first retry, multiplied by Multiplier per attempt, capped at Max.
// MaxAttempts of zero means the schedule never exhausts, which is what the
// reconnect loops use; the initial connect uses a bounded schedule and fails
// the process when it runs out.
type Schedule struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Delay returns the backoff delay after the given 1-based attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(s.Initial) * math.Pow(multiplier, float64(attempt-1))
	if max := float64(s.Max); s.Max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Exhausted reports whether the schedule allows no attempt after this one.
func (s Schedule) Exhausted(attempt int) bool {
	return s.MaxAttempts > 0 && attempt >= s.MaxAttempts
}

// Wait sleeps for the delay following the given attempt, returning early
// with the context error if the caller is cancelled.
func (s Schedule) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(s.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unbounded returns a copy of the schedule with no attempt limit, for
// reconnect loops that must keep trying until the endpoint is closed.
func (s Schedule) Unbounded() Schedule {
	s.MaxAttempts = 0
	return s
}
