// Package retry runs actions under a retry policy with caller-controlled
// classification of failures.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/Azure/azure-kusto-ingest-go/kustoingest/errors"
	"github.com/cenkalti/backoff/v4"
)

// Decision is what the classifier tells the runner to do after a failed attempt.
type Decision int

const (
	// Continue retries after the policy's delay.
	Continue Decision = iota
	// Break stops retrying and signals the caller to take an alternate branch.
	Break
	// Throw stops retrying and surfaces the error.
	Throw
)

// Policy describes a retry schedule.
type Policy interface {
	// Backoff returns a fresh delay schedule for a single run.
	Backoff() backoff.BackOff
	// MaxAttempts returns the total number of attempts, including the first.
	MaxAttempts() int
}

// SimplePolicy retries with exponential delays plus a uniform jitter.
type SimplePolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
}

// DefaultPolicy is three attempts at 1s, 2s, 4s, each with up to a second of jitter.
func DefaultPolicy() SimplePolicy {
	return SimplePolicy{
		Attempts:  3,
		BaseDelay: 1 * time.Second,
		MaxDelay:  30 * time.Second,
		Jitter:    1 * time.Second,
	}
}

func (p SimplePolicy) Backoff() backoff.BackOff {
	return &expSchedule{base: p.BaseDelay, max: p.MaxDelay, jitter: p.Jitter}
}

func (p SimplePolicy) MaxAttempts() int {
	return p.Attempts
}

type expSchedule struct {
	base, max, jitter time.Duration
	attempt           int
}

func (s *expSchedule) NextBackOff() time.Duration {
	d := s.base << s.attempt
	s.attempt++
	if s.max > 0 && d > s.max {
		d = s.max
	}
	if s.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.jitter)))
	}
	return d
}

func (s *expSchedule) Reset() {
	s.attempt = 0
}

// CustomPolicy retries with a fixed delay sequence. The attempt count is one more
// than the number of delays.
type CustomPolicy struct {
	Delays []time.Duration
}

func (p CustomPolicy) Backoff() backoff.BackOff {
	return &fixedSchedule{delays: p.Delays}
}

func (p CustomPolicy) MaxAttempts() int {
	return len(p.Delays) + 1
}

type fixedSchedule struct {
	delays []time.Duration
	next   int
}

func (s *fixedSchedule) NextBackOff() time.Duration {
	if s.next >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

func (s *fixedSchedule) Reset() {
	s.next = 0
}

// Action is a single attempt. attempt is 1-based.
type Action func(ctx context.Context, attempt int) error

// ShouldRetry classifies a failed attempt. permanent reflects the error's own
// retryability.
type ShouldRetry func(attempt int, err error, permanent bool) Decision

// OnRetry runs before the delay preceding the next attempt, e.g. to rewind a
// stream.
type OnRetry func(attempt int, err error, permanent bool)

// Run executes action under the policy.
//
// It returns (true, nil) on success, (false, nil) when the classifier broke out or
// retries ran out with throwOnExhausted unset, and (false, err) on Throw, on
// exhaustion with throwOnExhausted set, or on cancellation. All delays honor ctx.
func Run(ctx context.Context, policy Policy, action Action, shouldRetry ShouldRetry, onRetry OnRetry, throwOnExhausted bool) (bool, error) {
	sched := policy.Backoff()
	sched.Reset()

	for attempt := 1; ; attempt++ {
		err := action(ctx, attempt)
		if err == nil {
			return true, nil
		}

		permanent := !errors.Retry(err)

		decision := Continue
		if shouldRetry != nil {
			decision = shouldRetry(attempt, err, permanent)
		}
		switch decision {
		case Break:
			return false, nil
		case Throw:
			return false, err
		}

		if onRetry != nil {
			onRetry(attempt, err, permanent)
		}

		if attempt >= policy.MaxAttempts() {
			if throwOnExhausted {
				return false, err
			}
			return false, nil
		}

		delay := sched.NextBackOff()
		if delay == backoff.Stop {
			if throwOnExhausted {
				return false, err
			}
			return false, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, errors.E(errors.OpUnknown, errors.KTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}
