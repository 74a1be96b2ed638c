// Package retry holds the backoff rules used by settlement: the fixed
// schedule for queued calls and an inline policy for short blocking
// operations such as fetching an auth token.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// MaxShift caps the exponent used by Backoff.
const MaxShift = 5

// Backoff returns base * 2^min(retries, MaxShift). Negative counts are
// treated as zero. The result has no jitter so a queued call's next run
// time can be recomputed from its retry count.
func Backoff(base time.Duration, retries int) time.Duration {
	retries = max(retries, 0)
	return base << uint(min(retries, MaxShift))
}

// NextRun returns when a call that has been retried retries times should
// run again.
func NextRun(now time.Time, base time.Duration, retries int) time.Time {
	return now.Add(Backoff(base, retries))
}

// Exhausted reports whether a call has used its retry allowance.
func Exhausted(retries, maxRetries int) bool {
	return retries >= maxRetries
}

// PermanentError marks an error that Policy.Do must not retry.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Policy.Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy describes an inline retry loop.
type Policy struct {
	Attempts  int           // total tries, at least 1
	BaseDelay time.Duration // wait before the second try
	MaxDelay  time.Duration // 0 means uncapped
	Jitter    float64       // fraction of each wait randomised, 0..1

	// OnRetry, if set, runs before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// wait returns the pause after the given zero-based attempt.
func (p Policy) wait(attempt int) time.Duration {
	d := Backoff(p.BaseDelay, attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if j := min(max(p.Jitter, 0), 1); j > 0 && d > 0 {
		spread := time.Duration(float64(d) * j)
		d = d - spread + rand.N(2*spread+1)
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, the attempts
// run out or ctx is done. The last error is returned unwrapped when it
// was permanent.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.wait(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
