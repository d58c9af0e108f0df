// Package retry re-runs payment provider calls that failed transiently.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// MaxDelay caps the backoff between two attempts.
const MaxDelay = 5 * time.Second

// Policy describes how many times a call is attempted and how long to wait
// between attempts. The wait doubles after every failure, with up to a
// quarter of jitter either way, and never exceeds MaxDelay.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration

	// Retryable decides whether an error is worth another attempt. Nil
	// retries everything except Permanent errors.
	Retryable func(error) bool

	// OnRetry, when set, runs before each wait with the attempt number that
	// just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of the policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Run calls fn until it succeeds, fails permanently, the attempts run out,
// or ctx is done. A permanent failure is returned unwrapped.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return err
		}

		wait := jittered(delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay = min(delay*2, MaxDelay)
	}
}

// jittered spreads d by up to 25% in either direction.
func jittered(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := int64(binary.LittleEndian.Uint64(b[:])>>1) % (2*spread + 1) //nolint:gosec // bounded by the modulus
	return d - time.Duration(spread) + time.Duration(n)
}
