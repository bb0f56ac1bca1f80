package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a polling loop. MaxAttempts <= 0 polls until ctx ends.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
}

// Bounded is the small fixed-ceiling policy used around ledger calls.
func Bounded(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Backoff: Fixed(interval)}
}

// Exponential doubles a jittered delay from base up to limit between at
// most attempts tries.
func Exponential(attempts int, base, limit time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Backoff: Backoff{Base: base, Factor: 2, Cap: limit, Jitter: true}}
}

// Forever is the long indefinite wait used only while no candidates exist.
func Forever(interval time.Duration) Policy {
	return Policy{MaxAttempts: 0, Backoff: Fixed(interval)}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; Poll returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Poll calls fn until it reports done, returns a Permanent error, the
// attempt ceiling is reached or ctx is cancelled. Attempts are 1-based.
func Poll(ctx context.Context, p Policy, fn func(attempt int) (bool, error)) error {
	var lastErr error
	for attempt := 1; p.MaxAttempts <= 0 || attempt <= p.MaxAttempts; attempt++ {
		done, err := fn(attempt)
		if err != nil {
			var perm permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			lastErr = err
		}
		if done {
			return nil
		}
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts {
			break
		}
		if err := Sleep(ctx, p.Backoff.Delay(attempt)); err != nil {
			return err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, p.MaxAttempts)
}

// Do retries fn until it succeeds.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	return Poll(ctx, p, func(attempt int) (bool, error) {
		if err := fn(attempt); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
