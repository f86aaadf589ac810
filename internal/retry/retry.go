// Package retry runs an operation under an exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts = 10
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Notice describes one scheduled retry.
type Notice struct {
	Attempt int // 1-based attempt that just failed
	Kind    string
	Err     error
	Wait    time.Duration
}

// Policy decides which failures are retried and how long to wait between
// attempts. The zero value is usable and retries nothing.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter draws each wait uniformly from [0, delay].
	Jitter bool

	// Retryable lists the error kinds worth another attempt, matched with errors.Is.
	Retryable []error

	// Classify names the kind of err for notices. Optional.
	Classify func(err error) string

	// OnBackoff is called before every wait.
	OnBackoff func(Notice)

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// retryAfterer is implemented by errors that carry a server-requested delay.
type retryAfterer interface {
	RetryAfter() time.Duration
}

// WithDefaults fills unset limits.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Delay returns the wait after the given 0-based failed attempt:
// BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.WithDefaults()

	// 2^30 already exceeds any sane cap; keeps the float math finite.
	const maxExponent = 30
	if attempt > maxExponent {
		attempt = maxExponent
	}
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(backoff)
}

// IsRetryable reports whether err matches one of the policy's kinds.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range p.Retryable {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. The last error is returned wrapped.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.WithDefaults()

	var lastErr error
	var prevWait time.Duration
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.IsRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		wait := p.wait(attempt, err)
		// Without jitter a Retry-After hint raises the floor for later waits.
		if !p.Jitter && wait < prevWait {
			wait = prevWait
		}
		prevWait = wait
		if p.OnBackoff != nil {
			p.OnBackoff(Notice{
				Attempt: attempt + 1,
				Kind:    p.kind(err),
				Err:     err,
				Wait:    wait,
			})
		}

		if err := p.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	return fmt.Errorf("retry: giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p Policy) wait(attempt int, err error) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter {
		d = time.Duration(rand.Int64N(int64(d) + 1))
	}

	// A server-requested delay wins when it is longer.
	var ra retryAfterer
	if errors.As(err, &ra) {
		if hint := ra.RetryAfter(); hint > d {
			d = min(hint, p.MaxDelay)
		}
	}
	return d
}

func (p Policy) kind(err error) string {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return fmt.Sprintf("%T", err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
