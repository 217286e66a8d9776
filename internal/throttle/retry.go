package throttle

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
)

// RetryPolicy models one request's retry lifecycle as an explicit state
// machine: attempt count, next delay, terminal classification.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryPolicy builds a policy with sane defaults.
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Backoff returns the jittered wait before the given zero-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Refresher restores a working session after an auth failure.
type Refresher interface {
	Refresh(ctx context.Context) (mantis.Session, error)
}

// Do runs op under the class's permit, retrying transient failures with
// backoff and escalating auth failures to a single session refresh. The
// refreshed session is passed to the retried attempt.
func (c *Controller) Do(
	ctx context.Context,
	class mantis.RequestClass,
	policy RetryPolicy,
	sessions Refresher,
	op func(ctx context.Context, refreshed *mantis.Session) error,
) error {
	var refreshed *mantis.Session
	refreshedOnce := false

	for attempt := 0; ; attempt++ {
		permit, err := c.Acquire(ctx, class)
		if err != nil {
			return err
		}
		err = op(ctx, refreshed)
		permit.Release()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s request canceled: %w", class, ctx.Err())
		}

		switch Classify(err) {
		case Fatal:
			return err
		case Auth:
			if refreshedOnce || sessions == nil {
				return fmt.Errorf("%w: %v", mantis.ErrAuthenticationFailed, err)
			}
			refreshedOnce = true
			session, rerr := sessions.Refresh(ctx)
			if rerr != nil {
				return fmt.Errorf("%w: refresh after %v: %v", mantis.ErrAuthenticationFailed, err, rerr)
			}
			refreshed = &session
			// The refreshed attempt does not consume the transient budget.
			attempt--
		case Transient:
			if attempt+1 >= policy.MaxAttempts {
				return fmt.Errorf("%s request failed after %d attempts: %w", class, policy.MaxAttempts, err)
			}
			metrics.ObserveRetry(string(class))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s retry canceled: %w", class, ctx.Err())
			case <-time.After(policy.Backoff(attempt)):
			}
		}
	}
}
