package circuit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds how often and how fast a call is retried
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// Timeout applies to each attempt. Zero leaves the caller's deadline.
	Timeout time.Duration
}

// DefaultPolicy is used by the ledger and store clients
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Backoff:     200 * time.Millisecond,
	MaxBackoff:  2 * time.Second,
	Timeout:     5 * time.Second,
}

// ErrPermanent wraps errors that must not be retried
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Retry calls fn until it succeeds, fails permanently, the context ends or
// MaxAttempts is reached. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = call(ctx, p.Timeout, fn)
		if err == nil || errors.Is(err, ErrPermanent) || errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (after %d attempts: %v)", ctx.Err(), attempt, err)
		case <-time.After(backoff):
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// Guard combines a breaker and a retry policy
type Guard struct {
	group  *BreakerGroup
	policy Policy
}

// NewGuard creates a guard with one breaker per operation name
func NewGuard(cfg Config, policy Policy) *Guard {
	return &Guard{group: NewBreakerGroup(cfg), policy: policy}
}

// Do retries fn under the breaker named op
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := g.group.Get(op)
	return Retry(ctx, g.policy, func(ctx context.Context) error {
		return b.Execute(ctx, fn)
	})
}

// States reports the breaker state of every operation seen so far
func (g *Guard) States() map[string]State {
	return g.group.States()
}
