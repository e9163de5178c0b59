package endpoint

import (
	"context"
	"time"

	"github.com/SirClappington/taskclaim/internal/backoff"
)

// Default retry settings for ExtendLock, Complete and Fail.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBase     = 100 * time.Millisecond
	DefaultRetryMax      = 2 * time.Second
)

// RetryPolicy bounds how often a call is retried on transient errors.
type RetryPolicy struct {
	Attempts int
	Backoff  backoff.Policy
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: DefaultRetryAttempts,
		Backoff:  backoff.New(DefaultRetryBase, DefaultRetryMax, 0),
	}
}

// Retry calls fn until it succeeds, returns a non-transient error, or the
// policy runs out of attempts. It returns the last error seen.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		err   error
		delay time.Duration
	)
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay = p.Backoff.Next(delay)
		if serr := backoff.Sleep(ctx, delay); serr != nil {
			return err
		}
	}

	return err
}
