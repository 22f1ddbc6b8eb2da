package orchestrator

import (
	"context"
	"time"

	"github.com/pmdata/market-data-api/internal/quote"
)

// RetryPolicy retries transient failures with exponential backoff.
// MaxRetries counts retries, not attempts: MaxRetries 3 means up to four
// calls. Permanent errors (bad symbol, bad API key) stop immediately.
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
	ShouldRetry func(error) bool

	sleep func(ctx context.Context, d time.Duration) error // injectable for tests
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BackoffBase: 500 * time.Millisecond,
		ShouldRetry: quote.IsRetryable,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, fails permanently, retries are exhausted,
// or ctx is canceled. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = quote.IsRetryable
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.BackoffBase << (attempt - 1)
			if serr := sleep(ctx, delay); serr != nil {
				return err
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
	}
	return err
}
