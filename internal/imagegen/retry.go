package imagegen

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig tunes the rate-limit retry behaviour around a single provider
// invocation. The defaults mirror what the backends tolerate in practice:
// three attempts, with attempt n waiting n*2s before retrying.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffBase: 2 * time.Second}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	return c
}

// Retryer wraps provider calls with bounded retries. Only a backend-reported
// rate limit is worth retrying; validation errors, content rejections and
// generic backend failures are surfaced immediately so they do not eat the
// deadline budget.
type Retryer struct {
	cfg RetryConfig
}

// NewRetryer builds a Retryer, applying defaults for zero-valued fields.
func NewRetryer(cfg RetryConfig) *Retryer {
	return &Retryer{cfg: cfg.withDefaults()}
}

// Do invokes call up to MaxAttempts times, sleeping BackoffBase*n between
// rate-limited attempts. The context deadline is honoured during backoff
// sleeps; expiry there surfaces as KindTimedOut.
func (r *Retryer) Do(ctx context.Context, provider string, call func(context.Context) (*GenerationResult, error)) (*GenerationResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		res, err := call(ctx)
		if err == nil {
			return res, nil
		}
		if !IsKind(err, KindRateLimited) {
			return nil, err
		}
		lastErr = err
		if attempt == r.cfg.MaxAttempts {
			break
		}
		wait := time.Duration(attempt) * r.cfg.BackoffBase
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, WrapError(KindTimedOut, provider,
				fmt.Sprintf("deadline while backing off after attempt %d", attempt), ctx.Err())
		}
	}
	return nil, lastErr
}
