package upstream

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/marketpulse/ingestd/internal/breaker"
	"github.com/marketpulse/ingestd/internal/observ"
)

// Retryer wraps upstream calls with bounded exponential backoff. Every
// distress-class failure is reported to the circuit breaker before the
// retry decision, so the breaker's view stays accurate mid-loop.
type Retryer struct {
	breakers   breaker.Store
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitterFrac float64
	sleep      func(ctx context.Context, d time.Duration) error
}

// RetryConfig tunes the retry loop.
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// NewRetryer builds a Retryer reporting to the given breaker store.
func NewRetryer(breakers breaker.Store, cfg RetryConfig) *Retryer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = 0.5
	}
	return &Retryer{
		breakers:   breakers,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		jitterFrac: cfg.JitterFraction,
		sleep:      sleepCtx,
	}
}

// Do runs fn, retrying retryable failures up to the budget. Non-retryable
// errors fail fast without consuming retries. Success is reported to the
// breaker once.
func (r *Retryer) Do(ctx context.Context, breakerID string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			r.breakers.RecordSuccess(breakerID)
			return nil
		}
		lastErr = err

		var apiErr *APIError
		isAPI := errors.As(err, &apiErr)

		// Breaker first: its view of upstream health must not lag the
		// retry loop. Failures carrying no distress verdict (cancellation,
		// client errors) release the probe permit instead, so a HALF_OPEN
		// circuit settles rather than wedging.
		if isAPI && apiErr.Distress() {
			r.breakers.RecordFailure(breakerID)
		} else {
			r.breakers.ReleaseProbe(breakerID)
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !isAPI || !apiErr.Retryable() || attempt >= r.maxRetries {
			return lastErr
		}

		delay := r.backoff(attempt + 1)
		observ.IncCounter("upstream_retries_total", map[string]string{"id": breakerID, "kind": apiErr.Kind})
		if err := r.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
}

// backoff computes 2^n * baseDelay capped at maxDelay, plus uniform jitter
// so concurrent callers do not synchronize into retry storms.
func (r *Retryer) backoff(attempt int) time.Duration {
	delay := r.baseDelay << uint(attempt)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(float64(delay)*r.jitterFrac) + 1))
	return delay + jitter
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
