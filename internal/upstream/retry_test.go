package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/ingestd/internal/breaker"
)

// recordingBreaker counts what the retryer reports.
type recordingBreaker struct {
	mu        sync.Mutex
	failures  int
	successes int
	releases  int
	allow     bool
}

func (b *recordingBreaker) CanMakeRequest(string) bool { return b.allow }
func (b *recordingBreaker) RecordSuccess(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
}
func (b *recordingBreaker) RecordFailure(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}
func (b *recordingBreaker) ReleaseProbe(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
}
func (b *recordingBreaker) StateLabel(string) string         { return breaker.StateClosed }
func (b *recordingBreaker) Snapshot(string) breaker.Snapshot { return breaker.Snapshot{} }

func newFastRetryer(b breaker.Store, maxRetries int) *Retryer {
	r := NewRetryer(b, RetryConfig{MaxRetries: maxRetries, BaseDelay: time.Millisecond})
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestRetryExhaustsBudgetOnRetryable(t *testing.T) {
	b := &recordingBreaker{allow: true}
	r := newFastRetryer(b, 2)

	calls := 0
	err := r.Do(context.Background(), "quotes", func(context.Context) error {
		calls++
		return &APIError{Kind: KindRateLimited, Status: 429}
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRateLimited, apiErr.Kind)
	// initial attempt + 2 retries
	assert.Equal(t, 3, calls)
	// every failure reported, including the ones followed by a retry
	assert.Equal(t, 3, b.failures)
	assert.Equal(t, 0, b.successes)
}

func TestRetryFailsFastOnNonRetryable(t *testing.T) {
	b := &recordingBreaker{allow: true}
	r := newFastRetryer(b, 3)

	calls := 0
	err := r.Do(context.Background(), "quotes", func(context.Context) error {
		calls++
		return &APIError{Kind: KindBadRequest, Status: 404}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	// 404 is not distress: breaker untouched
	assert.Equal(t, 0, b.failures)
}

func TestRetryServerErrorTripsBreakerButNoRetry(t *testing.T) {
	b := &recordingBreaker{allow: true}
	r := newFastRetryer(b, 3)

	calls := 0
	err := r.Do(context.Background(), "quotes", func(context.Context) error {
		calls++
		return &APIError{Kind: KindUpstreamStatus, Status: 503}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "5xx is distress but not retryable")
	assert.Equal(t, 1, b.failures)
}

func TestRetrySuccessAfterFailureReportsBoth(t *testing.T) {
	b := &recordingBreaker{allow: true}
	r := newFastRetryer(b, 2)

	calls := 0
	err := r.Do(context.Background(), "quotes", func(context.Context) error {
		calls++
		if calls == 1 {
			return &APIError{Kind: KindNetwork, Cause: errors.New("conn reset")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, b.failures)
	assert.Equal(t, 1, b.successes)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	b := &recordingBreaker{allow: true}
	r := newFastRetryer(b, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, "quotes", func(context.Context) error {
		return Classify(ctx.Err(), "AAPL")
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, b.failures, "cancellation is not upstream distress")
	assert.Equal(t, 1, b.releases, "aborted call must return the probe permit")
}

// A probe admitted by a HALF_OPEN circuit whose call is cancelled by the
// caller must leave the circuit able to admit the next probe.
func TestCancelledProbeDoesNotWedgeCircuit(t *testing.T) {
	clock := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	reg := breaker.NewRegistry(1, 30*time.Second)
	reg.SetClock(func() time.Time { return clock })

	reg.RecordFailure("quotes")
	require.Equal(t, breaker.StateOpen, reg.StateLabel("quotes"))

	clock = clock.Add(31 * time.Second)
	require.True(t, reg.CanMakeRequest("quotes"), "cooldown elapsed, probe admitted")

	r := newFastRetryer(reg, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Do(ctx, "quotes", func(ctx context.Context) error {
		return Classify(ctx.Err(), "AAPL")
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, breaker.StateHalfOpen, reg.StateLabel("quotes"))
	assert.True(t, reg.CanMakeRequest("quotes"), "next probe must be admitted")
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	r := NewRetryer(&recordingBreaker{}, RetryConfig{
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       time.Second,
		JitterFraction: 0.5,
	})

	d1 := r.backoff(1)
	assert.GreaterOrEqual(t, d1, 200*time.Millisecond)
	assert.Less(t, d1, 300*time.Millisecond+1)

	// Far past the cap: bounded by maxDelay + jitter.
	d10 := r.backoff(10)
	assert.GreaterOrEqual(t, d10, time.Second)
	assert.LessOrEqual(t, d10, 1500*time.Millisecond)
}
