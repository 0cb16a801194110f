package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/ingestd/internal/backfill"
	"github.com/marketpulse/ingestd/internal/breaker"
	"github.com/marketpulse/ingestd/internal/cache"
	"github.com/marketpulse/ingestd/internal/config"
	"github.com/marketpulse/ingestd/internal/coverage"
	"github.com/marketpulse/ingestd/internal/observ"
	"github.com/marketpulse/ingestd/internal/proxy"
	"github.com/marketpulse/ingestd/internal/store"
	"github.com/marketpulse/ingestd/internal/upstream"
)

type fakeClient struct {
	mu       sync.Mutex
	quoteErr error
	points   []upstream.PricePoint
	messages []upstream.Message
}

func (f *fakeClient) FetchQuotes(ctx context.Context, symbol, timeRange string) ([]upstream.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return f.points, nil
}

func (f *fakeClient) FetchDailyPrices(ctx context.Context, symbol string, day time.Time) ([]upstream.PricePoint, error) {
	return f.FetchQuotes(ctx, symbol, "1D")
}

func (f *fakeClient) FetchMessages(ctx context.Context, symbol string, day time.Time) ([]upstream.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

func (f *fakeClient) FetchTrending(ctx context.Context) ([]upstream.TrendingSymbol, error) {
	return []upstream.TrendingSymbol{{Symbol: "NVDA", Score: 0.9}}, nil
}

func (f *fakeClient) setQuoteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteErr = err
}

type fixture struct {
	handler  http.Handler
	client   *fakeClient
	breakers *breaker.Registry
	store    *store.Store
}

func newFixture(t *testing.T, ttl map[string]config.TTLPolicy) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if ttl == nil {
		ttl = config.DefaultTTLs()
	}
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{
		points: []upstream.PricePoint{{
			Symbol: "AAPL", Timestamp: day.Add(15 * time.Hour), Open: 190, High: 191, Low: 189, Close: 190.5, Volume: 1000,
		}},
		messages: []upstream.Message{{
			ID: "m-1", Symbol: "AAPL", Body: "bullish", Sentiment: 0.8, PostedAt: day.Add(10 * time.Hour),
		}},
	}
	breakers := breaker.NewRegistry(2, 30*time.Second)
	retryer := upstream.NewRetryer(breakers, upstream.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond})
	mem := cache.NewMemory(100, ttl)
	px := proxy.New(mem, st, breakers, retryer, client, ttl, 30*time.Second)
	tracker := coverage.New(st)
	orch := backfill.New(st, tracker, client, retryer, time.Minute)

	srv := New(px, tracker, orch, breakers, mem, 5*time.Second)
	return &fixture{handler: srv.Handler(), client: client, breakers: breakers, store: st}
}

func (f *fixture) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestPricesMissThenHit(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/stocks/aapl/prices?range=24H", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, breaker.StateClosed, rec.Header().Get("X-Circuit"))
	assert.Empty(t, rec.Header().Get("X-Degraded"))

	var payload struct {
		Symbol string `json:"symbol"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "AAPL", payload.Symbol)

	rec = f.do(t, http.MethodGet, "/api/stocks/AAPL/prices?range=24H", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
}

func TestPricesStaleWhenCircuitOpen(t *testing.T) {
	ttl := map[string]config.TTLPolicy{
		"quote": {StaleAfter: 20 * time.Millisecond, EvictAfter: time.Hour},
	}
	f := newFixture(t, ttl)

	rec := f.do(t, http.MethodGet, "/api/stocks/AAPL/prices?range=24H", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	time.Sleep(30 * time.Millisecond)
	f.breakers.RecordFailure("quotes")
	f.breakers.RecordFailure("quotes")

	rec = f.do(t, http.MethodGet, "/api/stocks/AAPL/prices?range=24H", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STALE", rec.Header().Get("X-Cache"))
	assert.Equal(t, "true", rec.Header().Get("X-Degraded"))
	assert.Equal(t, breaker.StateOpen, rec.Header().Get("X-Circuit"))

	var body struct {
		Degraded bool   `json:"degraded"`
		Reason   string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Degraded)
	assert.Equal(t, proxy.ReasonCircuitOpen, body.Reason)
}

func TestPricesUnavailableWithoutFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.breakers.RecordFailure("quotes")
	f.breakers.RecordFailure("quotes")

	rec := f.do(t, http.MethodGet, "/api/stocks/AAPL/prices?range=24H", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, breaker.StateOpen, rec.Header().Get("X-Circuit"))
}

func TestPricesRateLimitPassthrough(t *testing.T) {
	f := newFixture(t, nil)
	f.client.setQuoteErr(&upstream.APIError{Kind: upstream.KindRateLimited, Status: 429, Message: "slow down"})

	rec := f.do(t, http.MethodGet, "/api/stocks/AAPL/prices?range=24H", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPricesBadRange(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/stocks/AAPL/prices?range=99Y", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrendingMissThenHit(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/trending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	var payload struct {
		Trending []upstream.TrendingSymbol `json:"trending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Trending, 1)
	assert.Equal(t, "NVDA", payload.Trending[0].Symbol)

	rec = f.do(t, http.MethodGet, "/api/trending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
}

func TestIngestThenCoverageRead(t *testing.T) {
	f := newFixture(t, nil)

	body, _ := json.Marshal(map[string]string{"symbol": "AAPL", "date": "2024-03-05", "type": "all"})
	rec := f.do(t, http.MethodPost, "/api/ingest", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var trig struct {
		Success bool `json:"success"`
		Data    struct {
			JobID    string               `json:"job_id"`
			Coverage store.CoverageRecord `json:"coverage"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trig))
	require.True(t, trig.Success)
	assert.NotEmpty(t, trig.Data.JobID)
	assert.Equal(t, store.StatusCompleted, trig.Data.Coverage.IngestionStatus)

	rec = f.do(t, http.MethodGet, "/api/stocks/AAPL/coverage?year=2024&month=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cov struct {
		Symbol   string                 `json:"symbol"`
		Coverage []store.CoverageRecord `json:"coverage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cov))
	assert.Equal(t, "AAPL", cov.Symbol)
	require.Len(t, cov.Coverage, 1)
	assert.Equal(t, "2024-03-05", cov.Coverage[0].Date)
	assert.True(t, cov.Coverage[0].HasMessages)
}

func TestIngestRejectsBadType(t *testing.T) {
	f := newFixture(t, nil)

	body, _ := json.Marshal(map[string]string{"symbol": "AAPL", "date": "2024-03-05", "type": "prices"})
	rec := f.do(t, http.MethodPost, "/api/ingest", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestCoverageValidatesMonth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/stocks/AAPL/coverage?year=2024&month=13", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/stocks/AAPL/coverage?year=nope&month=3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReflectsCircuits(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health observ.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)

	f.breakers.RecordFailure("quotes")
	f.breakers.RecordFailure("quotes")
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
}
