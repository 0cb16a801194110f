package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketpulse/ingestd/internal/observ"
)

// HTTPClient is the live Client implementation over the provider HTTP APIs.
type HTTPClient struct {
	quoteBaseURL   string
	messageBaseURL string
	apiKey         string
	httpClient     *http.Client
	limiter        *rate.Limiter
}

// HTTPConfig configures the live client.
type HTTPConfig struct {
	QuoteBaseURL       string
	MessageBaseURL     string
	APIKey             string
	TimeoutSeconds     int
	RateLimitPerMinute int
}

// NewHTTPClient creates the live client with sane defaults for zero values.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.QuoteBaseURL == "" || cfg.MessageBaseURL == "" {
		return nil, fmt.Errorf("quote and message base URLs are required")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	return &HTTPClient{
		quoteBaseURL:   cfg.QuoteBaseURL,
		messageBaseURL: cfg.MessageBaseURL,
		apiKey:         cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
	}, nil
}

// FetchQuotes fetches and normalizes price bars for one symbol and range
// token.
func (c *HTTPClient) FetchQuotes(ctx context.Context, symbol, timeRange string) ([]PricePoint, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	tok, err := NormalizeRange(timeRange)
	if err != nil {
		return nil, err
	}
	rp := rangeParams[tok]

	params := url.Values{
		"symbol":   {symbol},
		"range":    {rp.span},
		"interval": {rp.interval},
	}
	body, err := c.doGet(ctx, c.quoteBaseURL+"/v1/prices", params, symbol)
	if err != nil {
		return nil, err
	}
	return c.parsePrices(body, symbol)
}

func (c *HTTPClient) parsePrices(body []byte, symbol string) ([]PricePoint, error) {
	var resp struct {
		Prices []struct {
			TS     int64   `json:"ts"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume int64   `json:"volume"`
		} `json:"prices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Kind: KindDecode, Symbol: symbol, Message: "malformed price response", Cause: err}
	}

	points := make([]PricePoint, 0, len(resp.Prices))
	for _, p := range resp.Prices {
		points = append(points, PricePoint{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(p.TS).UTC(),
			Open:      p.Open,
			High:      p.High,
			Low:       p.Low,
			Close:     p.Close,
			Volume:    p.Volume,
		})
	}
	return points, nil
}

// FetchDailyPrices fetches and normalizes price bars for one UTC day.
func (c *HTTPClient) FetchDailyPrices(ctx context.Context, symbol string, day time.Time) ([]PricePoint, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	day = day.UTC()

	params := url.Values{
		"symbol":   {symbol},
		"from":     {day.Format("2006-01-02")},
		"to":       {day.Add(24 * time.Hour).Format("2006-01-02")},
		"interval": {"15m"},
	}
	body, err := c.doGet(ctx, c.quoteBaseURL+"/v1/prices", params, symbol)
	if err != nil {
		return nil, err
	}
	return c.parsePrices(body, symbol)
}

// FetchMessages fetches and normalizes the social feed for one UTC day.
func (c *HTTPClient) FetchMessages(ctx context.Context, symbol string, day time.Time) ([]Message, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	day = day.UTC()

	params := url.Values{
		"symbol": {symbol},
		"from":   {day.Format("2006-01-02")},
		"to":     {day.Add(24 * time.Hour).Format("2006-01-02")},
	}
	body, err := c.doGet(ctx, c.messageBaseURL+"/v1/messages", params, symbol)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []struct {
			ID        string  `json:"id"`
			Body      string  `json:"body"`
			Sentiment float64 `json:"sentiment"`
			PostedAt  string  `json:"posted_at"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Kind: KindDecode, Symbol: symbol, Message: "malformed message response", Cause: err}
	}

	msgs := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		postedAt, err := time.Parse(time.RFC3339, m.PostedAt)
		if err != nil {
			return nil, &APIError{Kind: KindDecode, Symbol: symbol, Message: fmt.Sprintf("bad posted_at %q", m.PostedAt), Cause: err}
		}
		msgs = append(msgs, Message{
			ID:        m.ID,
			Symbol:    symbol,
			Body:      m.Body,
			Sentiment: m.Sentiment,
			PostedAt:  postedAt.UTC(),
		})
	}
	return msgs, nil
}

// FetchTrending fetches the feed provider's trending symbol list.
func (c *HTTPClient) FetchTrending(ctx context.Context) ([]TrendingSymbol, error) {
	body, err := c.doGet(ctx, c.messageBaseURL+"/v1/trending", nil, "")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Trending []TrendingSymbol `json:"trending"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Kind: KindDecode, Message: "malformed trending response", Cause: err}
	}
	return resp.Trending, nil
}

// doGet performs one rate-limited GET and classifies the response.
func (c *HTTPClient) doGet(ctx context.Context, endpoint string, params url.Values, symbol string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Classify(err, symbol)
	}

	requestURL := endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, &APIError{Kind: KindBadRequest, Symbol: symbol, Message: "build request", Cause: err}
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observ.RecordDuration("upstream_request", time.Since(start), map[string]string{"endpoint": endpoint})
	if err != nil {
		return nil, Classify(err, symbol)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, Classify(err, symbol)
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &APIError{Kind: KindRateLimited, Status: resp.StatusCode, Symbol: symbol, Message: "provider rate limit"}
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{Kind: KindUpstreamStatus, Status: resp.StatusCode, Symbol: symbol, Message: string(body)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{Kind: KindBadRequest, Status: resp.StatusCode, Symbol: symbol, Message: string(body)}
	}
}
