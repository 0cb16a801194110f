// Package upstream fetches volatile third-party market and social data and
// normalizes it before anything else in the system touches it.
package upstream

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Client fetches provider data. Implementations are stateless beyond
// request construction and rate limiting.
type Client interface {
	// FetchQuotes returns normalized price points for a logical time range
	// token (1H, 6H, 1D, 24H, 7D, 30D).
	FetchQuotes(ctx context.Context, symbol, timeRange string) ([]PricePoint, error)
	// FetchDailyPrices returns normalized price points for one UTC day.
	// Backfill uses this to target historical days directly.
	FetchDailyPrices(ctx context.Context, symbol string, day time.Time) ([]PricePoint, error)
	// FetchMessages returns normalized feed messages for one UTC day.
	FetchMessages(ctx context.Context, symbol string, day time.Time) ([]Message, error)
	// FetchTrending returns the feed provider's current trending symbols.
	FetchTrending(ctx context.Context) ([]TrendingSymbol, error)
}

// PricePoint is the normalized shape for one OHLCV bar.
type PricePoint struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// TrendingSymbol is one entry of the provider's trending list.
type TrendingSymbol struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

// Message is the normalized shape for one social feed message.
type Message struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Body      string    `json:"body"`
	Sentiment float64   `json:"sentiment"`
	PostedAt  time.Time `json:"posted_at"`
}

// rangeParam maps a logical range token to provider range/interval query
// parameters.
type rangeParam struct {
	span     string
	interval string
}

var rangeParams = map[string]rangeParam{
	"1H":  {span: "1h", interval: "1m"},
	"6H":  {span: "6h", interval: "5m"},
	"1D":  {span: "1d", interval: "15m"},
	"24H": {span: "1d", interval: "15m"},
	"7D":  {span: "7d", interval: "1h"},
	"30D": {span: "30d", interval: "1d"},
}

// NormalizeRange validates and canonicalizes a time-range token.
func NormalizeRange(timeRange string) (string, error) {
	tok := strings.ToUpper(strings.TrimSpace(timeRange))
	if tok == "" {
		tok = "24H"
	}
	if _, ok := rangeParams[tok]; !ok {
		return "", &APIError{Kind: KindBadRequest, Message: fmt.Sprintf("unknown time range %q", timeRange)}
	}
	return tok, nil
}

// NormalizeSymbol trims and uppercases a ticker symbol.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", &APIError{Kind: KindBadRequest, Message: "empty symbol"}
	}
	return s, nil
}
