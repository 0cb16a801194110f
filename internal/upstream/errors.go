package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error kinds classifying upstream failures.
const (
	KindRateLimited    = "rate_limited"    // HTTP 429
	KindUpstreamStatus = "upstream_status" // HTTP 5xx and other server-side statuses
	KindNetwork        = "network"         // transport error or timeout
	KindBadRequest     = "bad_request"     // 4xx other than 429, bad params
	KindDecode         = "decode"          // malformed provider payload
)

// APIError is the typed failure for any upstream call.
type APIError struct {
	Kind    string
	Status  int
	Symbol  string
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("upstream %s", e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Symbol != "" {
		msg = fmt.Sprintf("%s for %s", msg, e.Symbol)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Cause }

// Retryable reports whether a retry could plausibly succeed: rate limiting
// and transport errors only. Client errors and malformed payloads fail fast.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindNetwork
}

// Distress reports whether the failure indicates upstream distress and
// should count toward the circuit breaker. A 404 for a bad symbol must not
// degrade service for every other symbol.
func (e *APIError) Distress() bool {
	switch e.Kind {
	case KindRateLimited, KindNetwork:
		return true
	case KindUpstreamStatus:
		return e.Status >= 500
	}
	return false
}

// Classify wraps an arbitrary error from the HTTP round trip into an
// APIError. Context cancellation passes through untouched so callers can
// distinguish caller-initiated aborts from upstream trouble.
func Classify(err error, symbol string) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	kind := KindNetwork
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindNetwork
	}
	return &APIError{Kind: kind, Symbol: symbol, Message: "request failed", Cause: err}
}
