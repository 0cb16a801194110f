// Package proxy is the resilient read path in front of the upstream
// providers: fresh cache, circuit-breaker gate, retried fetch, then stale
// fallback, in that order.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marketpulse/ingestd/internal/breaker"
	"github.com/marketpulse/ingestd/internal/cache"
	"github.com/marketpulse/ingestd/internal/config"
	"github.com/marketpulse/ingestd/internal/observ"
	"github.com/marketpulse/ingestd/internal/store"
	"github.com/marketpulse/ingestd/internal/upstream"
)

// Actions the proxy serves.
const (
	ActionPrices   = "prices"
	ActionMessages = "messages"
	ActionTrending = "trending"
)

// Sources tagged on results.
const (
	SourceCache = "cache"
	SourceAPI   = "api"
	SourceStale = "stale"
)

// Degradation reasons.
const (
	ReasonCircuitOpen   = "circuit_open"
	ReasonUpstreamError = "upstream_error"
)

// Storage is the durable tier the proxy reads through and writes back to.
// *store.Store implements it.
type Storage interface {
	GetResponse(ctx context.Context, key string) (store.CachedResponse, bool, error)
	GetStaleResponse(ctx context.Context, key string) (store.CachedResponse, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	UpsertPricePoints(ctx context.Context, points []upstream.PricePoint) error
	UpsertMessages(ctx context.Context, msgs []upstream.Message) error
}

// Request identifies one proxied read.
type Request struct {
	Action    string
	Symbol    string
	TimeRange string
}

// Result is a served payload with its provenance tags. Callers use the tags
// to render fresh vs degraded state.
type Result struct {
	Payload  []byte
	Source   string
	Degraded bool
	Reason   string
	Circuit  string
}

// UnavailableError means the circuit is open and no fallback payload
// exists. Transport maps it to 503 with a retry hint.
type UnavailableError struct {
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable, retry after %s", e.RetryAfter)
}

// Proxy ties the tiers together.
type Proxy struct {
	mem      *cache.Memory
	storage  Storage
	breakers breaker.Store
	retryer  *upstream.Retryer
	client   upstream.Client
	ttl      map[string]config.TTLPolicy
	cooldown time.Duration
	now      func() time.Time
}

// New builds a Proxy. cooldown is surfaced as the Retry-After hint when the
// circuit is open with no fallback.
func New(mem *cache.Memory, storage Storage, breakers breaker.Store, retryer *upstream.Retryer,
	client upstream.Client, ttl map[string]config.TTLPolicy, cooldown time.Duration) *Proxy {
	if ttl == nil {
		ttl = config.DefaultTTLs()
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Proxy{
		mem:      mem,
		storage:  storage,
		breakers: breakers,
		retryer:  retryer,
		client:   client,
		ttl:      ttl,
		cooldown: cooldown,
		now:      time.Now,
	}
}

func categoryFor(action string) string {
	switch action {
	case ActionMessages:
		return "messages"
	case ActionTrending:
		return "trending"
	}
	return "quote"
}

// breakerIDFor maps actions to provider circuits. Trending comes from the
// message feed provider, so it shares that circuit.
func breakerIDFor(action string) string {
	switch action {
	case ActionMessages, ActionTrending:
		return "messages"
	}
	return "quotes"
}

// Fetch serves one read request through the tier ladder.
func (p *Proxy) Fetch(ctx context.Context, req Request) (Result, error) {
	var symbol, timeRange string
	if req.Action != ActionTrending {
		var err error
		if symbol, err = upstream.NormalizeSymbol(req.Symbol); err != nil {
			return Result{}, err
		}
		if timeRange, err = upstream.NormalizeRange(req.TimeRange); err != nil {
			return Result{}, err
		}
	}

	key := cache.Key(req.Action, symbol, timeRange)
	category := categoryFor(req.Action)
	breakerID := breakerIDFor(req.Action)
	circuit := func() string { return p.breakers.StateLabel(breakerID) }

	// Tier 1: fresh in-process entry.
	if e, ok := p.mem.Get(key); ok {
		return Result{Payload: e.Payload, Source: SourceCache, Circuit: circuit()}, nil
	}

	// Tier 2: fresh durable row. Storage errors are treated as a miss; the
	// cache is an optimization, not a dependency.
	if row, ok, err := p.storage.GetResponse(ctx, key); err != nil {
		observ.LogError("response_cache_read_failed", err, map[string]any{"key": key})
	} else if ok {
		p.mem.SetUntil(key, row.Payload, row.ExpiresAt, category)
		return Result{Payload: row.Payload, Source: SourceCache, Circuit: circuit()}, nil
	}

	// Tier 3: breaker gate before any upstream attempt.
	if !p.breakers.CanMakeRequest(breakerID) {
		observ.IncCounter("proxy_circuit_denied_total", map[string]string{"id": breakerID})
		if res, ok := p.staleResult(ctx, key, ReasonCircuitOpen, circuit()); ok {
			return res, nil
		}
		return Result{Circuit: circuit()}, &UnavailableError{RetryAfter: p.cooldown}
	}

	// Tier 4: upstream through the retry policy.
	payload, fetchErr := p.fetchUpstream(ctx, breakerID, req.Action, symbol, timeRange)
	if fetchErr == nil {
		p.mem.Set(key, payload, category)
		if err := p.storage.PutResponse(ctx, key, payload, p.ttl[category].StaleAfter); err != nil {
			observ.LogError("response_cache_write_failed", err, map[string]any{"key": key})
		}
		return Result{Payload: payload, Source: SourceAPI, Circuit: circuit()}, nil
	}

	// Tier 5: stale fallback after exhausted retries, else propagate.
	if res, ok := p.staleResult(ctx, key, ReasonUpstreamError, circuit()); ok {
		return res, nil
	}
	return Result{Circuit: circuit()}, fetchErr
}

// fetchUpstream performs the retried provider call and persists the source
// rows before returning the serialized payload.
func (p *Proxy) fetchUpstream(ctx context.Context, breakerID, action, symbol, timeRange string) ([]byte, error) {
	var payload []byte
	err := p.retryer.Do(ctx, breakerID, func(ctx context.Context) error {
		switch action {
		case ActionMessages:
			msgs, err := p.client.FetchMessages(ctx, symbol, p.now().UTC())
			if err != nil {
				return err
			}
			if err := p.storage.UpsertMessages(ctx, msgs); err != nil {
				observ.LogError("message_persist_failed", err, map[string]any{"symbol": symbol})
			}
			payload, err = json.Marshal(map[string]any{"symbol": symbol, "messages": msgs})
			return err
		case ActionTrending:
			list, err := p.client.FetchTrending(ctx)
			if err != nil {
				return err
			}
			payload, err = json.Marshal(map[string]any{"trending": list})
			return err
		default:
			points, err := p.client.FetchQuotes(ctx, symbol, timeRange)
			if err != nil {
				return err
			}
			if err := p.storage.UpsertPricePoints(ctx, points); err != nil {
				observ.LogError("price_persist_failed", err, map[string]any{"symbol": symbol})
			}
			payload, err = json.Marshal(map[string]any{"symbol": symbol, "range": timeRange, "prices": points})
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// staleResult looks for any stale payload, memory first then durable.
func (p *Proxy) staleResult(ctx context.Context, key, reason, circuit string) (Result, bool) {
	if e, ok := p.mem.GetStale(key); ok {
		observ.IncCounter("proxy_degraded_total", map[string]string{"reason": reason, "tier": "memory"})
		return Result{Payload: e.Payload, Source: SourceStale, Degraded: true, Reason: reason, Circuit: circuit}, true
	}
	row, ok, err := p.storage.GetStaleResponse(ctx, key)
	if err != nil {
		observ.LogError("response_cache_stale_read_failed", err, map[string]any{"key": key})
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	observ.IncCounter("proxy_degraded_total", map[string]string{"reason": reason, "tier": "durable"})
	return Result{Payload: row.Payload, Source: SourceStale, Degraded: true, Reason: reason, Circuit: circuit}, true
}
