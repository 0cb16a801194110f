// Package transport serves the HTTP API: proxied reads with cache and
// circuit observability headers, coverage reads, and the backfill trigger.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marketpulse/ingestd/internal/backfill"
	"github.com/marketpulse/ingestd/internal/breaker"
	"github.com/marketpulse/ingestd/internal/cache"
	"github.com/marketpulse/ingestd/internal/coverage"
	"github.com/marketpulse/ingestd/internal/observ"
	"github.com/marketpulse/ingestd/internal/proxy"
	"github.com/marketpulse/ingestd/internal/upstream"
)

// Server wires the API handlers to the core components.
type Server struct {
	proxy          *proxy.Proxy
	tracker        *coverage.Tracker
	orchestrator   *backfill.Orchestrator
	breakers       breaker.Store
	memCache       *cache.Memory
	requestTimeout time.Duration
	startedAt      time.Time
}

// New builds a Server. requestTimeout bounds each inbound request; callers
// closing the connection cancel in-flight upstream work through the
// request context.
func New(p *proxy.Proxy, tracker *coverage.Tracker, orch *backfill.Orchestrator,
	breakers breaker.Store, memCache *cache.Memory, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	return &Server{
		proxy:          p,
		tracker:        tracker,
		orchestrator:   orch,
		breakers:       breakers,
		memCache:       memCache,
		requestTimeout: requestTimeout,
		startedAt:      time.Now(),
	}
}

// Handler returns the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stocks/{symbol}/prices", s.handleRead(proxy.ActionPrices))
	mux.HandleFunc("GET /api/stocks/{symbol}/messages", s.handleRead(proxy.ActionMessages))
	mux.HandleFunc("GET /api/trending", s.handleRead(proxy.ActionTrending))
	mux.HandleFunc("GET /api/stocks/{symbol}/coverage", s.handleCoverage)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observ.Handler())
	return mux
}

// ListenAndServe runs the API server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	observ.Log("http_server_started", map[string]any{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleRead serves the proxied reads with the cache and circuit
// observability headers callers rely on. Trending has no symbol or range;
// PathValue and the query lookup both return "" there and the proxy
// skips normalization for that action.
func (s *Server) handleRead(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()

		start := time.Now()
		res, err := s.proxy.Fetch(ctx, proxy.Request{
			Action:    action,
			Symbol:    r.PathValue("symbol"),
			TimeRange: r.URL.Query().Get("range"),
		})
		observ.RecordDuration("api_read", time.Since(start), map[string]string{"action": action})

		if res.Circuit != "" {
			w.Header().Set("X-Circuit", res.Circuit)
		}
		if err != nil {
			s.writeReadError(w, err)
			return
		}

		switch res.Source {
		case proxy.SourceCache:
			w.Header().Set("X-Cache", "HIT")
		case proxy.SourceStale:
			w.Header().Set("X-Cache", "STALE")
		default:
			w.Header().Set("X-Cache", "MISS")
		}
		if res.Degraded {
			w.Header().Set("X-Degraded", "true")
		}

		w.Header().Set("Content-Type", "application/json")
		if res.Degraded {
			// Re-wrap so callers can render the degraded state from the body
			// as well as the headers.
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     json.RawMessage(res.Payload),
				"degraded": true,
				"reason":   res.Reason,
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Payload)
	}
}

func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	var unavail *proxy.UnavailableError
	if errors.As(err, &unavail) {
		w.Header().Set("Retry-After", strconv.Itoa(int(unavail.RetryAfter.Seconds())))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":      "upstream unavailable",
			"retryAfter": int(unavail.RetryAfter.Seconds()),
		})
		return
	}

	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case upstream.KindRateLimited:
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "upstream rate limit"})
		case upstream.KindBadRequest:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": apiErr.Message})
		default:
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream error"})
		}
		return
	}

	observ.LogError("api_read_failed", err, nil)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

// handleCoverage serves the calendar read: all records for one symbol and
// month.
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid year"})
		return
	}
	month, err := strconv.Atoi(r.URL.Query().Get("month"))
	if err != nil || month < 1 || month > 12 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid month"})
		return
	}

	recs, err := s.tracker.Month(ctx, symbol, year, time.Month(month))
	if err != nil {
		observ.LogError("coverage_read_failed", err, map[string]any{"symbol": symbol})
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "coverage": recs})
}

type ingestRequest struct {
	Symbol string `json:"symbol"`
	Date   string `json:"date"`
	Type   string `json:"type"`
}

// handleIngest is the manual/scheduled backfill trigger.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}
	if req.Type == "" {
		req.Type = backfill.TypeAll
	}

	res, err := s.orchestrator.Trigger(ctx, req.Symbol, req.Date, req.Type)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": res})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	circuits := map[string]any{}
	status := "healthy"
	for _, id := range []string{"quotes", "messages"} {
		snap := s.breakers.Snapshot(id)
		circuits[id] = snap
		if snap.State != breaker.StateClosed {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, observ.HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Circuits:  circuits,
		Cache:     s.memCache.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
