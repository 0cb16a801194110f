// Package breaker guards upstream providers with a per-dependency circuit
// breaker so a failing provider cannot pile up requests.
package breaker

import (
	"sync"
	"time"

	"github.com/marketpulse/ingestd/internal/observ"
)

// State labels exposed through StateLabel and the X-Circuit header.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Store gates upstream access per dependency id. Implementations must be
// safe for concurrent use.
type Store interface {
	CanMakeRequest(id string) bool
	RecordSuccess(id string)
	RecordFailure(id string)
	ReleaseProbe(id string)
	StateLabel(id string) string
	Snapshot(id string) Snapshot
}

// Snapshot is a point-in-time view of one circuit for health reporting.
type Snapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`
}

type circuit struct {
	state               string
	consecutiveFailures int
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	probeInFlight       bool
}

// Registry is the in-memory Store. Counters are per-process and reset on
// restart; the breaker is protection, not a source of truth.
type Registry struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewRegistry creates a Registry that opens a circuit after threshold
// consecutive failures and holds it open for cooldown.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Registry{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) get(id string) *circuit {
	c, ok := r.circuits[id]
	if !ok {
		c = &circuit{state: StateClosed}
		r.circuits[id] = c
	}
	return c
}

// CanMakeRequest reports whether a call to id may proceed. While OPEN it
// returns false until the cooldown since lastFailureAt elapses, then flips
// to HALF_OPEN and admits exactly one probe.
func (r *Registry) CanMakeRequest(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(id)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if r.now().Sub(c.lastFailureAt) < r.cooldown {
			return false
		}
		r.transition(id, c, StateHalfOpen, "cooldown_elapsed")
		c.probeInFlight = true
		return true
	case StateHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit and resets failure counters.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(id)
	c.consecutiveFailures = 0
	c.lastSuccessAt = r.now()
	c.probeInFlight = false
	if c.state != StateClosed {
		r.transition(id, c, StateClosed, "probe_success")
	}
}

// RecordFailure counts one distress-class failure. Callers must classify:
// only failures indicating upstream distress (5xx, 429, network/timeout)
// belong here. A HALF_OPEN probe failure reopens the circuit and restarts
// the cooldown clock.
func (r *Registry) RecordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(id)
	c.consecutiveFailures++
	c.lastFailureAt = r.now()
	c.probeInFlight = false

	switch c.state {
	case StateHalfOpen:
		r.transition(id, c, StateOpen, "probe_failure")
	case StateClosed:
		if c.consecutiveFailures >= r.threshold {
			r.transition(id, c, StateOpen, "failure_threshold")
		}
	}
}

// ReleaseProbe returns an unresolved probe permit. Calls that end without a
// verdict on upstream health, such as caller cancellation, must release the
// permit or a HALF_OPEN circuit would never admit another probe.
func (r *Registry) ReleaseProbe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(id).probeInFlight = false
}

// StateLabel returns the current state, surfacing HALF_OPEN once the
// cooldown has elapsed even before the next request arrives.
func (r *Registry) StateLabel(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(id)
	if c.state == StateOpen && r.now().Sub(c.lastFailureAt) >= r.cooldown {
		return StateHalfOpen
	}
	return c.state
}

func (r *Registry) Snapshot(id string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.get(id)
	return Snapshot{
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		LastFailureAt:       c.lastFailureAt,
		LastSuccessAt:       c.lastSuccessAt,
	}
}

func (r *Registry) transition(id string, c *circuit, newState, reason string) {
	prev := c.state
	c.state = newState
	observ.IncCounter("circuit_transitions_total", map[string]string{
		"id":     id,
		"from":   prev,
		"to":     newState,
		"reason": reason,
	})
	observ.Log("circuit_state_changed", map[string]any{
		"id":     id,
		"from":   prev,
		"to":     newState,
		"reason": reason,
	})
}
