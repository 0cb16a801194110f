// Package cache holds the in-process tier of the response cache: bounded,
// TTL-keyed by category, with stale reads kept around for degraded serving.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marketpulse/ingestd/internal/config"
	"github.com/marketpulse/ingestd/internal/observ"
)

// Entry is one cached payload with its freshness window.
type Entry struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Key builds the composite cache key. Parameters are ordered
// deterministically so identical requests hash identically.
func Key(action, symbol, timeRange string) string {
	return fmt.Sprintf("%s:%s:%s", action, strings.ToUpper(strings.TrimSpace(symbol)), timeRange)
}

// Memory is the process-local cache tier. State does not survive restarts;
// the durable tier in internal/store does.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]*memEntry
	maxEntries int
	ttl        map[string]config.TTLPolicy

	hits      int64
	misses    int64
	staleHits int64
	evictions int64
}

type memEntry struct {
	payload    []byte
	createdAt  time.Time
	expiresAt  time.Time // fresh until here
	evictAfter time.Time // stale-fallback eligible until here
}

// NewMemory creates a bounded cache with per-category TTL policies.
func NewMemory(maxEntries int, ttl map[string]config.TTLPolicy) *Memory {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	if ttl == nil {
		ttl = config.DefaultTTLs()
	}
	return &Memory{
		entries:    make(map[string]*memEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// Get returns the entry when it is still fresh. Expired entries are
// logically absent here but remain readable through GetStale.
func (m *Memory) Get(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		m.misses++
		observ.IncCounter("cache_memory_miss_total", nil)
		return Entry{}, false
	}
	m.hits++
	observ.IncCounter("cache_memory_hit_total", nil)
	return e.toEntry(key), true
}

// GetStale returns the entry ignoring freshness, as long as it has not been
// evicted and is still within its stale-serving window.
func (m *Memory) GetStale(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || time.Now().After(e.evictAfter) {
		return Entry{}, false
	}
	m.staleHits++
	observ.IncCounter("cache_memory_stale_hit_total", nil)
	return e.toEntry(key), true
}

// Set stores a freshly fetched payload under the category's TTL policy,
// evicting in batch when the cache is over capacity.
func (m *Memory) Set(key string, payload []byte, category string) {
	m.SetUntil(key, payload, time.Now().Add(m.policy(category).StaleAfter), category)
}

// SetUntil stores a payload that keeps an externally determined freshness
// deadline, as when rehydrating from the durable tier: the entry must not
// outlive the row it came from. The stale-serving window past the deadline
// still follows the category policy.
func (m *Memory) SetUntil(key string, payload []byte, expiresAt time.Time, category string) {
	pol := m.policy(category)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = &memEntry{
		payload:    payload,
		createdAt:  time.Now(),
		expiresAt:  expiresAt,
		evictAfter: expiresAt.Add(pol.EvictAfter - pol.StaleAfter),
	}

	if len(m.entries) > m.maxEntries {
		m.evictOldest()
	}
}

func (m *Memory) policy(category string) config.TTLPolicy {
	if pol, ok := m.ttl[category]; ok {
		return pol
	}
	return config.TTLPolicy{StaleAfter: time.Minute, EvictAfter: 5 * time.Minute}
}

// evictOldest trims oldest-by-insertion entries down to 80% of capacity in
// one pass, so sustained load does not churn one eviction per insert.
// Caller holds the lock.
func (m *Memory) evictOldest() {
	target := m.maxEntries * 8 / 10
	excess := len(m.entries) - target
	if excess <= 0 {
		return
	}

	type aged struct {
		key       string
		createdAt time.Time
	}
	all := make([]aged, 0, len(m.entries))
	for k, e := range m.entries {
		all = append(all, aged{k, e.createdAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	for i := 0; i < excess; i++ {
		delete(m.entries, all[i].key)
	}
	m.evictions += int64(excess)
	observ.IncCounterBy("cache_memory_evictions_total", nil, float64(excess))
}

// Cleanup drops entries past their stale-serving window. Run periodically.
func (m *Memory) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range m.entries {
		if now.After(e.evictAfter) {
			delete(m.entries, k)
			removed++
		}
	}
	if removed > 0 {
		m.evictions += int64(removed)
		observ.IncCounterBy("cache_memory_evictions_total", nil, float64(removed))
	}
	return removed
}

// Stats returns a snapshot for health reporting.
func (m *Memory) Stats() observ.CacheStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return observ.CacheStats{
		Entries:   len(m.entries),
		Hits:      m.hits,
		Misses:    m.misses,
		StaleHits: m.staleHits,
		Evictions: m.evictions,
	}
}

func (e *memEntry) toEntry(key string) Entry {
	payload := make([]byte, len(e.payload))
	copy(payload, e.payload)
	return Entry{
		Key:       key,
		Payload:   payload,
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt,
	}
}
