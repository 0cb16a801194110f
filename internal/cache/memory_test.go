package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/marketpulse/ingestd/internal/config"
)

func TestKeyDeterministic(t *testing.T) {
	k1 := Key("prices", " aapl ", "24H")
	k2 := Key("prices", "AAPL", "24H")
	if k1 != k2 {
		t.Fatalf("keys differ for identical requests: %q vs %q", k1, k2)
	}
}

func TestGetFreshAndExpired(t *testing.T) {
	ttl := map[string]config.TTLPolicy{
		"quote": {StaleAfter: 50 * time.Millisecond, EvictAfter: time.Minute},
	}
	m := NewMemory(10, ttl)

	key := Key("prices", "AAPL", "24H")
	m.Set(key, []byte(`{"last":190.5}`), "quote")

	e, ok := m.Get(key)
	if !ok {
		t.Fatal("expected fresh hit")
	}
	if string(e.Payload) != `{"last":190.5}` {
		t.Fatalf("unexpected payload %q", e.Payload)
	}
	if !e.ExpiresAt.After(e.CreatedAt) {
		t.Fatal("expiresAt must be after createdAt")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := m.Get(key); ok {
		t.Fatal("expired entry returned from fresh Get")
	}
	if _, ok := m.GetStale(key); !ok {
		t.Fatal("expired entry should still serve via GetStale")
	}
}

func TestGetStaleRespectsEvictWindow(t *testing.T) {
	ttl := map[string]config.TTLPolicy{
		"trending": {StaleAfter: 10 * time.Millisecond, EvictAfter: 40 * time.Millisecond},
	}
	m := NewMemory(10, ttl)

	key := Key("trending", "TSLA", "1H")
	m.Set(key, []byte("[]"), "trending")

	time.Sleep(50 * time.Millisecond)
	if _, ok := m.GetStale(key); ok {
		t.Fatal("entry past evict window should be gone for stale reads too")
	}
}

func TestSetUntilKeepsExternalDeadline(t *testing.T) {
	ttl := map[string]config.TTLPolicy{
		"quote": {StaleAfter: time.Hour, EvictAfter: 2 * time.Hour},
	}
	m := NewMemory(10, ttl)

	key := Key("prices", "AAPL", "24H")
	m.SetUntil(key, []byte("x"), time.Now().Add(20*time.Millisecond), "quote")

	if _, ok := m.Get(key); !ok {
		t.Fatal("expected fresh hit before the deadline")
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Get(key); ok {
		t.Fatal("entry must expire at the given deadline, not the category TTL")
	}
	if _, ok := m.GetStale(key); !ok {
		t.Fatal("stale window past the deadline should still serve")
	}
}

func TestBatchEvictionTrimsToTarget(t *testing.T) {
	m := NewMemory(10, nil)

	for i := 0; i < 11; i++ {
		m.Set(fmt.Sprintf("k%02d", i), []byte("x"), "quote")
		time.Sleep(time.Millisecond) // distinct insertion order
	}

	stats := m.Stats()
	if stats.Entries != 8 {
		t.Fatalf("entries after eviction = %d, want 8 (80%% of 10)", stats.Entries)
	}
	if stats.Evictions != 3 {
		t.Fatalf("evictions = %d, want 3", stats.Evictions)
	}

	// Oldest entries are the ones removed.
	for i := 0; i < 3; i++ {
		if _, ok := m.GetStale(fmt.Sprintf("k%02d", i)); ok {
			t.Fatalf("oldest entry k%02d survived eviction", i)
		}
	}
	if _, ok := m.Get("k10"); !ok {
		t.Fatal("newest entry evicted")
	}
}

func TestCleanupRemovesOnlyEvictable(t *testing.T) {
	ttl := map[string]config.TTLPolicy{
		"quote":    {StaleAfter: time.Minute, EvictAfter: time.Hour},
		"trending": {StaleAfter: time.Millisecond, EvictAfter: 10 * time.Millisecond},
	}
	m := NewMemory(10, ttl)

	m.Set("keep", []byte("x"), "quote")
	m.Set("drop", []byte("x"), "trending")

	time.Sleep(20 * time.Millisecond)
	if removed := m.Cleanup(); removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
	if _, ok := m.Get("keep"); !ok {
		t.Fatal("fresh entry removed by cleanup")
	}
}
