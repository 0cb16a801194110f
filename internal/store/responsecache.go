package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CachedResponse is one row of the persisted response cache.
type CachedResponse struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// GetResponse returns the cached payload when still fresh. A missing or
// expired row reports found=false rather than an error.
func (s *Store) GetResponse(ctx context.Context, key string) (CachedResponse, bool, error) {
	return s.getResponse(ctx, key, false)
}

// GetStaleResponse returns the cached payload ignoring expiry, for degraded
// serving when upstream is unavailable.
func (s *Store) GetStaleResponse(ctx context.Context, key string) (CachedResponse, bool, error) {
	return s.getResponse(ctx, key, true)
}

func (s *Store) getResponse(ctx context.Context, key string, allowStale bool) (CachedResponse, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT cache_key, payload, created_at, expires_at
FROM response_cache WHERE cache_key = ?`, key)

	var r CachedResponse
	var created, expires int64
	if err := row.Scan(&r.Key, &r.Payload, &created, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CachedResponse{}, false, nil
		}
		return CachedResponse{}, false, err
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.ExpiresAt = time.UnixMilli(expires).UTC()

	if !allowStale && time.Now().After(r.ExpiresAt) {
		return CachedResponse{}, false, nil
	}
	return r, true, nil
}

// PutResponse upserts a cache row keyed by cache_key.
func (s *Store) PutResponse(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO response_cache (cache_key, payload, created_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(cache_key) DO UPDATE SET
	payload    = excluded.payload,
	created_at = excluded.created_at,
	expires_at = excluded.expires_at`,
		key, payload, now.UnixMilli(), now.Add(ttl).UnixMilli())
	return err
}

// DeleteExpiredResponses removes rows whose stale-serving window has passed.
// Rows are kept for grace past expires_at so stale fallback stays possible.
func (s *Store) DeleteExpiredResponses(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
