package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ingestion job statuses persisted on coverage rows. Transitions run
// queued -> running -> completed|failed; a fresh queued may re-enter after
// a terminal status.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CoverageRecord is the durable projection of what data exists for one
// symbol and calendar day.
type CoverageRecord struct {
	Symbol          string     `json:"symbol"`
	Date            string     `json:"date"` // YYYY-MM-DD (UTC)
	HasMessages     bool       `json:"has_messages"`
	HasAnalytics    bool       `json:"has_analytics"`
	HasPrice        bool       `json:"has_price"`
	MessageCount    int        `json:"message_count"`
	IngestionStatus string     `json:"ingestion_status,omitempty"`
	JobID           string     `json:"job_id,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Complete reports whether every category is present for the day.
func (c CoverageRecord) Complete() bool {
	return c.HasMessages && c.HasAnalytics && c.HasPrice
}

// UpsertCoverageFlags writes the derived coverage booleans and count for
// (symbol, date), leaving the ingestion status fields untouched.
func (s *Store) UpsertCoverageFlags(ctx context.Context, symbol, date string, hasMessages, hasAnalytics, hasPrice bool, messageCount int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO coverage (symbol, date, has_messages, has_analytics, has_price, message_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(symbol, date) DO UPDATE SET
	has_messages  = excluded.has_messages,
	has_analytics = excluded.has_analytics,
	has_price     = excluded.has_price,
	message_count = excluded.message_count,
	updated_at    = excluded.updated_at`,
		symbol, date, boolInt(hasMessages), boolInt(hasAnalytics), boolInt(hasPrice),
		messageCount, time.Now().UTC().UnixMilli())
	return err
}

// SetIngestionStatus writes the job status for (symbol, date) as an
// unconditional upsert. Running statuses stamp the heartbeat so the sweeper
// can reclaim crashed jobs.
func (s *Store) SetIngestionStatus(ctx context.Context, symbol, date, status, jobID string) error {
	now := time.Now().UTC().UnixMilli()
	var heartbeat any
	if status == StatusRunning {
		heartbeat = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO coverage (symbol, date, ingestion_status, job_id, heartbeat_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(symbol, date) DO UPDATE SET
	ingestion_status = excluded.ingestion_status,
	job_id           = excluded.job_id,
	heartbeat_at     = excluded.heartbeat_at,
	updated_at       = excluded.updated_at`,
		symbol, date, status, jobID, heartbeat, now)
	return err
}

// Heartbeat refreshes the running-job heartbeat for (symbol, date).
func (s *Store) Heartbeat(ctx context.Context, symbol, date string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE coverage SET heartbeat_at = ?, updated_at = ?
WHERE symbol = ? AND date = ? AND ingestion_status = ?`,
		time.Now().UTC().UnixMilli(), time.Now().UTC().UnixMilli(), symbol, date, StatusRunning)
	return err
}

// GetCoverage returns the record for one (symbol, date), found=false when
// none exists.
func (s *Store) GetCoverage(ctx context.Context, symbol, date string) (CoverageRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, coverageSelect+` WHERE symbol = ? AND date = ?`, symbol, date)
	rec, err := scanCoverage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CoverageRecord{}, false, nil
		}
		return CoverageRecord{}, false, err
	}
	return rec, true, nil
}

// GetCoverageMonth returns all records for a symbol within a calendar month,
// ordered by date, for calendar rendering.
func (s *Store) GetCoverageMonth(ctx context.Context, symbol string, year int, month time.Month) ([]CoverageRecord, error) {
	prefix := fmt.Sprintf("%04d-%02d-", year, month)
	rows, err := s.db.QueryContext(ctx,
		coverageSelect+` WHERE symbol = ? AND date LIKE ? ORDER BY date ASC`,
		symbol, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CoverageRecord
	for rows.Next() {
		rec, err := scanCoverage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StaleRunning returns records stuck in running with a heartbeat older than
// the lease window.
func (s *Store) StaleRunning(ctx context.Context, lease time.Duration) ([]CoverageRecord, error) {
	cutoff := time.Now().UTC().Add(-lease).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		coverageSelect+` WHERE ingestion_status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		StatusRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CoverageRecord
	for rows.Next() {
		rec, err := scanCoverage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteCoverageBefore removes coverage rows older than the retention
// cutoff date (YYYY-MM-DD).
func (s *Store) DeleteCoverageBefore(ctx context.Context, cutoffDate string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM coverage WHERE date < ?`, cutoffDate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const coverageSelect = `
SELECT symbol, date, has_messages, has_analytics, has_price, message_count,
       ingestion_status, job_id, heartbeat_at, updated_at
FROM coverage`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoverage(row rowScanner) (CoverageRecord, error) {
	var rec CoverageRecord
	var hasMsg, hasAna, hasPrice int
	var status, jobID sql.NullString
	var heartbeat sql.NullInt64
	var updated int64
	if err := row.Scan(&rec.Symbol, &rec.Date, &hasMsg, &hasAna, &hasPrice,
		&rec.MessageCount, &status, &jobID, &heartbeat, &updated); err != nil {
		return CoverageRecord{}, err
	}
	rec.HasMessages = hasMsg != 0
	rec.HasAnalytics = hasAna != 0
	rec.HasPrice = hasPrice != 0
	if status.Valid {
		rec.IngestionStatus = status.String
	}
	if jobID.Valid {
		rec.JobID = jobID.String
	}
	if heartbeat.Valid {
		t := time.UnixMilli(heartbeat.Int64).UTC()
		rec.HeartbeatAt = &t
	}
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
