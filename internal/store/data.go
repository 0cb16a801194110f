package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marketpulse/ingestd/internal/upstream"
)

// dayWindow returns the UTC [start, end) millisecond bounds for a
// YYYY-MM-DD date.
func dayWindow(date string) (int64, int64, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return 0, 0, fmt.Errorf("parse date %q: %w", date, err)
	}
	return day.UnixMilli(), day.Add(24 * time.Hour).UnixMilli(), nil
}

// UpsertMessages writes normalized feed messages. Existing ids are
// overwritten so re-ingestion is idempotent.
func (s *Store) UpsertMessages(ctx context.Context, msgs []upstream.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO messages (id, symbol, body, sentiment, posted_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	symbol    = excluded.symbol,
	body      = excluded.body,
	sentiment = excluded.sentiment,
	posted_at = excluded.posted_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.ID, m.Symbol, m.Body, m.Sentiment, m.PostedAt.UTC().UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMessagesForDay clears a symbol's messages for one day. Used by
// forced re-ingestion before re-writing the day.
func (s *Store) DeleteMessagesForDay(ctx context.Context, symbol, date string) error {
	start, end, err := dayWindow(date)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE symbol = ? AND posted_at >= ? AND posted_at < ?`,
		symbol, start, end)
	return err
}

// CountMessagesOn counts a symbol's messages within one UTC calendar day.
func (s *Store) CountMessagesOn(ctx context.Context, symbol, date string) (int, error) {
	start, end, err := dayWindow(date)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE symbol = ? AND posted_at >= ? AND posted_at < ?`,
		symbol, start, end).Scan(&n)
	return n, err
}

// UpsertPricePoints writes normalized price points keyed by (symbol, ts).
func (s *Store) UpsertPricePoints(ctx context.Context, points []upstream.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO price_points (symbol, ts, open, high, low, close, volume)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(symbol, ts) DO UPDATE SET
	open   = excluded.open,
	high   = excluded.high,
	low    = excluded.low,
	close  = excluded.close,
	volume = excluded.volume`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.Symbol, p.Timestamp.UTC().UnixMilli(),
			p.Open, p.High, p.Low, p.Close, p.Volume); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// HasPriceOn reports whether any price point exists for the symbol/day.
func (s *Store) HasPriceOn(ctx context.Context, symbol, date string) (bool, error) {
	start, end, err := dayWindow(date)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM price_points WHERE symbol = ? AND ts >= ? AND ts < ? LIMIT 1`,
		symbol, start, end).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// AvgSentimentOn returns the mean sentiment of a symbol's messages within
// one UTC day, 0 when the day has no messages.
func (s *Store) AvgSentimentOn(ctx context.Context, symbol, date string) (float64, error) {
	start, end, err := dayWindow(date)
	if err != nil {
		return 0, err
	}
	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(sentiment) FROM messages WHERE symbol = ? AND posted_at >= ? AND posted_at < ?`,
		symbol, start, end).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// UpsertDailyAnalytics writes the derived per-day analytics row.
func (s *Store) UpsertDailyAnalytics(ctx context.Context, symbol, date string, messageVolume int, avgSentiment float64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO daily_analytics (symbol, date, message_volume, avg_sentiment, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(symbol, date) DO UPDATE SET
	message_volume = excluded.message_volume,
	avg_sentiment  = excluded.avg_sentiment,
	updated_at     = excluded.updated_at`,
		symbol, date, messageVolume, avgSentiment, time.Now().UTC().UnixMilli())
	return err
}

// HasAnalyticsOn reports whether a daily analytics row exists for the
// symbol/day.
func (s *Store) HasAnalyticsOn(ctx context.Context, symbol, date string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM daily_analytics WHERE symbol = ? AND date = ? LIMIT 1`,
		symbol, date).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteDataBefore removes source rows older than the retention cutoff.
func (s *Store) DeleteDataBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()
	cutoffDate := cutoff.UTC().Format("2006-01-02")

	var total int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE posted_at < ?`, cutoffMs)
	if err != nil {
		return total, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, `DELETE FROM price_points WHERE ts < ?`, cutoffMs)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n

	res, err = s.db.ExecContext(ctx, `DELETE FROM daily_analytics WHERE date < ?`, cutoffDate)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}
