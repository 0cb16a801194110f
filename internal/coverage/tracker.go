// Package coverage maintains the per-symbol, per-day record of which data
// categories have been durably recorded. Coverage is derived from the
// source tables, never hand-maintained, so a recompute can always rebuild
// it.
package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/marketpulse/ingestd/internal/observ"
	"github.com/marketpulse/ingestd/internal/store"
)

// Storage is the slice of the durable store the tracker needs.
// *store.Store implements it.
type Storage interface {
	CountMessagesOn(ctx context.Context, symbol, date string) (int, error)
	HasPriceOn(ctx context.Context, symbol, date string) (bool, error)
	HasAnalyticsOn(ctx context.Context, symbol, date string) (bool, error)
	UpsertCoverageFlags(ctx context.Context, symbol, date string, hasMessages, hasAnalytics, hasPrice bool, messageCount int) error
	SetIngestionStatus(ctx context.Context, symbol, date, status, jobID string) error
	GetCoverage(ctx context.Context, symbol, date string) (store.CoverageRecord, bool, error)
	GetCoverageMonth(ctx context.Context, symbol string, year int, month time.Month) ([]store.CoverageRecord, error)
}

// Tracker recomputes and reads coverage records.
type Tracker struct {
	storage Storage
}

func New(storage Storage) *Tracker {
	return &Tracker{storage: storage}
}

// Compute rederives coverage for each date from the source tables and
// upserts the result. Each category is checked independently by existence
// query, so a flag is never true without underlying rows. Idempotent.
func (t *Tracker) Compute(ctx context.Context, symbol string, dates []string) ([]store.CoverageRecord, error) {
	out := make([]store.CoverageRecord, 0, len(dates))
	for _, date := range dates {
		msgCount, err := t.storage.CountMessagesOn(ctx, symbol, date)
		if err != nil {
			return nil, fmt.Errorf("count messages %s/%s: %w", symbol, date, err)
		}
		hasPrice, err := t.storage.HasPriceOn(ctx, symbol, date)
		if err != nil {
			return nil, fmt.Errorf("check price %s/%s: %w", symbol, date, err)
		}
		hasAnalytics, err := t.storage.HasAnalyticsOn(ctx, symbol, date)
		if err != nil {
			return nil, fmt.Errorf("check analytics %s/%s: %w", symbol, date, err)
		}

		if err := t.storage.UpsertCoverageFlags(ctx, symbol, date, msgCount > 0, hasAnalytics, hasPrice, msgCount); err != nil {
			return nil, fmt.Errorf("upsert coverage %s/%s: %w", symbol, date, err)
		}

		rec, _, err := t.storage.GetCoverage(ctx, symbol, date)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	observ.IncCounterBy("coverage_recomputes_total", map[string]string{"symbol": symbol}, float64(len(dates)))
	return out, nil
}

// Month is the pure read used for calendar rendering.
func (t *Tracker) Month(ctx context.Context, symbol string, year int, month time.Month) ([]store.CoverageRecord, error) {
	return t.storage.GetCoverageMonth(ctx, symbol, year, month)
}

// Status transition writes. Unconditional upserts keyed on (symbol, date);
// last write wins.

func (t *Tracker) MarkQueued(ctx context.Context, symbol, date, jobID string) error {
	return t.setStatus(ctx, symbol, date, store.StatusQueued, jobID)
}

func (t *Tracker) MarkRunning(ctx context.Context, symbol, date, jobID string) error {
	return t.setStatus(ctx, symbol, date, store.StatusRunning, jobID)
}

func (t *Tracker) MarkCompleted(ctx context.Context, symbol, date, jobID string) error {
	return t.setStatus(ctx, symbol, date, store.StatusCompleted, jobID)
}

func (t *Tracker) MarkFailed(ctx context.Context, symbol, date, jobID string) error {
	return t.setStatus(ctx, symbol, date, store.StatusFailed, jobID)
}

func (t *Tracker) setStatus(ctx context.Context, symbol, date, status, jobID string) error {
	if err := t.storage.SetIngestionStatus(ctx, symbol, date, status, jobID); err != nil {
		return fmt.Errorf("set status %s for %s/%s: %w", status, symbol, date, err)
	}
	observ.IncCounter("ingestion_status_writes_total", map[string]string{"status": status})
	return nil
}
