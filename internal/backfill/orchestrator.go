// Package backfill detects missing days and drives the ingestion path to
// fill them, walking each job through the coverage status machine.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marketpulse/ingestd/internal/coverage"
	"github.com/marketpulse/ingestd/internal/observ"
	"github.com/marketpulse/ingestd/internal/store"
	"github.com/marketpulse/ingestd/internal/upstream"
)

// Trigger types accepted from the scheduler or manual UI action.
const (
	TypeMessages  = "messages"
	TypeAnalytics = "analytics"
	TypeAll       = "all"
)

// Storage is the slice of the durable store the orchestrator needs.
// *store.Store implements it.
type Storage interface {
	UpsertMessages(ctx context.Context, msgs []upstream.Message) error
	DeleteMessagesForDay(ctx context.Context, symbol, date string) error
	UpsertPricePoints(ctx context.Context, points []upstream.PricePoint) error
	CountMessagesOn(ctx context.Context, symbol, date string) (int, error)
	AvgSentimentOn(ctx context.Context, symbol, date string) (float64, error)
	UpsertDailyAnalytics(ctx context.Context, symbol, date string, messageVolume int, avgSentiment float64) error
	Heartbeat(ctx context.Context, symbol, date string) error
	StaleRunning(ctx context.Context, lease time.Duration) ([]store.CoverageRecord, error)
}

// Result reports one completed trigger back to the caller.
type Result struct {
	JobID    string               `json:"job_id"`
	Symbol   string               `json:"symbol"`
	Date     string               `json:"date"`
	Type     string               `json:"type"`
	Coverage store.CoverageRecord `json:"coverage"`
}

// Orchestrator runs ingestion jobs and the gap/sweep loops.
type Orchestrator struct {
	storage Storage
	tracker *coverage.Tracker
	client  upstream.Client
	retryer *upstream.Retryer
	lease   time.Duration
	now     func() time.Time
}

// New builds an Orchestrator. lease bounds how long a running record may go
// without a heartbeat before the sweeper reclaims it.
func New(storage Storage, tracker *coverage.Tracker, client upstream.Client, retryer *upstream.Retryer, lease time.Duration) *Orchestrator {
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	return &Orchestrator{
		storage: storage,
		tracker: tracker,
		client:  client,
		retryer: retryer,
		lease:   lease,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Trigger runs one ingestion job for (symbol, date, type), walking the
// record queued -> running -> completed|failed. type=all forces a re-fetch
// and overwrite of existing data for the day. Errors are written as failed
// and returned to the caller; they never affect other jobs.
func (o *Orchestrator) Trigger(ctx context.Context, symbol, date, jobType string) (Result, error) {
	symbol, err := upstream.NormalizeSymbol(symbol)
	if err != nil {
		return Result{}, err
	}
	if _, err := time.ParseInLocation("2006-01-02", date, time.UTC); err != nil {
		return Result{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	switch jobType {
	case TypeMessages, TypeAnalytics, TypeAll:
	default:
		return Result{}, fmt.Errorf("invalid ingestion type %q", jobType)
	}

	jobID := uuid.NewString()
	observ.Log("ingestion_triggered", map[string]any{
		"job_id": jobID, "symbol": symbol, "date": date, "type": jobType,
	})

	if err := o.tracker.MarkQueued(ctx, symbol, date, jobID); err != nil {
		return Result{}, err
	}
	if err := o.tracker.MarkRunning(ctx, symbol, date, jobID); err != nil {
		return Result{}, err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go o.runHeartbeat(hbCtx, symbol, date)

	force := jobType == TypeAll
	ingestErr := o.ingest(ctx, symbol, date, jobType, force)
	stopHeartbeat()
	if ingestErr != nil {
		if markErr := o.tracker.MarkFailed(ctx, symbol, date, jobID); markErr != nil {
			observ.LogError("mark_failed_write_failed", markErr, map[string]any{"job_id": jobID})
		}
		observ.IncCounter("ingestion_jobs_total", map[string]string{"type": jobType, "outcome": "failed"})
		return Result{}, fmt.Errorf("ingest %s/%s (%s): %w", symbol, date, jobType, ingestErr)
	}

	recs, err := o.tracker.Compute(ctx, symbol, []string{date})
	if err != nil {
		if markErr := o.tracker.MarkFailed(ctx, symbol, date, jobID); markErr != nil {
			observ.LogError("mark_failed_write_failed", markErr, map[string]any{"job_id": jobID})
		}
		return Result{}, err
	}
	if err := o.tracker.MarkCompleted(ctx, symbol, date, jobID); err != nil {
		return Result{}, err
	}
	observ.IncCounter("ingestion_jobs_total", map[string]string{"type": jobType, "outcome": "completed"})

	res := Result{JobID: jobID, Symbol: symbol, Date: date, Type: jobType}
	if len(recs) > 0 {
		res.Coverage = recs[0]
		res.Coverage.IngestionStatus = store.StatusCompleted
	}
	return res, nil
}

// runHeartbeat refreshes the running-job heartbeat until stopped, so an
// ingest that outlives the lease window is not reclaimed by the sweeper.
func (o *Orchestrator) runHeartbeat(ctx context.Context, symbol, date string) {
	interval := o.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.storage.Heartbeat(ctx, symbol, date); err != nil {
				observ.LogError("heartbeat_write_failed", err, map[string]any{"symbol": symbol, "date": date})
			}
		}
	}
}

// ingest performs the fetch-and-persist work for one job.
func (o *Orchestrator) ingest(ctx context.Context, symbol, date, jobType string, force bool) error {
	day, _ := time.ParseInLocation("2006-01-02", date, time.UTC)

	if jobType == TypeMessages || jobType == TypeAll {
		if err := o.ingestMessages(ctx, symbol, date, day, force); err != nil {
			return err
		}
	}
	if jobType == TypeAll {
		if err := o.ingestPrices(ctx, symbol, day); err != nil {
			return err
		}
	}
	if jobType == TypeAnalytics || jobType == TypeAll {
		if err := o.ingestAnalytics(ctx, symbol, date); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) ingestMessages(ctx context.Context, symbol, date string, day time.Time, force bool) error {
	var msgs []upstream.Message
	err := o.retryer.Do(ctx, "messages", func(ctx context.Context) error {
		var err error
		msgs, err = o.client.FetchMessages(ctx, symbol, day)
		return err
	})
	if err != nil {
		return err
	}
	if force {
		if err := o.storage.DeleteMessagesForDay(ctx, symbol, date); err != nil {
			return err
		}
	}
	return o.storage.UpsertMessages(ctx, msgs)
}

func (o *Orchestrator) ingestPrices(ctx context.Context, symbol string, day time.Time) error {
	var points []upstream.PricePoint
	err := o.retryer.Do(ctx, "quotes", func(ctx context.Context) error {
		var err error
		points, err = o.client.FetchDailyPrices(ctx, symbol, day)
		return err
	})
	if err != nil {
		return err
	}
	return o.storage.UpsertPricePoints(ctx, points)
}

// ingestAnalytics derives the day's analytics row from the persisted
// messages. The AI summary service upstream of this is out of scope; the
// aggregates here are what the dashboard charts read.
func (o *Orchestrator) ingestAnalytics(ctx context.Context, symbol, date string) error {
	count, err := o.storage.CountMessagesOn(ctx, symbol, date)
	if err != nil {
		return err
	}
	avg, err := o.storage.AvgSentimentOn(ctx, symbol, date)
	if err != nil {
		return err
	}
	return o.storage.UpsertDailyAnalytics(ctx, symbol, date, count, avg)
}

// MissingDates recomputes coverage over the trailing window and returns the
// expected business dates lacking complete coverage. Today is skipped:
// today's data is intentionally incomplete, not a gap. Weekends and future
// dates are never expected.
func (o *Orchestrator) MissingDates(ctx context.Context, symbol string, days int) ([]string, error) {
	if days <= 0 {
		days = 30
	}
	today := o.now().UTC().Truncate(24 * time.Hour)

	var expected []string
	for i := days; i >= 1; i-- {
		d := today.AddDate(0, 0, -i)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		expected = append(expected, d.Format("2006-01-02"))
	}
	if len(expected) == 0 {
		return nil, nil
	}

	recs, err := o.tracker.Compute(ctx, symbol, expected)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, rec := range recs {
		if !rec.Complete() {
			missing = append(missing, rec.Date)
		}
	}
	return missing, nil
}

// RunGapScan fills coverage gaps for each symbol, one job per missing date.
// Job failures are logged and do not stop the scan.
func (o *Orchestrator) RunGapScan(ctx context.Context, symbols []string, days int) {
	for _, symbol := range symbols {
		missing, err := o.MissingDates(ctx, symbol, days)
		if err != nil {
			observ.LogError("gap_scan_failed", err, map[string]any{"symbol": symbol})
			continue
		}
		for _, date := range missing {
			if ctx.Err() != nil {
				return
			}
			if _, err := o.Trigger(ctx, symbol, date, TypeAll); err != nil {
				observ.LogError("gap_backfill_failed", err, map[string]any{"symbol": symbol, "date": date})
			}
		}
		if len(missing) > 0 {
			observ.Log("gap_scan_completed", map[string]any{"symbol": symbol, "filled": len(missing)})
		}
	}
}

// SweepStaleRunning reclaims records stuck in running past the lease
// window, marking them failed so a fresh queued can re-enter. This is the
// recovery path for jobs whose process crashed mid-run.
func (o *Orchestrator) SweepStaleRunning(ctx context.Context) (int, error) {
	stale, err := o.storage.StaleRunning(ctx, o.lease)
	if err != nil {
		return 0, err
	}
	for _, rec := range stale {
		if err := o.tracker.MarkFailed(ctx, rec.Symbol, rec.Date, rec.JobID); err != nil {
			return 0, err
		}
		observ.Log("stale_running_reclaimed", map[string]any{
			"symbol": rec.Symbol, "date": rec.Date, "job_id": rec.JobID,
		})
	}
	if len(stale) > 0 {
		observ.IncCounterBy("stale_running_reclaimed_total", nil, float64(len(stale)))
	}
	return len(stale), nil
}

// Run drives the scheduled loops until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, symbols []string, gapInterval time.Duration, gapDays int) {
	if gapInterval <= 0 {
		gapInterval = time.Hour
	}
	gapTicker := time.NewTicker(gapInterval)
	defer gapTicker.Stop()
	sweepTicker := time.NewTicker(o.lease / 3)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gapTicker.C:
			o.RunGapScan(ctx, symbols, gapDays)
		case <-sweepTicker.C:
			if _, err := o.SweepStaleRunning(ctx); err != nil {
				observ.LogError("stale_running_sweep_failed", err, nil)
			}
		}
	}
}
