// Command ingestd runs the ingestion resilience service: the caching proxy
// API, coverage tracking, and the backfill loops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketpulse/ingestd/internal/backfill"
	"github.com/marketpulse/ingestd/internal/breaker"
	"github.com/marketpulse/ingestd/internal/cache"
	"github.com/marketpulse/ingestd/internal/config"
	"github.com/marketpulse/ingestd/internal/coverage"
	"github.com/marketpulse/ingestd/internal/observ"
	"github.com/marketpulse/ingestd/internal/proxy"
	"github.com/marketpulse/ingestd/internal/store"
	"github.com/marketpulse/ingestd/internal/transport"
	"github.com/marketpulse/ingestd/internal/upstream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ingestd",
		Short:         "Market data ingestion service with caching, circuit breaking, and backfill",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to yaml config")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newBackfillCmd(&configPath))
	root.AddCommand(newCleanupCmd(&configPath))
	return root
}

// components holds everything wired from config. Close releases the store.
type components struct {
	cfg      config.Root
	store    *store.Store
	mem      *cache.Memory
	breakers *breaker.Registry
	tracker  *coverage.Tracker
	orch     *backfill.Orchestrator
	proxy    *proxy.Proxy
	server   *transport.Server
}

func (c *components) Close() {
	if err := c.store.Close(); err != nil {
		observ.LogError("store_close_failed", err, nil)
	}
}

func buildComponents(configPath string) (*components, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client, err := upstream.NewHTTPClient(upstream.HTTPConfig{
		QuoteBaseURL:       cfg.Upstream.QuoteBaseURL,
		MessageBaseURL:     cfg.Upstream.MessageBaseURL,
		APIKey:             cfg.Upstream.APIKey,
		TimeoutSeconds:     cfg.Upstream.TimeoutSeconds,
		RateLimitPerMinute: cfg.Upstream.RateLimitPerMinute,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build upstream client: %w", err)
	}

	cooldown := time.Duration(cfg.Breaker.CooldownSeconds) * time.Second
	breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold, cooldown)
	retryer := upstream.NewRetryer(breakers, upstream.RetryConfig{
		MaxRetries:     cfg.Upstream.MaxRetries,
		BaseDelay:      time.Duration(cfg.Upstream.BackoffBaseMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Upstream.BackoffMaxMs) * time.Millisecond,
		JitterFraction: cfg.Upstream.JitterFraction,
	})
	mem := cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	px := proxy.New(mem, st, breakers, retryer, client, cfg.Cache.TTL, cooldown)
	tracker := coverage.New(st)
	lease := time.Duration(cfg.Backfill.RunningLeaseMinutes) * time.Minute
	orch := backfill.New(st, tracker, client, retryer, lease)
	srv := transport.New(px, tracker, orch, breakers, mem,
		time.Duration(cfg.Server.RequestTimeout)*time.Second)

	return &components{
		cfg:      cfg,
		store:    st,
		mem:      mem,
		breakers: breakers,
		tracker:  tracker,
		orch:     orch,
		proxy:    px,
		server:   srv,
	}, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background maintenance loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(*configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go c.orch.Run(ctx, c.cfg.Backfill.Symbols,
				time.Duration(c.cfg.Backfill.GapScanIntervalMinutes)*time.Minute,
				c.cfg.Backfill.GapScanDays)
			go runMaintenance(ctx, c)

			observ.Log("service_started", map[string]any{
				"addr":    c.cfg.Server.ListenAddr,
				"db":      c.cfg.Storage.Path,
				"symbols": strings.Join(c.cfg.Backfill.Symbols, ","),
			})
			err = c.server.ListenAndServe(ctx, c.cfg.Server.ListenAddr)
			observ.Log("service_stopped", nil)
			return err
		},
	}
}

// runMaintenance evicts dead cache entries and prunes rows past retention on
// a fixed cadence.
func runMaintenance(ctx context.Context, c *components) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mem.Cleanup()
			if _, err := c.store.DeleteExpiredResponses(ctx, time.Hour); err != nil {
				observ.LogError("response_cache_prune_failed", err, nil)
			}
			pruneRetention(ctx, c)
		}
	}
}

func pruneRetention(ctx context.Context, c *components) {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.Storage.RetentionDays)
	if n, err := c.store.DeleteDataBefore(ctx, cutoff); err != nil {
		observ.LogError("data_retention_failed", err, nil)
	} else if n > 0 {
		observ.Log("data_retention_pruned", map[string]any{"rows": n})
	}
	if n, err := c.store.DeleteCoverageBefore(ctx, cutoff.Format("2006-01-02")); err != nil {
		observ.LogError("coverage_retention_failed", err, nil)
	} else if n > 0 {
		observ.Log("coverage_retention_pruned", map[string]any{"rows": n})
	}
}

func newBackfillCmd(configPath *string) *cobra.Command {
	var (
		symbol  string
		date    string
		jobType string
		days    int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run a one-shot ingestion job or a gap scan",
		Long: `With --date, ingests that single day for --symbol. Without --date, scans
the last --days weekdays for coverage gaps and backfills each one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(*configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if date != "" {
				res, err := c.orch.Trigger(ctx, symbol, date, jobType)
				if err != nil {
					return err
				}
				fmt.Printf("job %s: %s %s %s -> %s\n",
					res.JobID, res.Symbol, res.Date, res.Type, res.Coverage.IngestionStatus)
				return nil
			}

			symbols := c.cfg.Backfill.Symbols
			if symbol != "" {
				symbols = []string{symbol}
			}
			if len(symbols) == 0 {
				return fmt.Errorf("no symbols: pass --symbol or set backfill.symbols in config")
			}
			c.orch.RunGapScan(ctx, symbols, days)
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "ticker symbol")
	cmd.Flags().StringVar(&date, "date", "", "day to ingest (YYYY-MM-DD)")
	cmd.Flags().StringVar(&jobType, "type", backfill.TypeAll, "ingestion type: messages, analytics, or all")
	cmd.Flags().IntVar(&days, "days", 30, "lookback window for gap scans")
	return cmd
}

func newCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Prune expired cache rows and data past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(*configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			n, err := c.store.DeleteExpiredResponses(ctx, time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d expired response rows\n", n)
			pruneRetention(ctx, c)
			reclaimed, err := c.orch.SweepStaleRunning(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed %d stale running jobs\n", reclaimed)
			return nil
		},
	}
}
