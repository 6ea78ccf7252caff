package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/galois26/archive-ingester/internal/config"
	"github.com/galois26/archive-ingester/internal/ledger"
	"github.com/galois26/archive-ingester/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

var (
	cfgPath   string
	sinceFlag string
	untilFlag string
	limitFlag int
)

var rootCmd = &cobra.Command{
	Use:           "archive-ingester",
	Short:         "Ingest hourly event archive segments into a relational store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion pass and exit",
	RunE:  runOnce,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run ingestion passes on the configured cron schedule",
	RunE:  runDaemon,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List processed segments, most recent first",
	RunE:  runLedger,
}

var eventCmd = &cobra.Command{
	Use:   "event <id>",
	Short: "Print one stored event as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvent,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yml", "path to YAML config")
	for _, c := range []*cobra.Command{runCmd, daemonCmd} {
		c.Flags().StringVar(&sinceFlag, "since", "", "override source.since (YYYY-MM-DD, YYYY-MM-DD-H or RFC3339)")
		c.Flags().StringVar(&untilFlag, "until", "", "override source.until")
	}
	ledgerCmd.Flags().IntVarP(&limitFlag, "limit", "n", 50, "rows to show")
	rootCmd.AddCommand(runCmd, daemonCmd, ledgerCmd, eventCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if sinceFlag != "" {
		cfg.Source.Since = sinceFlag
	}
	if untilFlag != "" {
		cfg.Source.Until = untilFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	stats, err := app.RunOnce(ctx)
	if err != nil {
		return err
	}
	if stats.SegmentsFailed > 0 {
		return fmt.Errorf("%d segment(s) failed: %v", stats.SegmentsFailed, stats.FailedSegments)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	pass := func() {
		if _, err := app.RunOnce(ctx); err != nil {
			logger.Error("ingestion pass failed", zap.Error(err))
		}
	}

	// overlapping passes are skipped, the ledger makes the next one catch up
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(logger)))))
	if _, err := c.AddFunc(cfg.Schedule.Cron, pass); err != nil {
		return fmt.Errorf("schedule.cron %q: %w", cfg.Schedule.Cron, err)
	}
	logger.Info("archive-ingester daemon started", zap.String("version", Version), zap.String("cron", cfg.Schedule.Cron))

	pass()
	c.Start()
	<-ctx.Done()
	logger.Info("stopping", zap.Error(ctx.Err()))
	<-c.Stop().Done()
	return nil
}

func openStore(cmd *cobra.Command) (*config.Config, store.Store, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.MaxConns, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, st, logger, nil
}

func runLedger(cmd *cobra.Command, _ []string) error {
	cfg, st, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	out := cmd.OutOrStdout()
	if p := cfg.State.SummaryPath; p != "" {
		last, err := store.LoadRunSummary(p)
		switch {
		case err == nil:
			fmt.Fprintf(out, "last run %s at %s: %d processed, %d skipped, %d failed, %d interrupted, %d events written\n\n",
				last.RunID, last.FinishedAt.Format(time.RFC3339), last.SegmentsProcessed, last.SegmentsSkipped,
				last.SegmentsFailed, last.SegmentsInterrupted, last.EventsWritten)
		case !errors.Is(err, os.ErrNotExist):
			logger.Warn("read run summary", zap.String("path", p), zap.Error(err))
		}
	}

	recs, err := ledger.New(st, logger).List(cmd.Context(), limitFlag)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tEVENTS\tSIZE\tFINGERPRINT\tPROCESSED AT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", r.Name, r.EventCount, r.Size, r.Fingerprint, r.ProcessedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runEvent(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("event id %q: %w", args[0], err)
	}
	_, st, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	defer logger.Sync()

	ev, err := st.LookupEvent(cmd.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("event %d not found", id)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(ev)
}
