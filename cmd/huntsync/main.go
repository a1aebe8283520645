package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"huntsync/internal/config"
	"huntsync/internal/domain"
	"huntsync/internal/infrastructure"
	"huntsync/internal/pipeline"
	"huntsync/internal/session"
	"huntsync/internal/state"
)

func main() {
	// Panic recovery at the very start to catch any crashes
	var logger *slog.Logger
	defer func() {
		if r := recover(); r != nil {
			fmt.Printf("PANIC RECOVERED: %v\n", r)
			fmt.Printf("Stack trace:\n%s\n", debug.Stack())
			if logger != nil {
				logger.Error("pipeline panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
			os.Exit(1)
		}
	}()

	const defaultConfigFile = "huntsync.yaml"

	mode := flag.String("mode", "incremental", "run mode: incremental | full")
	categoriesFlag := flag.String("categories", "", "comma-separated category ids to run (default: all configured)")
	resetID := flag.String("reset", "", "clear the sync marker for the given category id and exit")
	inspectID := flag.String("inspect", "", "print the sync state for the given category id and exit")
	configFile := flag.String("config", defaultConfigFile, "path to configuration file")
	headless := flag.Bool("headless", true, "run the browser headless")
	outDir := flag.String("out", "", "export directory (overrides configuration)")
	stateDir := flag.String("state-dir", "", "state directory (overrides configuration)")
	flag.Parse()

	// The default config path may be absent (env-only setup); a path
	// the operator named explicitly must exist.
	configPath := *configFile
	if configPath == defaultConfigFile {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = ""
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Session.Headless = *headless
	if *outDir != "" {
		cfg.Paths.ExportDir = *outDir
	}
	if *stateDir != "" {
		cfg.Paths.StateDir = *stateDir
	}

	if err := cfg.Paths.EnsureDirectories(); err != nil {
		fmt.Printf("Error: failed to create required directories: %v\n", err)
		os.Exit(1)
	}
	if cfg.Logging.FilePath == "" {
		cfg.Logging.FilePath = cfg.Paths.LogPath("huntsync.log")
	}

	logger, err = infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Error: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer infrastructure.CloseLogFile()

	store, err := state.New(cfg.Paths.StateDir, logger,
		state.WithHistoryCap(cfg.Sync.HistoryCap))
	if err != nil {
		logger.Error("failed to open state store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Maintenance subcommands run against the store directly, without
	// a browser session.
	if *inspectID != "" {
		os.Exit(inspect(store, cfg, *inspectID))
	}
	if *resetID != "" {
		os.Exit(reset(store, cfg, logger, *resetID))
	}

	telemetry, err := infrastructure.InitializeTelemetry(cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.New(cfg, &session.BrowserFactory{Config: cfg.Session, Logger: logger}, store, telemetry, logger)

	opts := pipeline.Options{Mode: pipeline.Mode(*mode)}
	if opts.Mode != pipeline.ModeIncremental && opts.Mode != pipeline.ModeFull {
		fmt.Printf("Error: unknown mode %q (want incremental or full)\n", *mode)
		os.Exit(2)
	}
	if *categoriesFlag != "" {
		for _, id := range strings.Split(*categoriesFlag, ",") {
			if id = strings.TrimSpace(id); id != "" {
				opts.Categories = append(opts.Categories, id)
			}
		}
	}

	summary, err := runner.Run(ctx, opts)
	if shutdownErr := telemetry.Shutdown(context.Background()); shutdownErr != nil {
		logger.Warn("telemetry shutdown failed", slog.String("error", shutdownErr.Error()))
	}
	if err != nil {
		logger.Error("run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	printSummary(summary)
	if !summary.OK() {
		os.Exit(1)
	}
}

func inspect(store *state.Store, cfg *config.Config, categoryID string) int {
	if _, ok := cfg.Category(categoryID); !ok {
		fmt.Printf("Error: unknown category %q\n", categoryID)
		return 2
	}
	st, err := store.Get(categoryID)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return 1
	}
	fmt.Printf("category:       %s\n", st.CategoryID)
	fmt.Printf("document:       %s\n", cfg.Paths.StatePath(categoryID))
	fmt.Printf("marker:         %s\n", orNone(st.Marker()))
	fmt.Printf("last sync:      %s\n", orNone(formatMaybeTime(st)))
	fmt.Printf("total synced:   %d\n", st.TotalRecordsSynced)
	fmt.Printf("runs recorded:  %d\n", len(st.RunHistory))
	for i := len(st.RunHistory) - 1; i >= 0 && i >= len(st.RunHistory)-5; i-- {
		run := st.RunHistory[i]
		status := "ok"
		if !run.Success {
			status = "failed: " + run.Error
		}
		fmt.Printf("  %s  fetched=%d failures=%d  %s\n",
			run.Timestamp.Format("2006-01-02 15:04:05"), run.RecordsFetched, run.RecordFailures, status)
	}
	return 0
}

func reset(store *state.Store, cfg *config.Config, logger *slog.Logger, categoryID string) int {
	if _, ok := cfg.Category(categoryID); !ok {
		fmt.Printf("Error: unknown category %q\n", categoryID)
		return 2
	}
	if err := store.Reset(categoryID); err != nil {
		logger.Error("reset failed",
			slog.String("category", categoryID),
			slog.String("error", err.Error()))
		return 1
	}
	fmt.Printf("Sync marker cleared for %s; the next run re-walks it from scratch.\n", categoryID)
	return 0
}

func printSummary(summary *domain.RunSummary) {
	fmt.Printf("\nRun %s finished in %s\n", summary.RunID, summary.Elapsed.Round(time.Millisecond))
	if summary.Interrupted {
		fmt.Println("Run was interrupted; committed work covers a contiguous prefix only.")
	}
	for _, c := range summary.Categories {
		if c.FatalFailure != "" {
			fmt.Printf("  %-16s FAILED: %s\n", c.CategoryID, c.FatalFailure)
			continue
		}
		fmt.Printf("  %-16s records=%d subs=%d leaves=%d partial=%d failures=%d marker=%s\n",
			c.CategoryID, c.RecordsFetched, c.SubRecords, c.LeafRecords,
			c.PartialRecords, c.RecordFailures, orNone(c.Marker))
	}
	fmt.Printf("Total records fetched: %d\n", summary.TotalFetched())
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func formatMaybeTime(st domain.SyncState) string {
	if st.LastSyncAt.IsZero() {
		return ""
	}
	return st.LastSyncAt.Format("2006-01-02 15:04:05")
}
