// Package pipeline orchestrates a full extraction run: acquire the
// state lock, authenticate, walk each configured category, export the
// captured records, and only then commit the advanced sync markers.
// Export is the durability boundary; a category's marker never moves
// unless its records reached disk first.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"huntsync/internal/config"
	"huntsync/internal/domain"
	"huntsync/internal/errors"
	"huntsync/internal/export"
	"huntsync/internal/governor"
	"huntsync/internal/infrastructure"
	"huntsync/internal/session"
	"huntsync/internal/state"
	"huntsync/internal/traverse"
)

// Mode selects how markers are consulted for a run.
type Mode string

const (
	// ModeIncremental walks only records newer than each category's
	// marker. This is the default.
	ModeIncremental Mode = "incremental"
	// ModeFull ignores existing markers and re-walks each category
	// from scratch (bounded by the first-run cap). The new marker is
	// still committed afterwards.
	ModeFull Mode = "full"
)

// Options narrow a run.
type Options struct {
	Mode Mode
	// Categories restricts the run to the named category ids; empty
	// means all configured categories.
	Categories []string
}

// Runner executes extraction runs.
type Runner struct {
	cfg       *config.Config
	factory   session.Factory
	store     *state.Store
	telemetry *infrastructure.Telemetry
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Runner. Retries observed by the governor are surfaced
// as telemetry counters. A nil logger falls back to the process-wide
// logger.
func New(cfg *config.Config, factory session.Factory, store *state.Store, telemetry *infrastructure.Telemetry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Runner{
		cfg:       cfg,
		factory:   factory,
		store:     store,
		telemetry: telemetry,
		logger:    logger,
		now:       time.Now,
	}
}

// categoryRun is the in-memory outcome of walking one category, held
// until export succeeds and the marker can be committed.
type categoryRun struct {
	category domain.Category
	prev     domain.SyncState
	walk     *traverse.Result
	fatal    string
}

// Run executes one pipeline invocation and returns its summary. The
// returned error is non-nil only for run-level failures (lock held,
// corrupt state, export failure, failed authentication); per-category
// fatal failures are reported in the summary instead.
func (r *Runner) Run(ctx context.Context, opts Options) (*domain.RunSummary, error) {
	runID := uuid.NewString()
	startedAt := r.now()

	ctx, span := r.telemetry.Tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.mode", string(opts.Mode)),
		))
	defer span.End()

	logger := r.logger.With(slog.String("run_id", runID))
	logger.Info("run starting",
		slog.String("mode", string(opts.Mode)),
		slog.Int("categories", len(r.cfg.Categories)))

	categories, err := r.selectCategories(opts.Categories)
	if err != nil {
		return nil, err
	}

	if err := r.store.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.store.Release(); err != nil {
			logger.Warn("failed to release state lock", slog.String("error", err.Error()))
		}
	}()

	states, err := r.store.Load(categories)
	if err != nil {
		return nil, err
	}

	runs, interrupted, err := r.walkAll(ctx, logger, opts.Mode, categories, states)
	if err != nil {
		r.telemetry.RecordRunDuration(ctx, r.now().Sub(startedAt), false)
		return nil, err
	}

	summary := r.buildSummary(runID, startedAt, interrupted, runs)

	if err := r.exportRuns(logger, *summary, runs); err != nil {
		// No markers advance when export fails: the next run refetches
		// the same records.
		r.telemetry.RecordRunDuration(ctx, r.now().Sub(startedAt), false)
		return summary, err
	}

	if err := r.commitRuns(ctx, logger, runID, runs); err != nil {
		r.telemetry.RecordRunDuration(ctx, r.now().Sub(startedAt), false)
		return summary, err
	}

	// Markers are now committed; refresh the summary with the final
	// per-category markers.
	for i := range summary.Categories {
		if st, err := r.store.Get(summary.Categories[i].CategoryID); err == nil {
			summary.Categories[i].Marker = st.Marker()
		}
	}

	summary.Elapsed = r.now().Sub(startedAt)
	r.telemetry.RecordRunDuration(ctx, summary.Elapsed, summary.OK())

	logger.Info("run complete",
		slog.Int("records_fetched", summary.TotalFetched()),
		slog.Int("fatal_failures", len(summary.FatalFailures())),
		slog.Bool("interrupted", summary.Interrupted),
		slog.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// selectCategories resolves the category filter against configuration.
func (r *Runner) selectCategories(filter []string) ([]domain.Category, error) {
	if len(filter) == 0 {
		return r.cfg.Categories, nil
	}
	out := make([]domain.Category, 0, len(filter))
	for _, id := range filter {
		cat, ok := r.cfg.Category(id)
		if !ok {
			return nil, fmt.Errorf("unknown category %q", id)
		}
		out = append(out, cat)
	}
	return out, nil
}

// walkAll walks every selected category, sequentially over one shared
// session or in parallel with one session per worker when the factory
// supports it.
func (r *Runner) walkAll(ctx context.Context, logger *slog.Logger, mode Mode, categories []domain.Category, states map[string]domain.SyncState) ([]categoryRun, bool, error) {
	parallel := r.cfg.Sync.MaxConcurrency > 1 && r.factory.Concurrent() && len(categories) > 1
	if parallel {
		return r.walkParallel(ctx, logger, mode, categories, states)
	}
	return r.walkSequential(ctx, logger, mode, categories, states)
}

func (r *Runner) walkSequential(ctx context.Context, logger *slog.Logger, mode Mode, categories []domain.Category, states map[string]domain.SyncState) ([]categoryRun, bool, error) {
	sess, err := r.factory.New(ctx)
	if err != nil {
		return nil, false, errors.Fatal("session.new", "failed to start session", err)
	}
	defer sess.Close()

	gov := r.newGovernor(ctx, logger)
	if err := r.authenticate(ctx, gov, sess); err != nil {
		return nil, false, err
	}
	engine := traverse.New(sess, gov, traverse.Config{MaxFirstRunRecords: r.cfg.Sync.MaxFirstRunRecords}, logger)

	var runs []categoryRun
	interrupted := false
	for _, cat := range categories {
		if ctx.Err() != nil {
			interrupted = true
			logger.Warn("run interrupted before category",
				slog.String("category", cat.ID))
			break
		}
		run := r.walkOne(ctx, logger, engine, mode, cat, states[cat.ID])
		runs = append(runs, run)
		if run.walk != nil && run.walk.Interrupted {
			interrupted = true
			break
		}
	}
	return runs, interrupted, nil
}

func (r *Runner) walkParallel(ctx context.Context, logger *slog.Logger, mode Mode, categories []domain.Category, states map[string]domain.SyncState) ([]categoryRun, bool, error) {
	logger.Info("walking categories in parallel",
		slog.Int("concurrency", r.cfg.Sync.MaxConcurrency))

	runs := make([]categoryRun, len(categories))
	var mu sync.Mutex
	interrupted := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Sync.MaxConcurrency)
	for i, cat := range categories {
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				interrupted = true
				mu.Unlock()
				return nil
			}
			sess, err := r.factory.New(gctx)
			if err != nil {
				runs[i] = categoryRun{category: cat, prev: states[cat.ID], fatal: "failed to start session: " + err.Error()}
				return nil
			}
			defer sess.Close()

			gov := r.newGovernor(gctx, logger)
			if err := r.authenticate(gctx, gov, sess); err != nil {
				runs[i] = categoryRun{category: cat, prev: states[cat.ID], fatal: err.Error()}
				return nil
			}

			engine := traverse.New(sess, gov, traverse.Config{MaxFirstRunRecords: r.cfg.Sync.MaxFirstRunRecords}, logger)
			run := r.walkOne(gctx, logger, engine, mode, cat, states[cat.ID])
			if run.walk != nil && run.walk.Interrupted {
				mu.Lock()
				interrupted = true
				mu.Unlock()
			}
			runs[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	// Drop slots for categories never reached (cancellation may have
	// stopped workers before they started).
	out := runs[:0]
	for _, run := range runs {
		if run.category.ID != "" {
			out = append(out, run)
		}
	}
	return out, interrupted, nil
}

// walkOne walks a single category. Fatal walk failures are captured in
// the run, not returned; they must not stop sibling categories.
func (r *Runner) walkOne(ctx context.Context, logger *slog.Logger, engine *traverse.Engine, mode Mode, cat domain.Category, prev domain.SyncState) categoryRun {
	marker := prev.Marker()
	if mode == ModeFull {
		marker = ""
	}

	logger.Info("walking category",
		slog.String("category", cat.ID),
		slog.String("marker", marker))

	res, err := engine.Walk(ctx, cat, marker)
	if err != nil {
		logger.Error("category walk failed",
			slog.String("category", cat.ID),
			slog.String("error", err.Error()))
		return categoryRun{category: cat, prev: prev, fatal: err.Error()}
	}
	r.telemetry.RecordCategoryMetrics(ctx, cat.ID, len(res.Records), len(res.Failures), false)
	return categoryRun{category: cat, prev: prev, walk: res}
}

func (r *Runner) newGovernor(ctx context.Context, logger *slog.Logger) *governor.Governor {
	gov := governor.New(r.cfg.Governor, logger)
	gov.OnRetry(func(ctx context.Context, op string) {
		r.telemetry.RecordRetry(ctx, op)
	})
	return gov
}

// authenticate logs the session in through the governor. Exhausted
// retries here fail the whole run: nothing works without a session.
func (r *Runner) authenticate(ctx context.Context, gov *governor.Governor, sess session.Session) error {
	err := gov.Do(ctx, governor.TierCategory, "authenticate", func(ctx context.Context) error {
		return sess.Authenticate(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Fatal("authenticate", "authentication failed", err)
	}
	return nil
}

// buildSummary assembles the run summary from walk outcomes. Markers
// are provisional until commit; committed values are filled in later.
func (r *Runner) buildSummary(runID string, startedAt time.Time, interrupted bool, runs []categoryRun) *domain.RunSummary {
	summary := &domain.RunSummary{
		RunID:       runID,
		StartedAt:   startedAt,
		Interrupted: interrupted,
		Categories:  make([]domain.CategoryResult, 0, len(runs)),
	}
	for _, run := range runs {
		result := domain.CategoryResult{
			CategoryID:   run.category.ID,
			Marker:       run.prev.Marker(),
			FatalFailure: run.fatal,
		}
		if run.walk != nil {
			result.RecordsFetched = len(run.walk.Records)
			result.RecordFailures = len(run.walk.Failures)
			result.Anomalies = len(run.walk.Anomalies)
			for _, rec := range run.walk.Records {
				result.SubRecords += len(rec.Children)
				result.LeafRecords += rec.LeafCount()
				if rec.Partial {
					result.PartialRecords++
				}
			}
			if run.walk.ProposedMarker != nil {
				result.Marker = *run.walk.ProposedMarker
			}
		}
		summary.Categories = append(summary.Categories, result)
	}
	return summary
}

// exportRuns writes every enabled export target. Any failure aborts
// before markers are committed.
func (r *Runner) exportRuns(logger *slog.Logger, summary domain.RunSummary, runs []categoryRun) error {
	dir := r.cfg.Paths.RunExportDir(summary.StartedAt)
	writer, err := export.NewWriter(dir, logger)
	if err != nil {
		return err
	}

	data := make([]export.CategoryData, 0, len(runs))
	markers := make(map[string]string, len(runs))
	for _, run := range runs {
		if run.walk == nil {
			continue
		}
		data = append(data, export.CategoryData{Category: run.category, Records: run.walk.Records})
		marker := run.prev.Marker()
		if run.walk.ProposedMarker != nil {
			marker = *run.walk.ProposedMarker
		}
		markers[run.category.ID] = marker
	}

	if r.cfg.Export.Nested {
		doc := export.BuildDocument(summary.RunID, summary.StartedAt, summary.Interrupted, data, markers)
		if err := writer.WriteNested(doc); err != nil {
			return err
		}
	}
	if r.cfg.Export.CSV {
		if err := writer.WriteTables(summary, data); err != nil {
			return err
		}
	}
	if r.cfg.Export.Excel {
		if err := writer.WriteWorkbook(summary, data); err != nil {
			return err
		}
	}
	return nil
}

// commitRuns advances markers and appends run history, one category at
// a time. Storage corruption aborts immediately; categories already
// committed stay committed.
func (r *Runner) commitRuns(ctx context.Context, logger *slog.Logger, runID string, runs []categoryRun) error {
	for _, run := range runs {
		outcome := domain.RunOutcome{
			RunID:     runID,
			Timestamp: r.now(),
			Success:   run.fatal == "",
			Error:     run.fatal,
		}
		var marker *string
		if run.walk != nil {
			outcome.RecordsFetched = len(run.walk.Records)
			outcome.RecordFailures = len(run.walk.Failures)
			marker = run.walk.ProposedMarker
		}
		if err := r.store.Commit(run.category.ID, marker, outcome); err != nil {
			return err
		}
		if run.fatal != "" {
			r.telemetry.RecordCategoryMetrics(ctx, run.category.ID, 0, 0, true)
		}
	}
	return nil
}
