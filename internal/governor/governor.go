// Package governor centralizes retry and pacing policy for every remote
// call. All traversal operations go through Do, so retry behavior and
// rate limits cannot drift between call sites.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"huntsync/internal/config"
	"huntsync/internal/errors"
)

// Tier identifies the pacing granularity of a remote call. Each tier
// has an independent minimum inter-call delay; the page tier is the
// finest and is enforced most often.
type Tier int

const (
	TierCategory Tier = iota
	TierRecord
	TierPage
)

// String returns the tier name for logging.
func (t Tier) String() string {
	switch t {
	case TierCategory:
		return "category"
	case TierRecord:
		return "record"
	case TierPage:
		return "page"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// jitterFraction is applied symmetrically around each backoff delay.
const jitterFraction = 0.2

// Governor wraps remote calls with per-tier pacing and bounded
// exponential-backoff retries for transient failures.
type Governor struct {
	cfg      config.GovernorConfig
	limiters map[Tier]*rate.Limiter
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// onRetry, when set, observes every retried attempt (telemetry).
	onRetry func(ctx context.Context, op string)
}

// New creates a Governor from configuration.
func New(cfg config.GovernorConfig, logger *slog.Logger) *Governor {
	return &Governor{
		cfg: cfg,
		limiters: map[Tier]*rate.Limiter{
			TierCategory: newLimiter(cfg.CategoryDelay),
			TierRecord:   newLimiter(cfg.RecordDelay),
			TierPage:     newLimiter(cfg.PageDelay),
		},
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnRetry registers an observer invoked once per retried attempt.
func (g *Governor) OnRetry(fn func(ctx context.Context, op string)) {
	g.onRetry = fn
}

func newLimiter(minDelay time.Duration) *rate.Limiter {
	if minDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(minDelay), 1)
}

// Do runs fn under the tier's pacing limit, retrying transient failures
// with exponential backoff up to MaxAttempts. Permanent failures and
// context cancellation return immediately. The returned error is the
// last attempt's error.
func (g *Governor) Do(ctx context.Context, tier Tier, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.limiters[tier].Wait(ctx); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}

		delay := g.backoff(attempt)
		g.logger.Warn("transient failure, retrying",
			slog.String("op", op),
			slog.String("tier", tier.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", g.cfg.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()))
		if g.onRetry != nil {
			g.onRetry(ctx, op)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	g.logger.Error("retries exhausted",
		slog.String("op", op),
		slog.Int("attempts", g.cfg.MaxAttempts),
		slog.String("error", lastErr.Error()))
	return lastErr
}

// backoff computes InitialDelay * 2^(attempt-1), capped at MaxDelay,
// with ±20% jitter.
func (g *Governor) backoff(attempt int) time.Duration {
	delay := g.cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= g.cfg.MaxDelay {
			delay = g.cfg.MaxDelay
			break
		}
	}

	g.mu.Lock()
	factor := 1 + jitterFraction*(2*g.rng.Float64()-1)
	g.mu.Unlock()

	jittered := time.Duration(float64(delay) * factor)
	if jittered > g.cfg.MaxDelay {
		jittered = g.cfg.MaxDelay
	}
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
