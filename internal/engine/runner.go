package engine

import (
	"context"
	"log/slog"
	"time"
)

// defaultWaits is the idle backoff ladder between ticks: a tick that finds
// no work advances one rung, any work resets to an immediate re-run.
var defaultWaits = []time.Duration{
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
	480 * time.Second,
	900 * time.Second,
}

// tickExecutor runs one maintenance tick. Implemented by *Handler; mock
// implementations are used in tests.
type tickExecutor interface {
	ExecuteTick(ctx context.Context) (bool, error)
}

// Runner executes ticks in a loop until canceled, backing off while the
// queue stays quiet and snapping back to full speed as soon as a tick finds
// work.
type Runner struct {
	handler tickExecutor
	logger  *slog.Logger

	// Injectable for testing: the backoff ladder and the sleeper.
	waits     []time.Duration
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// RunnerOptions tunes a Runner. The zero value applies the defaults.
type RunnerOptions struct {
	// IdleWaits overrides the idle backoff ladder. Nil means the default
	// 60/120/240/480/900 second rungs.
	IdleWaits []time.Duration
}

// NewRunner creates a Runner around the given tick executor.
func NewRunner(handler tickExecutor, logger *slog.Logger, opts RunnerOptions) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	waits := opts.IdleWaits
	if len(waits) == 0 {
		waits = defaultWaits
	}

	return &Runner{
		handler:   handler,
		logger:    logger,
		waits:     waits,
		sleepFunc: timeSleep,
	}
}

// Run loops ticks until ctx is canceled. A failed tick is logged and paced
// like an idle one, so persistent errors back off instead of spinning.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started")

	waitIndex := -1

	for {
		if ctx.Err() != nil {
			r.logger.Info("runner stopped")
			return nil
		}

		if waitIndex >= 0 {
			wait := r.waits[waitIndex]
			r.logger.Debug("runner idle", slog.Duration("wait", wait))

			if err := r.sleepFunc(ctx, wait); err != nil {
				r.logger.Info("runner stopped")
				return nil
			}
		}

		changed, err := r.handler.ExecuteTick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("runner stopped")
				return nil
			}

			r.logger.Error("tick failed", slog.Any("error", err))
			changed = false
		}

		if changed {
			waitIndex = -1
			continue
		}

		if waitIndex < len(r.waits)-1 {
			waitIndex++
		}
	}
}
