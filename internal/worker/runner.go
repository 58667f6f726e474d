package worker

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner manages a set of workers. Worker failures are logged, never
// propagated: one broken background task must not take the gateway down.
type Runner struct {
	workers []Worker
	log     *slog.Logger
}

// NewRunner creates a Runner with the given workers.
func NewRunner(log *slog.Logger, workers ...Worker) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{workers: workers, log: log}
}

// Run starts all workers in parallel and blocks until every worker has
// returned after ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		r.log.Info("worker started", "type", w.Name())
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("worker stopped",
					slog.String("type", w.Name()),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
}
