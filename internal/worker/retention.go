package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultRetentionDays = 30

	// Purge at 03:00 every day, when traffic is lowest.
	retentionSchedule = "0 3 * * *"
)

// RetentionStore is the persistence interface consumed by RetentionWorker.
type RetentionStore interface {
	DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker deletes request log rows older than the retention window
// on a daily cron schedule.
type RetentionWorker struct {
	store RetentionStore
	days  int
	log   *slog.Logger

	now func() time.Time
}

// NewRetentionWorker creates a RetentionWorker. days <= 0 selects the
// default (30).
func NewRetentionWorker(store RetentionStore, days int, log *slog.Logger) *RetentionWorker {
	if days <= 0 {
		days = defaultRetentionDays
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetentionWorker{store: store, days: days, log: log, now: time.Now}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "log_retention" }

// Run schedules the daily purge and blocks until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(retentionSchedule, func() { w.purge(ctx) }); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	return nil
}

func (w *RetentionWorker) purge(ctx context.Context) {
	cutoff := w.now().AddDate(0, 0, -w.days)
	n, err := w.store.DeleteRequestLogsBefore(ctx, cutoff)
	if err != nil {
		w.log.Error("request log purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		w.log.Info("request logs purged",
			slog.Int64("rows", n),
			slog.Time("cutoff", cutoff))
	}
}
