package worker

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/healthcheck"
	"github.com/orchd/orchd/internal/keymanager"
)

const (
	defaultKeyHealthInterval = 10 * time.Minute

	// Pause between key probes so a sweep over a large group does not
	// look like a burst to the provider.
	interKeyDelay = 500 * time.Millisecond
)

// KeyHealthStore is the persistence interface consumed by KeyHealthWorker.
type KeyHealthStore interface {
	ListGroups(ctx context.Context) ([]*gateway.GroupConfig, error)
	ListInvalidValidations(ctx context.Context, groupID string) ([]*gateway.KeyValidation, error)
	DeleteValidation(ctx context.Context, groupID, keyHash string) error
}

// KeyHealthWorker periodically re-probes keys that were marked invalid and
// restores the ones that work again. Validation rows for keys that were
// removed from their group's configuration are deleted.
type KeyHealthWorker struct {
	store    KeyHealthStore
	keys     *keymanager.Manager
	checker  *healthcheck.Checker
	interval time.Duration
	log      *slog.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// NewKeyHealthWorker creates a KeyHealthWorker. intervalMinutes <= 0 selects
// the default (10 minutes).
func NewKeyHealthWorker(store KeyHealthStore, keys *keymanager.Manager,
	checker *healthcheck.Checker, intervalMinutes int, log *slog.Logger) *KeyHealthWorker {

	interval := defaultKeyHealthInterval
	if intervalMinutes > 0 {
		interval = time.Duration(intervalMinutes) * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &KeyHealthWorker{
		store:    store,
		keys:     keys,
		checker:  checker,
		interval: interval,
		log:      log,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// Name returns the worker identifier.
func (w *KeyHealthWorker) Name() string { return "key_health" }

// Run performs an initial sweep, then sweeps on the configured interval
// until ctx is cancelled.
func (w *KeyHealthWorker) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *KeyHealthWorker) sweep(ctx context.Context) {
	groups, err := w.store.ListGroups(ctx)
	if err != nil {
		w.log.Error("key health sweep: list groups", slog.String("error", err.Error()))
		return
	}
	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		if !g.Enabled {
			continue
		}
		w.sweepGroup(ctx, g)
	}
}

// sweepGroup re-probes every invalid key in one group, one at a time.
func (w *KeyHealthWorker) sweepGroup(ctx context.Context, g *gateway.GroupConfig) {
	rows, err := w.store.ListInvalidValidations(ctx, g.ID)
	if err != nil {
		w.log.Error("key health sweep: list invalid keys",
			slog.String("group", g.ID),
			slog.String("error", err.Error()))
		return
	}
	if len(rows) == 0 {
		return
	}

	// Map hashes back to the configured raw keys; rows with no matching
	// key are orphans left behind by a config change.
	byHash := make(map[string]string, len(g.APIKeys))
	for _, key := range g.APIKeys {
		byHash[gateway.HashKey(key)] = key
	}

	for i, row := range rows {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			w.sleep(ctx, interKeyDelay)
		}

		key, ok := byHash[row.APIKeyHash]
		if !ok {
			if err := w.store.DeleteValidation(ctx, g.ID, row.APIKeyHash); err != nil {
				w.log.Error("key health sweep: delete orphan validation",
					slog.String("group", g.ID),
					slog.String("error", err.Error()))
			}
			continue
		}

		if w.checker.SmokeKey(ctx, g, key) {
			if err := w.keys.ResetErrors(ctx, g.ID, key); err != nil {
				w.log.Error("key health sweep: reset key",
					slog.String("group", g.ID),
					slog.String("error", err.Error()))
				continue
			}
			w.log.Info("key recovered",
				slog.String("group", g.ID),
				slog.String("key", gateway.MaskKey(key)))
		}
	}
}
