package reqlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/orchd/orchd/internal"
)

// Queue full strategies.
const (
	DropOldest = "drop_oldest"
	RejectNew  = "reject_new"
	Block      = "block"
)

type op int

const (
	opInsert op = iota
	opUpdate
)

type item struct {
	op    op
	entry *gateway.RequestLog
}

// QueueConfig tunes the async log pipeline.
type QueueConfig struct {
	MaxCapacity        int           // default 10000
	BatchSize          int           // default 100
	ProcessingInterval time.Duration // default 1s
	FullStrategy       string        // default DropOldest
	MaxRetries         int           // store retries per batch
	RetryDelay         time.Duration // between retries
	ShutdownTimeout    time.Duration // drain budget, default 10s
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 10_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = time.Second
	}
	if c.FullStrategy == "" {
		c.FullStrategy = DropOldest
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Queue buffers log items in a bounded channel and batch-flushes them with a
// single consumer, preserving enqueue order so a request's start row always
// lands before its update.
type Queue struct {
	ch    chan item
	store LogStore
	cfg   QueueConfig
	log   *slog.Logger

	dropped prometheus.Counter
	length  prometheus.Gauge
}

// NewQueue creates a Queue. dropped and length may be nil.
func NewQueue(store LogStore, cfg QueueConfig, log *slog.Logger, dropped prometheus.Counter, length prometheus.Gauge) *Queue {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		ch:      make(chan item, cfg.MaxCapacity),
		store:   store,
		cfg:     cfg,
		log:     log,
		dropped: dropped,
		length:  length,
	}
}

// Name returns the worker identifier.
func (q *Queue) Name() string { return "reqlog_queue" }

// Len returns the number of buffered items.
func (q *Queue) Len() int { return len(q.ch) }

// Enqueue adds an item according to the full strategy. It reports whether
// the item was accepted.
func (q *Queue) Enqueue(it item) bool {
	switch q.cfg.FullStrategy {
	case Block:
		q.ch <- it
		return true
	case RejectNew:
		select {
		case q.ch <- it:
			return true
		default:
			q.drop(it)
			return false
		}
	default: // DropOldest
		for {
			select {
			case q.ch <- it:
				return true
			default:
			}
			select {
			case old := <-q.ch:
				q.drop(old)
			default:
			}
		}
	}
}

func (q *Queue) drop(it item) {
	if q.dropped != nil {
		q.dropped.Inc()
	}
	q.log.Warn("request log item dropped, queue full",
		slog.String("request_id", it.entry.RequestID))
}

// Run consumes items until ctx is cancelled, then drains within the
// shutdown budget.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.ProcessingInterval)
	defer ticker.Stop()

	buf := make([]item, 0, q.cfg.BatchSize)

	for {
		if q.length != nil {
			q.length.Set(float64(len(q.ch)))
		}
		select {
		case it := <-q.ch:
			buf = append(buf, it)
			if len(buf) >= q.cfg.BatchSize {
				q.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				q.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			q.drain(buf)
			return nil
		}
	}
}

// drain empties the channel after shutdown, time-boxed.
func (q *Queue) drain(buf []item) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.ShutdownTimeout)
	defer cancel()

	for {
		select {
		case it := <-q.ch:
			buf = append(buf, it)
			if len(buf) >= q.cfg.BatchSize {
				q.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				q.flush(ctx, buf)
			}
			return
		}
	}
}

// flush writes one batch: inserts first, then updates. An item's insert is
// always enqueued before its update, so this keeps per-request ordering.
func (q *Queue) flush(ctx context.Context, buf []item) {
	var inserts, updates []*gateway.RequestLog
	for _, it := range buf {
		switch it.op {
		case opInsert:
			inserts = append(inserts, it.entry)
		case opUpdate:
			updates = append(updates, it.entry)
		}
	}
	if len(inserts) > 0 {
		q.withRetry(ctx, "insert", len(inserts), func() error {
			return q.store.InsertRequestLogs(ctx, inserts)
		})
	}
	if len(updates) > 0 {
		q.withRetry(ctx, "update", len(updates), func() error {
			return q.store.UpdateRequestLogs(ctx, updates)
		})
	}
}

func (q *Queue) withRetry(ctx context.Context, what string, n int, fn func() error) {
	var err error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(q.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
		}
		if err = fn(); err == nil {
			return
		}
	}
	q.log.LogAttrs(ctx, slog.LevelError, "request log flush failed",
		slog.String("op", what),
		slog.Int("count", n),
		slog.String("error", err.Error()),
	)
}
