// Package reqlog records one RequestLog row per gateway request: a start
// row when the request is admitted and a finalizing update when it ends.
// Persistence failures are logged and never fail the user request.
package reqlog

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/orchd/orchd/internal"
)

// TruncationMarker is appended to bodies cut at MaxContentLength.
const TruncationMarker = "...[truncated]"

const defaultMaxContentLength = 10_000

// LogStore is the persistence surface the logger needs.
type LogStore interface {
	InsertRequestLogs(ctx context.Context, logs []*gateway.RequestLog) error
	UpdateRequestLogs(ctx context.Context, logs []*gateway.RequestLog) error
}

// Config controls what gets logged.
type Config struct {
	Enabled             bool
	OmitBodies          bool // keep the row, drop request/response content
	MaxContentLength    int
	ExcludeHealthChecks bool
}

// Logger writes request logs either through an async queue or synchronously
// when no queue is configured.
type Logger struct {
	store LogStore
	queue *Queue // nil = synchronous writes
	cfg   Config
	log   *slog.Logger
}

// New creates a Logger. queue may be nil for synchronous operation.
func New(store LogStore, queue *Queue, cfg Config, log *slog.Logger) *Logger {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = defaultMaxContentLength
	}
	if log == nil {
		log = slog.Default()
	}
	return &Logger{store: store, queue: queue, cfg: cfg, log: log}
}

// Start records the beginning of a request and returns its generated ID.
// Request content is truncated at MaxContentLength with a visible marker.
func (l *Logger) Start(ctx context.Context, entry *gateway.RequestLog) string {
	if entry.RequestID == "" {
		entry.RequestID = uuid.Must(uuid.NewV7()).String()
	}
	if !l.shouldLog(entry) {
		return entry.RequestID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if l.cfg.OmitBodies {
		entry.RequestBody = ""
	} else {
		entry.RequestBody, entry.ContentTruncated = l.truncate(entry.RequestBody)
	}

	l.submit(ctx, item{op: opInsert, entry: entry})
	return entry.RequestID
}

// End finalizes a request. The truncation flag is sticky: a request body
// truncated at start stays flagged even if the response fits.
func (l *Logger) End(ctx context.Context, entry *gateway.RequestLog) {
	if !l.shouldLog(entry) {
		return
	}
	if l.cfg.OmitBodies {
		entry.ResponseBody = ""
	} else {
		var truncated bool
		entry.ResponseBody, truncated = l.truncate(entry.ResponseBody)
		entry.ContentTruncated = entry.ContentTruncated || truncated
	}
	if entry.CompletedAt == nil {
		now := time.Now()
		entry.CompletedAt = &now
	}

	l.submit(ctx, item{op: opUpdate, entry: entry})
}

func (l *Logger) shouldLog(entry *gateway.RequestLog) bool {
	if !l.cfg.Enabled {
		return false
	}
	if l.cfg.ExcludeHealthChecks && strings.HasPrefix(entry.Endpoint, "/admin/health-check") {
		return false
	}
	return true
}

func (l *Logger) truncate(s string) (string, bool) {
	if len(s) <= l.cfg.MaxContentLength {
		return s, false
	}
	return s[:l.cfg.MaxContentLength] + TruncationMarker, true
}

func (l *Logger) submit(ctx context.Context, it item) {
	if l.queue != nil {
		l.queue.Enqueue(it)
		return
	}
	var err error
	switch it.op {
	case opInsert:
		err = l.store.InsertRequestLogs(ctx, []*gateway.RequestLog{it.entry})
	case opUpdate:
		err = l.store.UpdateRequestLogs(ctx, []*gateway.RequestLog{it.entry})
	}
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelError, "request log write failed",
			slog.String("request_id", it.entry.RequestID),
			slog.String("error", err.Error()),
		)
	}
}
