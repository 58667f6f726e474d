package gemini

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StallConfig controls the streaming stall detector. DataTimeout is the idle
// gap that triggers a warning; MaxDataInterval is the gap after which the
// stream is force-closed and marked truncated.
type StallConfig struct {
	DataTimeout     time.Duration
	MaxDataInterval time.Duration
}

// DefaultStallConfig returns the stock thresholds.
func DefaultStallConfig() StallConfig {
	return StallConfig{
		DataTimeout:     30 * time.Second,
		MaxDataInterval: 120 * time.Second,
	}
}

// Terminal markers: a well-formed stream ends with a finishReason on the
// last candidate, or an SSE [DONE] sentinel on OpenAI-compatible endpoints.
var (
	doneMarker   = []byte("[DONE]")
	finishMarker = []byte("finishReason")
)

// stallReader wraps a streaming response body. Reads are pass-through; a
// monitor goroutine watches the inter-chunk gap and force-closes the body
// when the upstream stalls past MaxDataInterval. A stream that ends without
// a terminal marker is reported as truncated but never surfaced to the
// client as an error.
type stallReader struct {
	rc        io.ReadCloser
	cfg       StallConfig
	log       *slog.Logger
	group     string
	model     string
	onTrunc   func(group string)

	lastByte  atomic.Int64
	terminal  atomic.Bool
	truncated atomic.Bool
	warned    atomic.Bool

	tail      []byte // carry for markers split across read boundaries
	stop      chan struct{}
	closeOnce sync.Once
}

func newStallReader(rc io.ReadCloser, cfg StallConfig, log *slog.Logger, group, model string, onTrunc func(string)) *stallReader {
	if cfg.DataTimeout <= 0 || cfg.MaxDataInterval <= 0 {
		cfg = DefaultStallConfig()
	}
	r := &stallReader{
		rc:      rc,
		cfg:     cfg,
		log:     log,
		group:   group,
		model:   model,
		onTrunc: onTrunc,
		stop:    make(chan struct{}),
	}
	r.lastByte.Store(time.Now().UnixNano())
	go r.monitor()
	return r
}

func (r *stallReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.lastByte.Store(time.Now().UnixNano())
		r.scan(p[:n])
	}
	if err == io.EOF && !r.terminal.Load() {
		r.markTruncated("stream ended without terminal marker")
	}
	return n, err
}

// scan looks for terminal markers, carrying a short tail so a marker split
// across two reads is still seen.
func (r *stallReader) scan(chunk []byte) {
	if r.terminal.Load() {
		return
	}
	joined := chunk
	if len(r.tail) > 0 {
		joined = append(append([]byte{}, r.tail...), chunk...)
	}
	if bytes.Contains(joined, doneMarker) || bytes.Contains(joined, finishMarker) {
		r.terminal.Store(true)
		r.tail = nil
		return
	}
	keep := len(finishMarker) - 1
	if len(joined) < keep {
		keep = len(joined)
	}
	r.tail = append(r.tail[:0], joined[len(joined)-keep:]...)
}

func (r *stallReader) monitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, r.lastByte.Load()))
			if idle > r.cfg.MaxDataInterval {
				if !r.terminal.Load() {
					r.markTruncated("no data past max interval")
				}
				r.rc.Close()
				return
			}
			if idle > r.cfg.DataTimeout && r.warned.CompareAndSwap(false, true) {
				r.log.Warn("stream stalled",
					slog.String("group", r.group),
					slog.String("model", r.model),
					slog.Duration("idle", idle))
			}
		}
	}
}

func (r *stallReader) markTruncated(reason string) {
	if !r.truncated.CompareAndSwap(false, true) {
		return
	}
	r.log.Warn("stream truncated",
		slog.String("group", r.group),
		slog.String("model", r.model),
		slog.String("reason", reason))
	if r.onTrunc != nil {
		r.onTrunc(r.group)
	}
}

// Truncated reports whether the stream ended abnormally.
func (r *stallReader) Truncated() bool { return r.truncated.Load() }

func (r *stallReader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stop)
		err = r.rc.Close()
	})
	return err
}
