// Package dispatch drives a request through routing, key selection, and
// upstream attempts until it succeeds, fails terminally, or exhausts every
// candidate group.
package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/adapter"
	"github.com/orchd/orchd/internal/keymanager"
	"github.com/orchd/orchd/internal/reqlog"
	"github.com/orchd/orchd/internal/router"
	"github.com/orchd/orchd/internal/telemetry"
)

const defaultMaxProviderRetries = 3

// Request is one inbound chat request, already authenticated and parsed.
type Request struct {
	RequestID     string // assigned by the request logger at start
	Model         string // as the client sent it; aliases resolved per group
	Dialect       string // inbound wire dialect (gateway.Provider*)
	ForcedDialect string // restrict routing to this provider type; "" = any
	Stream        bool
	Body          map[string]any
	HasTools      bool
	ProxyKey      *gateway.ProxyKey
}

// Result is a committed upstream outcome. Stream is non-nil for real
// streaming; FakeStream marks a unary body the server must re-emit as SSE.
type Result struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	Stream        io.ReadCloser
	Group         *gateway.GroupConfig
	ResolvedModel string
	FakeStream    bool
}

// UpstreamError is a terminal upstream failure passed back to the client in
// its own dialect's envelope.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: HTTP %d: %s", e.StatusCode, e.Message)
}

// Dispatcher owns the retry/failover ladder.
type Dispatcher struct {
	router   *router.Router
	keys     *keymanager.Manager
	adapters *adapter.Registry
	logger   *reqlog.Logger
	metrics  *telemetry.Metrics
	log      *slog.Logger

	maxProviderRetries int
	sleep              func(ctx context.Context, d time.Duration)
}

// New creates a Dispatcher. maxProviderRetries <= 0 selects the default (3).
func New(rt *router.Router, keys *keymanager.Manager, adapters *adapter.Registry,
	logger *reqlog.Logger, metrics *telemetry.Metrics, log *slog.Logger, maxProviderRetries int) *Dispatcher {

	if maxProviderRetries <= 0 {
		maxProviderRetries = defaultMaxProviderRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		router:             rt,
		keys:               keys,
		adapters:           adapters,
		logger:             logger,
		metrics:            metrics,
		log:                log,
		maxProviderRetries: maxProviderRetries,
		sleep:              sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// backoffDelay is min(2^attempt, 30) seconds.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Do executes the full ladder for one request.
func (d *Dispatcher) Do(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	excluded := make(map[string]bool)

	for providerAttempt := 0; providerAttempt < d.maxProviderRetries; providerAttempt++ {
		rt, err := d.router.Route(ctx, req.Model, req.ProxyKey, req.ForcedDialect, excluded)
		if err != nil {
			var re *router.RouteError
			if errors.As(err, &re) && re.FailedGroupID != "" {
				excluded[re.FailedGroupID] = true
				if d.metrics != nil {
					d.metrics.FailoversTotal.WithLabelValues(re.FailedGroupID).Inc()
				}
				continue
			}
			if len(excluded) == 0 {
				// Nothing was ever tried; the routing error is the answer.
				d.endFailure(ctx, req, nil, statusForError(err), err.Error(), start)
				return nil, err
			}
			break
		}

		// The group limit joins the admission check once a group is known.
		if req.ProxyKey != nil {
			if err := d.keys.CheckRpm(ctx, req.ProxyKey, rt.Group); err != nil {
				if d.metrics != nil && errors.Is(err, gateway.ErrRpmExceeded) {
					d.metrics.RpmRejects.Inc()
				}
				d.endFailure(ctx, req, rt.Group, statusForError(err), err.Error(), start)
				return nil, err
			}
		}

		res, err := d.tryGroup(ctx, req, rt, excluded, start)
		if err != nil || res != nil {
			return res, err
		}
		// Group exhausted; it is already in excluded.
	}

	d.endFailure(ctx, req, nil, http.StatusInternalServerError, "no eligible provider", start)
	return nil, gateway.ErrNoEligibleGroup
}

// tryGroup runs the in-group retry loop. A nil, nil return means the group
// was exhausted or failed over; the caller moves to the next candidate.
func (d *Dispatcher) tryGroup(ctx context.Context, req *Request, rt *router.Result,
	excluded map[string]bool, start time.Time) (*Result, error) {

	group := rt.Group
	ad, err := d.adapters.Get(group.ProviderType)
	if err != nil {
		d.log.Error("group has no adapter",
			slog.String("group", group.ID),
			slog.String("provider_type", group.ProviderType))
		excluded[group.ID] = true
		return nil, nil
	}

	upstreamStream := req.Stream && !group.FakeStreaming
	areq := &adapter.Request{
		Model:    rt.ResolvedModel,
		Stream:   upstreamStream,
		Body:     req.Body,
		HasTools: req.HasTools,
	}
	body, err := ad.PrepareContent(areq, group)
	if err != nil {
		d.endFailure(ctx, req, group, http.StatusBadRequest, err.Error(), start)
		return nil, fmt.Errorf("%w: %s", gateway.ErrBadRequest, err)
	}

	key := rt.APIKey
	for attempt := 0; attempt <= group.RetryCount; attempt++ {
		if ctx.Err() != nil {
			d.endCanceled(ctx, req, group, start)
			return nil, ctx.Err()
		}

		attemptStart := time.Now()
		resp, err := ad.Send(ctx, areq, body, group, key)
		if d.metrics != nil {
			d.metrics.UpstreamDuration.WithLabelValues(group.ID, group.ProviderType).
				Observe(time.Since(attemptStart).Seconds())
		}

		if err != nil {
			if ctx.Err() != nil {
				d.endCanceled(ctx, req, group, start)
				return nil, ctx.Err()
			}
			// Network failure: transient, same key.
			_ = d.keys.ReportError(ctx, group.ID, key, 0, err.Error())
			d.countRetry(group.ID, "network")
			if attempt < group.RetryCount {
				d.sleep(ctx, backoffDelay(attempt))
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return d.commit(ctx, req, rt, ad, key, resp, upstreamStream, excluded, attempt, start)
		}

		cls := adapter.Classify(resp.StatusCode, resp.Body)
		_ = d.keys.ReportError(ctx, group.ID, key, resp.StatusCode, cls.Message)
		if d.metrics != nil {
			d.metrics.UpstreamErrors.WithLabelValues(group.ID, strconv.Itoa(resp.StatusCode)).Inc()
		}

		if cls.NextGroup {
			excluded[group.ID] = true
			return nil, nil
		}
		if cls.Terminal() {
			d.endFailure(ctx, req, group, resp.StatusCode, cls.Message, start)
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: cls.Message}
		}
		if cls.NextKey {
			next, err := d.keys.NextKey(ctx, group)
			if err != nil {
				excluded[group.ID] = true
				return nil, nil
			}
			key = next
			d.countRetry(group.ID, "next_key")
		}
		if cls.Retry && attempt < group.RetryCount {
			d.countRetry(group.ID, "backoff")
			d.sleep(ctx, backoffDelay(attempt))
		}
	}

	excluded[group.ID] = true
	return nil, nil
}

// commit finalizes a successful attempt. Streaming success is committed on
// the first upstream byte; if the stream dies before that, the attempt is
// handed back to the ladder as a transient failure.
func (d *Dispatcher) commit(ctx context.Context, req *Request, rt *router.Result,
	ad adapter.Adapter, key string, resp *adapter.Response, upstreamStream bool,
	excluded map[string]bool, attempt int, start time.Time) (*Result, error) {

	group := rt.Group

	if upstreamStream {
		br := bufio.NewReader(resp.Stream)
		if _, err := br.Peek(1); err != nil {
			resp.Stream.Close()
			_ = d.keys.ReportError(ctx, group.ID, key, 0, "stream closed before first byte")
			d.countRetry(group.ID, "network")
			excluded[group.ID] = true
			return nil, nil
		}
		resp.Stream = readCloser{br, resp.Stream}
	}

	_ = d.keys.ResetErrors(ctx, group.ID, key)
	if group.BalancePolicy != gateway.BalanceLeastUsed {
		// least_used already counted the key at selection time.
		_ = d.keys.UpdateUsage(ctx, group.ID, key)
	}
	if req.ProxyKey != nil {
		_ = d.keys.UpdateProxyKeyUsage(ctx, req.ProxyKey.ID)
	}

	entry := &gateway.RequestLog{
		RequestID:       req.RequestID,
		StatusCode:      resp.StatusCode,
		GroupID:         group.ID,
		ProviderType:    group.ProviderType,
		Model:           rt.ResolvedModel,
		UpstreamKeyMask: gateway.MaskKey(key),
		HasTools:        req.HasTools,
		IsStreaming:     req.Stream,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	if !upstreamStream {
		usage := ad.ExtractUsage(resp.Body)
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
		entry.TotalTokens = usage.TotalTokens
		entry.ResponseBody = string(resp.Body)
	}
	d.logger.End(ctx, entry)

	return &Result{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          resp.Body,
		Stream:        resp.Stream,
		Group:         group,
		ResolvedModel: rt.ResolvedModel,
		FakeStream:    req.Stream && !upstreamStream,
	}, nil
}

// statusClientClosed is the nginx convention for a client-canceled request.
const statusClientClosed = 499

// endCanceled finalizes the log row when the client goes away mid-ladder.
// The request context is already dead, so the write runs on a detached one.
func (d *Dispatcher) endCanceled(ctx context.Context, req *Request, group *gateway.GroupConfig, start time.Time) {
	d.endFailure(context.WithoutCancel(ctx), req, group, statusClientClosed, "client closed request", start)
}

func (d *Dispatcher) endFailure(ctx context.Context, req *Request, group *gateway.GroupConfig,
	status int, msg string, start time.Time) {

	entry := &gateway.RequestLog{
		RequestID:   req.RequestID,
		StatusCode:  status,
		Error:       msg,
		HasTools:    req.HasTools,
		IsStreaming: req.Stream,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if group != nil {
		entry.GroupID = group.ID
		entry.ProviderType = group.ProviderType
	}
	d.logger.End(ctx, entry)
}

func (d *Dispatcher) countRetry(groupID, action string) {
	if d.metrics != nil {
		d.metrics.RetriesTotal.WithLabelValues(groupID, action).Inc()
	}
}

// statusForError maps dispatch-level failures to client status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidProxyKey):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrRpmExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
