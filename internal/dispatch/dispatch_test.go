package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/adapter"
	"github.com/orchd/orchd/internal/keymanager"
	"github.com/orchd/orchd/internal/reqlog"
	"github.com/orchd/orchd/internal/router"
	"github.com/orchd/orchd/internal/testutil"
)

type env struct {
	store      *testutil.FakeStore
	keys       *keymanager.Manager
	dispatcher *Dispatcher
	adapter    *testutil.FakeAdapter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := testutil.NewFakeStore()
	keys, err := keymanager.New(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	rt, err := router.New(store, keys)
	if err != nil {
		t.Fatal(err)
	}
	fa := &testutil.FakeAdapter{Dialect: gateway.ProviderOpenAI}
	reg := adapter.NewRegistry()
	reg.Register(fa)

	logger := reqlog.New(store, nil, reqlog.Config{Enabled: true}, nil)
	d := New(rt, keys, reg, logger, nil, nil, 3)
	d.sleep = func(context.Context, time.Duration) {} // no backoff in tests

	return &env{store: store, keys: keys, dispatcher: d, adapter: fa}
}

func (e *env) addGroup(t *testing.T, g *gateway.GroupConfig) {
	t.Helper()
	if g.ProviderType == "" {
		g.ProviderType = gateway.ProviderOpenAI
	}
	g.Enabled = true
	if err := e.store.CreateGroup(context.Background(), g); err != nil {
		t.Fatal(err)
	}
}

// seedStartRow mimics the server logging the request start, so the
// dispatcher's End update has a row to land on.
func (e *env) seedStartRow(t *testing.T, requestID string) {
	t.Helper()
	err := e.store.InsertRequestLogs(context.Background(), []*gateway.RequestLog{
		{RequestID: requestID, Method: "POST", Endpoint: "/v1/chat/completions", CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func chatRequest(model string) *Request {
	return &Request{
		RequestID: "req-test",
		Model:     model,
		Dialect:   gateway.ProviderOpenAI,
		Body: map[string]any{
			"model":    model,
			"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		},
	}
}

func okResponse(body string) *adapter.Response {
	return &adapter.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(body),
	}
}

func errResponse(status int, body string) *adapter.Response {
	return &adapter.Response{StatusCode: status, Body: []byte(body)}
}

func TestHappyUnary(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"gpt-4o"}})
	e.seedStartRow(t, "req-test")

	const upstream = `{"choices":[{"message":{"content":"ok"}}]}`
	var calls int
	e.adapter.SendFn = func(_ context.Context, req *adapter.Request, apiKey string) (*adapter.Response, error) {
		calls++
		if apiKey != "k1" {
			t.Errorf("apiKey = %q", apiKey)
		}
		return okResponse(upstream), nil
	}

	res, err := e.dispatcher.Do(ctx, chatRequest("gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 200 || string(res.Body) != upstream {
		t.Errorf("result = %d %q", res.StatusCode, res.Body)
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}

	u, err := e.store.GetKeyUsage(ctx, "g1", gateway.HashKey("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if u.UsageCount != 1 {
		t.Errorf("usage = %d, want 1", u.UsageCount)
	}

	log, err := e.store.GetRequestLog(ctx, "req-test")
	if err != nil {
		t.Fatal(err)
	}
	if log.StatusCode != 200 || log.Model != "gpt-4o" || log.IsStreaming {
		t.Errorf("log = %+v", log)
	}
}

func TestKeyRotationOn401(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{
		ID:            "g1",
		APIKeys:       []string{"k1", "k2"},
		Models:        []string{"gpt-4o"},
		BalancePolicy: gateway.BalanceRoundRobin,
		RetryCount:    2,
	})

	var calls []string
	e.adapter.SendFn = func(_ context.Context, _ *adapter.Request, apiKey string) (*adapter.Response, error) {
		calls = append(calls, apiKey)
		if apiKey == "k1" {
			return errResponse(401, `{"error":{"message":"bad key"}}`), nil
		}
		return okResponse(`{"id":"ok"}`), nil
	}

	res, err := e.dispatcher.Do(ctx, chatRequest("gpt-4o"))
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 200 {
		t.Errorf("status = %d", res.StatusCode)
	}
	if len(calls) != 2 || calls[0] != "k1" || calls[1] != "k2" {
		t.Errorf("calls = %v, want [k1 k2]", calls)
	}

	v1, err := e.store.GetValidation(ctx, "g1", gateway.HashKey("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if v1.IsValid || v1.ErrorCount != 1 || v1.LastStatusCode == nil || *v1.LastStatusCode != 401 {
		t.Errorf("k1 validation = %+v", v1)
	}
	v2, err := e.store.GetValidation(ctx, "g1", gateway.HashKey("k2"))
	if err != nil {
		t.Fatal(err)
	}
	if !v2.IsValid || v2.ErrorCount != 0 {
		t.Errorf("k2 validation = %+v", v2)
	}
}

func TestGroupFailoverOn400(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"a1"}, Models: []string{"m"}, Priority: 2})
	e.addGroup(t, &gateway.GroupConfig{ID: "g2", APIKeys: []string{"a2"}, Models: []string{"m"}, Priority: 1})

	var calls []string
	e.adapter.SendFn = func(_ context.Context, _ *adapter.Request, apiKey string) (*adapter.Response, error) {
		calls = append(calls, apiKey)
		if apiKey == "a1" {
			return errResponse(400, `{"error":{"message":"bad model"}}`), nil
		}
		return okResponse(`{"id":"ok"}`), nil
	}

	res, err := e.dispatcher.Do(ctx, chatRequest("m"))
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 200 || res.Group.ID != "g2" {
		t.Errorf("result group = %s status = %d", res.Group.ID, res.StatusCode)
	}
	if len(calls) != 2 || calls[0] != "a1" || calls[1] != "a2" {
		t.Errorf("calls = %v, want one attempt per group", calls)
	}
}

func TestRetryOn500SameKey(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}, RetryCount: 2})

	var calls int
	e.adapter.SendFn = func(_ context.Context, _ *adapter.Request, apiKey string) (*adapter.Response, error) {
		calls++
		if calls < 3 {
			return errResponse(503, "overloaded"), nil
		}
		return okResponse(`{"id":"ok"}`), nil
	}

	res, err := e.dispatcher.Do(ctx, chatRequest("m"))
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 200 {
		t.Errorf("status = %d", res.StatusCode)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (two 503s then success)", calls)
	}
}

func TestTerminalStatusPassedThrough(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}, RetryCount: 3})

	var calls int
	e.adapter.SendFn = func(_ context.Context, _ *adapter.Request, _ string) (*adapter.Response, error) {
		calls++
		return errResponse(402, `{"error":{"message":"payment required"}}`), nil
	}

	_, err := e.dispatcher.Do(ctx, chatRequest("m"))
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if ue.StatusCode != 402 || ue.Message != "payment required" {
		t.Errorf("UpstreamError = %+v", ue)
	}
	if calls != 1 {
		t.Errorf("terminal status must not be retried, calls = %d", calls)
	}
}

func TestNoEligibleGroup(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}})

	var calls int
	e.adapter.SendFn = func(_ context.Context, _ *adapter.Request, _ string) (*adapter.Response, error) {
		calls++
		return okResponse("{}"), nil
	}

	_, err := e.dispatcher.Do(ctx, chatRequest("unknown-model"))
	if !errors.Is(err, gateway.ErrNoEligibleGroup) {
		t.Errorf("err = %v, want ErrNoEligibleGroup", err)
	}
	if calls != 0 {
		t.Errorf("no upstream call expected, got %d", calls)
	}
}

func TestAllGroupsExhausted(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}})
	e.addGroup(t, &gateway.GroupConfig{ID: "g2", APIKeys: []string{"k2"}, Models: []string{"m"}})

	e.adapter.SendFn = func(_ context.Context, _ *adapter.Request, _ string) (*adapter.Response, error) {
		return errResponse(400, `{"error":{"message":"nope"}}`), nil
	}

	_, err := e.dispatcher.Do(ctx, chatRequest("m"))
	if !errors.Is(err, gateway.ErrNoEligibleGroup) {
		t.Errorf("err = %v, want ErrNoEligibleGroup after exhausting groups", err)
	}
}

func TestStreamingCommitOnFirstByte(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}})
	e.seedStartRow(t, "req-test")

	sse := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: {\"c\":3}\n\ndata: [DONE]\n\n"
	e.adapter.SendFn = func(_ context.Context, req *adapter.Request, _ string) (*adapter.Response, error) {
		if !req.Stream {
			t.Error("upstream request must be streaming")
		}
		return &adapter.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
			Stream:     io.NopCloser(strings.NewReader(sse)),
		}, nil
	}

	req := chatRequest("m")
	req.Stream = true
	res, err := e.dispatcher.Do(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stream == nil {
		t.Fatal("expected a stream")
	}
	defer res.Stream.Close()
	got, err := io.ReadAll(res.Stream)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != sse {
		t.Errorf("stream bytes altered:\n%q\nwant\n%q", got, sse)
	}

	log, err := e.store.GetRequestLog(ctx, "req-test")
	if err != nil {
		t.Fatal(err)
	}
	if !log.IsStreaming || log.StatusCode != 200 {
		t.Errorf("log = %+v", log)
	}
	if log.ResponseBody != "" {
		t.Error("streaming responses must not persist a body")
	}
}

func TestStreamingFailoverBeforeFirstByte(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}, Priority: 2})
	e.addGroup(t, &gateway.GroupConfig{ID: "g2", APIKeys: []string{"k2"}, Models: []string{"m"}, Priority: 1})

	e.adapter.SendFn = func(_ context.Context, _ *adapter.Request, apiKey string) (*adapter.Response, error) {
		if apiKey == "k1" {
			// 200 with an immediately-closed body: no first byte.
			return &adapter.Response{
				StatusCode: http.StatusOK,
				Stream:     io.NopCloser(strings.NewReader("")),
			}, nil
		}
		return &adapter.Response{
			StatusCode: http.StatusOK,
			Stream:     io.NopCloser(strings.NewReader("data: [DONE]\n\n")),
		}, nil
	}

	req := chatRequest("m")
	req.Stream = true
	res, err := e.dispatcher.Do(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Group.ID != "g2" {
		t.Errorf("group = %s, want failover to g2", res.Group.ID)
	}
}

func TestFakeStreaming(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}, FakeStreaming: true})

	e.adapter.SendFn = func(_ context.Context, req *adapter.Request, _ string) (*adapter.Response, error) {
		if req.Stream {
			t.Error("fake_streaming group must receive a unary upstream call")
		}
		return okResponse(`{"id":"unary"}`), nil
	}

	req := chatRequest("m")
	req.Stream = true
	res, err := e.dispatcher.Do(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FakeStream {
		t.Error("FakeStream must be set")
	}
	if res.Stream != nil {
		t.Error("fake streaming yields a body, not a stream")
	}
	if string(res.Body) != `{"id":"unary"}` {
		t.Errorf("body = %q", res.Body)
	}
}

func TestProxyKeyUsageStamped(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}})
	if err := e.store.CreateProxyKey(ctx, &gateway.ProxyKey{ID: "pk1", KeyValue: "v", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	req := chatRequest("m")
	req.ProxyKey = &gateway.ProxyKey{ID: "pk1", Enabled: true}
	if _, err := e.dispatcher.Do(ctx, req); err != nil {
		t.Fatal(err)
	}

	pk, err := e.store.GetProxyKey(ctx, "pk1")
	if err != nil {
		t.Fatal(err)
	}
	if pk.UsageCount != 1 || pk.LastUsedAt == nil {
		t.Errorf("proxy key usage = %+v", pk)
	}
}

func TestClientCancellation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.addGroup(t, &gateway.GroupConfig{ID: "g1", APIKeys: []string{"k1"}, Models: []string{"m"}, RetryCount: 5})
	e.seedStartRow(t, "req-test")

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var calls int
	e.adapter.SendFn = func(sctx context.Context, _ *adapter.Request, _ string) (*adapter.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		cancel()
		return nil, sctx.Err()
	}

	_, err := e.dispatcher.Do(ctx, chatRequest("m"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	mu.Lock()
	if calls != 1 {
		t.Errorf("cancelled request must not be retried, calls = %d", calls)
	}
	mu.Unlock()

	// The log row is still finalized, on a context detached from the dead one.
	row, err := e.store.GetRequestLog(context.Background(), "req-test")
	if err != nil {
		t.Fatal(err)
	}
	if row.StatusCode != 499 || row.CompletedAt == nil {
		t.Errorf("row = status %d, completed_at %v; want 499 and non-nil", row.StatusCode, row.CompletedAt)
	}
}

func TestLeastUsedCountsOncePerRequest(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.addGroup(t, &gateway.GroupConfig{
		ID:            "g1",
		APIKeys:       []string{"k1"},
		Models:        []string{"m"},
		BalancePolicy: gateway.BalanceLeastUsed,
	})

	if _, err := e.dispatcher.Do(ctx, chatRequest("m")); err != nil {
		t.Fatal(err)
	}

	// Selection already bumped the counter; commit must not bump it again.
	u, err := e.store.GetKeyUsage(ctx, "g1", gateway.HashKey("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if u.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", u.UsageCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
