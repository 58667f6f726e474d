package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/adapter"
	"github.com/orchd/orchd/internal/dispatch"
	"github.com/orchd/orchd/internal/healthcheck"
	"github.com/orchd/orchd/internal/keymanager"
	"github.com/orchd/orchd/internal/reqlog"
	"github.com/orchd/orchd/internal/router"
	"github.com/orchd/orchd/internal/testutil"
)

type env struct {
	store   *testutil.FakeStore
	handler http.Handler
}

func newEnv(t *testing.T, adapters ...*testutil.FakeAdapter) *env {
	t.Helper()
	store := testutil.NewFakeStore()
	km, err := keymanager.New(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	rt, err := router.New(store, km)
	if err != nil {
		t.Fatal(err)
	}
	reg := adapter.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	logger := reqlog.New(store, nil, reqlog.Config{Enabled: true}, nil)
	disp := dispatch.New(rt, km, reg, logger, nil, nil, 3)
	checker := healthcheck.New(store, reg, nil, nil)

	h := New(Deps{
		Keys:       km,
		Dispatcher: disp,
		Logger:     logger,
		Groups:     store,
		Checker:    checker,
	})
	return &env{store: store, handler: h}
}

func (e *env) seedGroup(t *testing.T, g *gateway.GroupConfig) {
	t.Helper()
	if err := e.store.CreateGroup(context.Background(), g); err != nil {
		t.Fatal(err)
	}
}

func (e *env) seedProxyKey(t *testing.T, pk *gateway.ProxyKey) {
	t.Helper()
	if err := e.store.CreateProxyKey(context.Background(), pk); err != nil {
		t.Fatal(err)
	}
}

func openaiGroup(id string) *gateway.GroupConfig {
	return &gateway.GroupConfig{
		ID:           id,
		ProviderType: gateway.ProviderOpenAI,
		APIKeys:      []string{"sk-upstream-1"},
		Models:       []string{"gpt-4o"},
		Enabled:      true,
	}
}

func proxyKey(value string) *gateway.ProxyKey {
	return &gateway.ProxyKey{
		ID:       "pk-" + value,
		KeyValue: value,
		Name:     value,
		Enabled:  true,
	}
}

func doRequest(e *env, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionHappyPath(t *testing.T) {
	t.Parallel()
	upstream := `{"choices":[{"message":{"content":"ok"}}]}`
	fa := &testutil.FakeAdapter{
		SendFn: func(context.Context, *adapter.Request, string) (*adapter.Response, error) {
			return &adapter.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       []byte(upstream),
			}, nil
		},
	}
	e := newEnv(t, fa)
	e.seedGroup(t, openaiGroup("g1"))
	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer pk1")
	rec := doRequest(e, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != upstream {
		t.Errorf("body = %q, want upstream verbatim", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("content type = %q", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing request ID header")
	}
}

func TestChatCompletionRequiresProxyKey(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{})

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o"}`))
	rec := doRequest(e, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var env openaiError
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "invalid_api_key" {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestNoAvailableProviderEnvelope(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{})
	e.seedGroup(t, openaiGroup("g1"))
	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"unknown-model","messages":[]}`))
	req.Header.Set("Authorization", "Bearer pk1")
	rec := doRequest(e, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var env openaiError
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "no_available_provider" {
		t.Errorf("code = %q", env.Error.Code)
	}
	if !strings.Contains(env.Error.Message, "no available provider for model unknown-model") {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestAnthropicMessagesAcceptsXApiKey(t *testing.T) {
	t.Parallel()
	fa := &testutil.FakeAdapter{Dialect: gateway.ProviderAnthropic}
	e := newEnv(t, fa)
	g := openaiGroup("g1")
	g.ProviderType = gateway.ProviderAnthropic
	g.Models = []string{"claude-sonnet"}
	e.seedGroup(t, g)
	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("POST", "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet","messages":[],"max_tokens":16}`))
	req.Header.Set("x-api-key", "pk1")
	rec := doRequest(e, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAnthropicErrorEnvelope(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{Dialect: gateway.ProviderAnthropic})

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{}`))
	rec := doRequest(e, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var env anthropicError
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "error" || env.Error.Message == "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestGeminiGenerateContent(t *testing.T) {
	t.Parallel()
	var gotModel string
	fa := &testutil.FakeAdapter{
		Dialect: gateway.ProviderGemini,
		SendFn: func(_ context.Context, req *adapter.Request, _ string) (*adapter.Response, error) {
			gotModel = req.Model
			return &adapter.Response{StatusCode: 200, Body: []byte(`{"candidates":[]}`)}, nil
		},
	}
	e := newEnv(t, fa)
	g := openaiGroup("g1")
	g.ProviderType = gateway.ProviderGemini
	g.Models = []string{"gemini-pro"}
	e.seedGroup(t, g)
	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("POST", "/v1beta/models/gemini-pro:generateContent",
		strings.NewReader(`{"contents":[]}`))
	req.Header.Set("x-goog-api-key", "pk1")
	rec := doRequest(e, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotModel != "gemini-pro" {
		t.Errorf("model = %q, want from URL", gotModel)
	}
}

func TestGeminiUnknownAction(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{Dialect: gateway.ProviderGemini})

	req := httptest.NewRequest("POST", "/v1beta/models/gemini-pro:countTokens",
		strings.NewReader(`{}`))
	req.Header.Set("x-goog-api-key", "pk1")
	rec := doRequest(e, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStreamingPassThrough(t *testing.T) {
	t.Parallel()
	sse := "data: {\"a\":1}\n\ndata: {\"a\":2}\n\ndata: {\"a\":3}\n\ndata: [DONE]\n\n"
	fa := &testutil.FakeAdapter{
		SendFn: func(context.Context, *adapter.Request, string) (*adapter.Response, error) {
			return &adapter.Response{
				StatusCode: 200,
				Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
				Stream:     io.NopCloser(strings.NewReader(sse)),
			}, nil
		},
	}
	e := newEnv(t, fa)
	e.seedGroup(t, openaiGroup("g1"))
	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[],"stream":true}`))
	req.Header.Set("Authorization", "Bearer pk1")
	rec := doRequest(e, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	if rec.Body.String() != sse {
		t.Errorf("stream not byte-identical:\ngot  %q\nwant %q", rec.Body.String(), sse)
	}
}

func TestFakeStreamingReEmitsAsSSE(t *testing.T) {
	t.Parallel()
	unary := `{"choices":[{"message":{"content":"ok"}}]}`
	fa := &testutil.FakeAdapter{
		SendFn: func(_ context.Context, req *adapter.Request, _ string) (*adapter.Response, error) {
			if req.Stream {
				return nil, io.ErrUnexpectedEOF
			}
			return &adapter.Response{StatusCode: 200, Body: []byte(unary)}, nil
		},
	}
	e := newEnv(t, fa)
	g := openaiGroup("g1")
	g.FakeStreaming = true
	e.seedGroup(t, g)
	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[],"stream":true}`))
	req.Header.Set("Authorization", "Bearer pk1")
	rec := doRequest(e, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	want := "data: " + unary + "\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestStreamingErrorAsSSEEvent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{})
	e.seedGroup(t, openaiGroup("g1"))
	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"unknown-model","messages":[],"stream":true}`))
	req.Header.Set("Authorization", "Bearer pk1")
	rec := doRequest(e, req)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Errorf("error not framed as SSE: %q", body)
	}
	if !strings.Contains(body, "no_available_provider") {
		t.Errorf("body = %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("missing stream terminator: %q", body)
	}
}

func TestListModelsScopedUnion(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{})

	g1 := openaiGroup("g1")
	g1.Models = []string{"gpt-4o", "gpt-4o-mini"}
	g1.ModelAliases = map[string]string{"fast": "gpt-4o-mini"}
	e.seedGroup(t, g1)

	g2 := openaiGroup("g2")
	g2.Models = []string{"gpt-4o"} // duplicate across groups
	e.seedGroup(t, g2)

	g3 := openaiGroup("g3")
	g3.Models = []string{"hidden-model"}
	e.seedGroup(t, g3)

	pk := proxyKey("pk1")
	pk.AllowedGroups = []string{"g1", "g2"}
	e.seedProxyKey(t, pk)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer pk1")
	rec := doRequest(e, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp modelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	want := []string{"fast", "gpt-4o", "gpt-4o-mini"}
	if len(ids) != len(want) {
		t.Fatalf("models = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("models = %v, want %v", ids, want)
		}
	}
}

func TestGeminiListModels(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{})

	g1 := openaiGroup("g1") // wrong dialect, must be filtered
	e.seedGroup(t, g1)

	g2 := openaiGroup("g2")
	g2.ProviderType = gateway.ProviderGemini
	g2.Models = []string{"gemini-pro"}
	e.seedGroup(t, g2)

	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("GET", "/v1beta/models", nil)
	req.Header.Set("x-goog-api-key", "pk1")
	rec := doRequest(e, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp geminiModelListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Models) != 1 || resp.Models[0].Name != "models/gemini-pro" {
		t.Errorf("models = %+v", resp.Models)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{})

	rec := doRequest(e, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Errorf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
}

func TestAdminHealthCheck(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{})
	e.seedGroup(t, openaiGroup("g1"))

	rec := doRequest(e, httptest.NewRequest("POST", "/admin/health-check/g1", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report struct {
		GroupID    string `json:"group_id"`
		ProviderOK bool   `json:"provider_ok"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.GroupID != "g1" || !report.ProviderOK {
		t.Errorf("report = %+v", report)
	}
}

func TestAdminHealthCheckUnknownGroup(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &testutil.FakeAdapter{})

	rec := doRequest(e, httptest.NewRequest("POST", "/admin/health-check/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestLogWrittenViaHTTP(t *testing.T) {
	t.Parallel()
	fa := &testutil.FakeAdapter{}
	e := newEnv(t, fa)
	e.seedGroup(t, openaiGroup("g1"))
	e.seedProxyKey(t, proxyKey("pk1"))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	req.Header.Set("Authorization", "Bearer pk1")
	req.Header.Set("User-Agent", "orchd-test")
	rec := doRequest(e, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}

	logs := e.store.LogsByPrefix("")
	if len(logs) != 1 {
		t.Fatalf("log rows = %d, want 1", len(logs))
	}
	l := logs[0]
	if l.Endpoint != "/v1/chat/completions" || l.Method != "POST" {
		t.Errorf("row = %+v", l)
	}
	if l.StatusCode != 200 || l.Model != "gpt-4o" {
		t.Errorf("finalized row = %+v", l)
	}
	if l.UserAgent != "orchd-test" {
		t.Errorf("user agent = %q", l.UserAgent)
	}
}
