// Package gemini implements the Google Gemini generateContent dialect
// adapter, including the streaming stall detector.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/adapter"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Group overrides land in generationConfig under Gemini's own names.
var overridable = map[string]string{
	"temperature": "temperature",
	"max_tokens":  "maxOutputTokens",
	"top_p":       "topP",
	"top_k":       "topK",
}

var _ adapter.Adapter = (*Adapter)(nil)

// Adapter speaks the Gemini generateContent wire format. The model and the
// streaming mode are encoded in the URL rather than the body.
type Adapter struct {
	clients  *adapter.Clients
	timeouts adapter.Timeouts
	stall    StallConfig
	log      *slog.Logger
	onTrunc  func(group string)
}

// Option configures optional adapter behavior.
type Option func(*Adapter)

// WithStallConfig overrides the streaming stall thresholds.
func WithStallConfig(cfg StallConfig) Option {
	return func(a *Adapter) { a.stall = cfg }
}

// WithTruncationHook registers a callback invoked once per truncated stream.
func WithTruncationHook(fn func(group string)) Option {
	return func(a *Adapter) { a.onTrunc = fn }
}

// New creates a Gemini adapter using the shared client pool.
func New(clients *adapter.Clients, timeouts adapter.Timeouts, log *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		clients:  clients,
		timeouts: timeouts,
		stall:    DefaultStallConfig(),
		log:      log,
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Type() string { return gateway.ProviderGemini }

func (a *Adapter) BaseURL(g *gateway.GroupConfig) string {
	if g != nil && g.BaseURL != "" {
		return strings.TrimRight(g.BaseURL, "/")
	}
	return defaultBaseURL
}

func (a *Adapter) ChatPath(model string, stream bool) string {
	if stream {
		return "/models/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/models/" + model + ":generateContent"
}

func (a *Adapter) ModelsPath() string { return "/models" }

// PrepareContent applies whitelisted overrides into generationConfig. The
// model never appears in the body; ChatPath carries it.
func (a *Adapter) PrepareContent(req *adapter.Request, g *gateway.GroupConfig) ([]byte, error) {
	body := maps.Clone(req.Body)
	if body == nil {
		body = make(map[string]any)
	}
	if len(g.ParameterOverrides) > 0 {
		gc := make(map[string]any)
		if prev, ok := body["generationConfig"].(map[string]any); ok {
			gc = maps.Clone(prev)
		}
		for k, v := range g.ParameterOverrides {
			if name, ok := overridable[k]; ok {
				gc[name] = v
			}
		}
		if len(gc) > 0 {
			body["generationConfig"] = gc
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	return b, nil
}

func (a *Adapter) PrepareHeaders(h http.Header, g *gateway.GroupConfig, apiKey string) {
	h.Set("x-goog-api-key", apiKey)
	for k, v := range g.Headers {
		h.Set(k, v)
	}
}

// Send performs one upstream attempt. Streaming responses are wrapped with
// the stall detector before being handed back for pass-through.
func (a *Adapter) Send(ctx context.Context, req *adapter.Request, body []byte, g *gateway.GroupConfig, apiKey string) (*adapter.Response, error) {
	url := a.BaseURL(g) + a.ChatPath(req.Model, req.Stream)
	client := a.clients.For(g.ProxyURL)
	resp, err := adapter.Post(ctx, client, url, body,
		func(h http.Header) { a.PrepareHeaders(h, g, apiKey) },
		req.Stream, a.timeouts.ForGroup(g.Timeout))
	if err != nil {
		return nil, err
	}
	if resp.Stream != nil {
		resp.Stream = newStallReader(resp.Stream, a.stall, a.log, g.ID, req.Model, a.onTrunc)
	}
	return resp, nil
}

// ListModels queries GET /models and returns names with the "models/"
// prefix stripped.
func (a *Adapter) ListModels(ctx context.Context, g *gateway.GroupConfig, apiKey string) ([]string, error) {
	resp, err := adapter.Get(ctx, a.clients.For(g.ProxyURL), a.BaseURL(g)+a.ModelsPath(),
		func(h http.Header) { a.PrepareHeaders(h, g, apiKey) }, a.timeouts.ForGroup(g.Timeout))
	if err != nil {
		return nil, fmt.Errorf("gemini: list models: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &adapter.APIError{Provider: a.Type(), StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	var ids []string
	for _, m := range gjson.GetBytes(resp.Body, "models.#.name").Array() {
		ids = append(ids, strings.TrimPrefix(m.String(), "models/"))
	}
	return ids, nil
}

func (a *Adapter) ExtractUsage(body []byte) adapter.Usage {
	u := gjson.GetBytes(body, "usageMetadata")
	return adapter.Usage{
		PromptTokens:     int(u.Get("promptTokenCount").Int()),
		CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
		TotalTokens:      int(u.Get("totalTokenCount").Int()),
	}
}
