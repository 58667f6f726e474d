// Package anthropic implements the Anthropic messages dialect adapter.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/adapter"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// The messages API has no presence or frequency penalties; only these group
// overrides apply.
var overridable = map[string]bool{
	"temperature": true,
	"max_tokens":  true,
	"top_p":       true,
	"top_k":       true,
}

var _ adapter.Adapter = (*Adapter)(nil)

// Adapter speaks the Anthropic messages wire format.
type Adapter struct {
	clients  *adapter.Clients
	timeouts adapter.Timeouts
}

// New creates an Anthropic adapter using the shared client pool.
func New(clients *adapter.Clients, timeouts adapter.Timeouts) *Adapter {
	return &Adapter{clients: clients, timeouts: timeouts}
}

func (a *Adapter) Type() string { return gateway.ProviderAnthropic }

func (a *Adapter) BaseURL(g *gateway.GroupConfig) string {
	if g != nil && g.BaseURL != "" {
		return strings.TrimRight(g.BaseURL, "/")
	}
	return defaultBaseURL
}

func (a *Adapter) ChatPath(model string, stream bool) string { return "/messages" }

func (a *Adapter) ModelsPath() string { return "/models" }

func (a *Adapter) PrepareContent(req *adapter.Request, g *gateway.GroupConfig) ([]byte, error) {
	body := maps.Clone(req.Body)
	if body == nil {
		body = make(map[string]any)
	}
	body["model"] = req.Model
	if req.Stream {
		body["stream"] = true
	} else {
		delete(body, "stream")
	}
	for k, v := range g.ParameterOverrides {
		if overridable[k] {
			body[k] = v
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	return b, nil
}

func (a *Adapter) PrepareHeaders(h http.Header, g *gateway.GroupConfig, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("anthropic-version", anthropicVersion)
	for k, v := range g.Headers {
		h.Set(k, v)
	}
}

func (a *Adapter) Send(ctx context.Context, req *adapter.Request, body []byte, g *gateway.GroupConfig, apiKey string) (*adapter.Response, error) {
	url := a.BaseURL(g) + a.ChatPath(req.Model, req.Stream)
	client := a.clients.For(g.ProxyURL)
	return adapter.Post(ctx, client, url, body,
		func(h http.Header) { a.PrepareHeaders(h, g, apiKey) },
		req.Stream, a.timeouts.ForGroup(g.Timeout))
}

// ListModels queries GET /models and returns the model IDs.
func (a *Adapter) ListModels(ctx context.Context, g *gateway.GroupConfig, apiKey string) ([]string, error) {
	resp, err := adapter.Get(ctx, a.clients.For(g.ProxyURL), a.BaseURL(g)+a.ModelsPath(),
		func(h http.Header) { a.PrepareHeaders(h, g, apiKey) }, a.timeouts.ForGroup(g.Timeout))
	if err != nil {
		return nil, fmt.Errorf("anthropic: list models: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &adapter.APIError{Provider: a.Type(), StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	var ids []string
	for _, m := range gjson.GetBytes(resp.Body, "data.#.id").Array() {
		ids = append(ids, m.String())
	}
	return ids, nil
}

// ExtractUsage reads input and output token counts; the messages API
// reports no total, so it is derived.
func (a *Adapter) ExtractUsage(body []byte) adapter.Usage {
	u := gjson.GetBytes(body, "usage")
	in := int(u.Get("input_tokens").Int())
	out := int(u.Get("output_tokens").Int())
	return adapter.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}
