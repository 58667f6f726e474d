package testutil

import (
	"context"
	"encoding/json"
	"net/http"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/adapter"
)

var _ adapter.Adapter = (*FakeAdapter)(nil)

// FakeAdapter is a configurable adapter.Adapter. SendFn receives the key so
// tests can script per-key outcomes; unset hooks return benign defaults.
type FakeAdapter struct {
	Dialect  string
	SendFn   func(ctx context.Context, req *adapter.Request, apiKey string) (*adapter.Response, error)
	ModelsFn func(ctx context.Context, apiKey string) ([]string, error)
}

func (f *FakeAdapter) Type() string {
	if f.Dialect == "" {
		return gateway.ProviderOpenAI
	}
	return f.Dialect
}

func (f *FakeAdapter) BaseURL(g *gateway.GroupConfig) string {
	if g != nil && g.BaseURL != "" {
		return g.BaseURL
	}
	return "https://fake.test"
}

func (f *FakeAdapter) ChatPath(model string, stream bool) string { return "/chat" }

func (f *FakeAdapter) ModelsPath() string { return "/models" }

func (f *FakeAdapter) PrepareContent(req *adapter.Request, g *gateway.GroupConfig) ([]byte, error) {
	body := make(map[string]any, len(req.Body)+1)
	for k, v := range req.Body {
		body[k] = v
	}
	body["model"] = req.Model
	return json.Marshal(body)
}

func (f *FakeAdapter) PrepareHeaders(h http.Header, g *gateway.GroupConfig, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (f *FakeAdapter) Send(ctx context.Context, req *adapter.Request, body []byte, g *gateway.GroupConfig, apiKey string) (*adapter.Response, error) {
	if f.SendFn != nil {
		return f.SendFn(ctx, req, apiKey)
	}
	return &adapter.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"id":"fake","usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`),
	}, nil
}

func (f *FakeAdapter) ListModels(ctx context.Context, g *gateway.GroupConfig, apiKey string) ([]string, error) {
	if f.ModelsFn != nil {
		return f.ModelsFn(ctx, apiKey)
	}
	return []string{"fake-model"}, nil
}

func (f *FakeAdapter) ExtractUsage(body []byte) adapter.Usage {
	var v struct {
		Usage struct {
			Prompt     int `json:"prompt_tokens"`
			Completion int `json:"completion_tokens"`
			Total      int `json:"total_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(body, &v)
	return adapter.Usage{
		PromptTokens:     v.Usage.Prompt,
		CompletionTokens: v.Usage.Completion,
		TotalTokens:      v.Usage.Total,
	}
}
