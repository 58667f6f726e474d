package gemini

import (
	"encoding/json"
	"net/http"
	"testing"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/adapter"
)

func newTestAdapter() *Adapter {
	return New(adapter.NewClients(0), adapter.DefaultTimeouts(), testLogger())
}

func TestChatPath(t *testing.T) {
	t.Parallel()
	a := newTestAdapter()

	if got := a.ChatPath("gemini-2.0-flash", false); got != "/models/gemini-2.0-flash:generateContent" {
		t.Errorf("unary path = %q", got)
	}
	if got := a.ChatPath("gemini-2.0-flash", true); got != "/models/gemini-2.0-flash:streamGenerateContent?alt=sse" {
		t.Errorf("streaming path = %q", got)
	}
}

func TestPrepareContentGenerationConfig(t *testing.T) {
	t.Parallel()
	a := newTestAdapter()

	req := &adapter.Request{
		Model: "gemini-2.0-flash",
		Body: map[string]any{
			"contents":         []any{map[string]any{"parts": []any{map[string]any{"text": "hi"}}}},
			"generationConfig": map[string]any{"topK": 40, "temperature": 0.9},
		},
	}
	g := &gateway.GroupConfig{
		ParameterOverrides: map[string]any{
			"temperature":      0.1,
			"max_tokens":       128,
			"presence_penalty": 1.5, // unsupported here, must be dropped
		},
	}

	b, err := a.PrepareContent(req, g)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	gc, ok := got["generationConfig"].(map[string]any)
	if !ok {
		t.Fatal("generationConfig missing")
	}
	if gc["temperature"] != 0.1 {
		t.Errorf("temperature = %v", gc["temperature"])
	}
	if gc["maxOutputTokens"] != float64(128) {
		t.Errorf("maxOutputTokens = %v", gc["maxOutputTokens"])
	}
	if gc["topK"] != float64(40) {
		t.Errorf("client topK must survive the merge, got %v", gc["topK"])
	}
	if _, ok := gc["presence_penalty"]; ok {
		t.Error("unsupported override must be dropped")
	}
	if _, ok := got["model"]; ok {
		t.Error("model must not appear in the body")
	}
	// Caller's nested map must not be mutated.
	orig := req.Body["generationConfig"].(map[string]any)
	if orig["temperature"] != 0.9 {
		t.Error("PrepareContent mutated the request body")
	}
}

func TestPrepareHeaders(t *testing.T) {
	t.Parallel()
	a := newTestAdapter()

	h := http.Header{}
	a.PrepareHeaders(h, &gateway.GroupConfig{}, "AIza-test")
	if h.Get("x-goog-api-key") != "AIza-test" {
		t.Errorf("x-goog-api-key = %q", h.Get("x-goog-api-key"))
	}
	if h.Get("Authorization") != "" {
		t.Error("gemini must not send an Authorization header")
	}
}

func TestExtractUsage(t *testing.T) {
	t.Parallel()
	a := newTestAdapter()

	u := a.ExtractUsage([]byte(`{"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":7,"totalTokenCount":12}}`))
	if u.PromptTokens != 5 || u.CompletionTokens != 7 || u.TotalTokens != 12 {
		t.Errorf("usage = %+v", u)
	}
}
