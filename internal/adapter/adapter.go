// Package adapter implements wire-dialect adapters for upstream LLM providers.
//
// Each adapter speaks one dialect (OpenAI chat completions, Anthropic
// messages, Gemini generateContent) and knows how to build the upstream URL,
// inject credentials, and send a prepared body. Requests pass through
// unchanged except for model substitution and whitelisted parameter
// overrides; the gateway never translates between dialects.
package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	gateway "github.com/orchd/orchd/internal"
)

// Request carries one dialect-native chat request through the dispatch
// pipeline. Body is the parsed client JSON; it is prepared once per group
// and reused across key rotations within that group.
type Request struct {
	Model    string         // resolved upstream model name
	Stream   bool           // whether the upstream call should stream
	Body     map[string]any // parsed dialect-native JSON body
	HasTools bool
}

// Response is the outcome of one upstream attempt. Exactly one of Body and
// Stream is set: Body for unary responses and upstream errors, Stream for a
// successful streaming response whose bytes are passed through verbatim.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// Usage is token accounting extracted from a unary response body.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Adapter is the uniform contract all provider dialects implement.
type Adapter interface {
	// Type returns the provider type identifier (gateway.Provider*).
	Type() string

	// BaseURL returns the effective upstream base URL for the group,
	// falling back to the dialect default when the group sets none.
	BaseURL(g *gateway.GroupConfig) string

	// ChatPath returns the chat endpoint path relative to the base URL.
	// Gemini encodes the model and the streaming mode into the path.
	ChatPath(model string, stream bool) string

	// ModelsPath returns the model listing endpoint path.
	ModelsPath() string

	// PrepareContent serializes the request body for the group: the resolved
	// model is substituted, whitelisted parameter overrides are applied, and
	// the streaming flag is set the way the dialect expects.
	PrepareContent(req *Request, g *gateway.GroupConfig) ([]byte, error)

	// PrepareHeaders sets auth and dialect headers on h. Group-level custom
	// headers are applied last so operators can override defaults.
	PrepareHeaders(h http.Header, g *gateway.GroupConfig, apiKey string)

	// Send performs one upstream attempt with the prepared body. Network
	// failures return an error; HTTP-level failures return a Response with
	// the upstream status and error body.
	Send(ctx context.Context, req *Request, body []byte, g *gateway.GroupConfig, apiKey string) (*Response, error)

	// ListModels queries the upstream model listing endpoint.
	ListModels(ctx context.Context, g *gateway.GroupConfig, apiKey string) ([]string, error)

	// ExtractUsage pulls token counts out of a unary success body.
	ExtractUsage(body []byte) Usage
}

// Registry maps provider types to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its Type, replacing any previous entry.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Type()] = a
	r.mu.Unlock()
}

// Get returns the adapter for the given provider type.
func (r *Registry) Get(providerType string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[providerType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", providerType)
	}
	return a, nil
}

// TruncationReporter is implemented by streams that detect whether the
// upstream ended without a terminal marker.
type TruncationReporter interface {
	Truncated() bool
}

// APIError represents an HTTP-level error response from an upstream provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code for failover decisions.
func (e *APIError) HTTPStatus() int { return e.StatusCode }
