package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/dispatch"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// dialectFor infers the inbound dialect from the request path, for code
// paths (panic recovery) that run before a handler has classified it.
func dialectFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1beta/"):
		return gateway.ProviderGemini
	case strings.HasPrefix(path, "/v1/messages"):
		return gateway.ProviderAnthropic
	default:
		return gateway.ProviderOpenAI
	}
}

// openaiError is the OpenAI-dialect error envelope.
type openaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// anthropicError is the Anthropic-dialect error envelope.
type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// geminiError is the Gemini-dialect error envelope.
type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// dialectError builds the error body for the requested dialect.
func dialectError(dialect string, status int, msg, code string) any {
	switch dialect {
	case gateway.ProviderAnthropic:
		var e anthropicError
		e.Type = "error"
		e.Error.Type = code
		e.Error.Message = msg
		return e
	case gateway.ProviderGemini:
		var e geminiError
		e.Error.Code = status
		e.Error.Message = msg
		e.Error.Status = code
		return e
	default:
		var e openaiError
		e.Error.Message = msg
		e.Error.Type = "provider_error"
		e.Error.Code = code
		return e
	}
}

func writeDialectError(w http.ResponseWriter, dialect string, status int, msg, code string) {
	writeJSON(w, status, dialectError(dialect, status, msg, code))
}

// writeDispatchError maps a dispatch failure to the client's dialect.
// Streaming requests get the error as a single SSE data event instead.
func writeDispatchError(w http.ResponseWriter, dialect string, stream bool, model string, err error) {
	status, msg, code := classifyDispatchError(model, err)
	if stream {
		writeSSEHeaders(w)
		body, _ := json.Marshal(dialectError(dialect, status, msg, code))
		writeSSEData(w, body)
		if dialect == gateway.ProviderOpenAI {
			writeSSEDone(w)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return
	}
	writeDialectError(w, dialect, status, msg, code)
}

func classifyDispatchError(model string, err error) (status int, msg, code string) {
	var ue *dispatch.UpstreamError
	switch {
	case errors.As(err, &ue):
		return ue.StatusCode, ue.Message, "provider_error"
	case errors.Is(err, gateway.ErrInvalidProxyKey):
		return http.StatusUnauthorized, "invalid proxy key", "invalid_api_key"
	case errors.Is(err, gateway.ErrRpmExceeded):
		return http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_exceeded"
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest, err.Error(), "invalid_request"
	case errors.Is(err, gateway.ErrNoEligibleGroup), errors.Is(err, gateway.ErrNoAvailableKey):
		return http.StatusInternalServerError,
			"no available provider for model " + model, "no_available_provider"
	case errors.Is(err, context.Canceled):
		// Client went away; status is never seen.
		return 499, "client closed request", "client_closed"
	default:
		return http.StatusInternalServerError, "internal server error", "internal_error"
	}
}
