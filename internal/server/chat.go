package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	gateway "github.com/orchd/orchd/internal"
	"github.com/orchd/orchd/internal/dispatch"
)

// maxRequestBody caps inbound chat bodies (10 MB).
const maxRequestBody = 10 << 20

func (s *server) handleOpenAIChat(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, chatParams{
		dialect: gateway.ProviderOpenAI,
		rawKey:  bearerToken(r),
	})
}

func (s *server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	key := bearerToken(r)
	if key == "" {
		key = r.Header.Get("x-api-key")
	}
	s.serveChat(w, r, chatParams{
		dialect: gateway.ProviderAnthropic,
		rawKey:  key,
	})
}

func (s *server) handleGeminiGenerate(w http.ResponseWriter, r *http.Request) {
	model, action, ok := strings.Cut(chi.URLParam(r, "modelAction"), ":")
	if !ok || model == "" {
		writeDialectError(w, gateway.ProviderGemini, http.StatusNotFound,
			"unknown endpoint", "NOT_FOUND")
		return
	}
	var stream bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeDialectError(w, gateway.ProviderGemini, http.StatusNotFound,
			"unsupported action "+action, "NOT_FOUND")
		return
	}
	s.serveChat(w, r, chatParams{
		dialect:   gateway.ProviderGemini,
		rawKey:    r.Header.Get("x-goog-api-key"),
		urlModel:  model,
		urlStream: stream,
	})
}

type chatParams struct {
	dialect   string
	rawKey    string
	urlModel  string // Gemini carries the model in the URL, not the body
	urlStream bool
}

func (s *server) serveChat(w http.ResponseWriter, r *http.Request, p chatParams) {
	ctx := r.Context()

	pk, err := s.deps.Keys.ValidateProxyKey(ctx, p.rawKey)
	if err != nil {
		writeDialectError(w, p.dialect, http.StatusUnauthorized,
			"invalid proxy key", "invalid_api_key")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeDialectError(w, p.dialect, http.StatusBadRequest,
			"failed to read request body", "invalid_request")
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		writeDialectError(w, p.dialect, http.StatusBadRequest,
			"invalid request body: "+err.Error(), "invalid_request")
		return
	}

	model := p.urlModel
	if model == "" {
		model, _ = body["model"].(string)
	}
	if model == "" {
		writeDialectError(w, p.dialect, http.StatusBadRequest,
			"model not specified", "invalid_request")
		return
	}
	stream := p.urlStream
	if !stream {
		stream, _ = body["stream"].(bool)
	}
	_, hasTools := body["tools"]

	requestID := s.deps.Logger.Start(ctx, &gateway.RequestLog{
		RequestID:   gateway.RequestIDFromContext(ctx),
		Method:      r.Method,
		Endpoint:    r.URL.Path,
		ProxyKeyID:  pk.ID,
		ClientIP:    clientIP(r),
		UserAgent:   r.UserAgent(),
		RequestBody: string(raw),
	})

	res, err := s.deps.Dispatcher.Do(ctx, &dispatch.Request{
		RequestID:     requestID,
		Model:         model,
		Dialect:       p.dialect,
		ForcedDialect: p.dialect,
		Stream:        stream,
		Body:          body,
		HasTools:      hasTools,
		ProxyKey:      pk,
	})
	if err != nil {
		writeDispatchError(w, p.dialect, stream, model, err)
		return
	}

	switch {
	case res.Stream != nil:
		s.copyStream(w, res)
	case res.FakeStream:
		writeSSEHeaders(w)
		writeSSEData(w, res.Body)
		if p.dialect == gateway.ProviderOpenAI {
			writeSSEDone(w)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	default:
		ct := res.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(res.StatusCode)
		w.Write(res.Body)
	}
}

// copyStream relays upstream SSE bytes verbatim, flushing after every read
// so chunks reach the client as they arrive.
func (s *server) copyStream(w http.ResponseWriter, res *dispatch.Result) {
	defer res.Stream.Close()

	writeSSEHeaders(w)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := res.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// bearerToken extracts the credential from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
