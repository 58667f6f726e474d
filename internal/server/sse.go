package server

import (
	"net/http"
)

// Pre-allocated byte slices for SSE formatting; avoids heap allocations on
// every write in the streaming hot path.
var (
	sseDataPrefix = []byte("data: ")
	sseNewline    = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
)

// Pre-allocated header value slices for SSE responses.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEData writes a single SSE data frame: "data: <payload>\n\n".
func writeSSEData(w http.ResponseWriter, data []byte) {
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseNewline)
}

// writeSSEDone writes the OpenAI-dialect stream termination sentinel.
func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}
