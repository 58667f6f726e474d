package server

import "net/http"

// Pre-allocated response body and header value slice (see errors.go:jsonCT).
var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
