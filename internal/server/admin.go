package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/orchd/orchd/internal"
)

// handleHealthCheck runs the tiered probe for one group and returns the
// report. The probe runs synchronously in the request context; the
// inter-model pauses make this slow for groups with many models.
func (s *server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "group")
	g, err := s.deps.Groups.GetGroup(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeDialectError(w, gateway.ProviderOpenAI, http.StatusNotFound,
				"unknown group "+groupID, "not_found")
			return
		}
		slog.LogAttrs(r.Context(), slog.LevelError, "health check: load group",
			slog.String("group", groupID),
			slog.String("error", err.Error()),
		)
		writeDialectError(w, gateway.ProviderOpenAI, http.StatusInternalServerError,
			"internal error", "internal_error")
		return
	}

	report, err := s.deps.Checker.CheckGroup(r.Context(), g)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "health check failed",
			slog.String("group", groupID),
			slog.String("error", err.Error()),
		)
		writeDialectError(w, gateway.ProviderOpenAI, http.StatusInternalServerError,
			"health check failed", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
