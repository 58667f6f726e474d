package server

import (
	"net/http"
	"sort"
	"time"

	gateway "github.com/orchd/orchd/internal"
)

// handleListModels returns the OpenAI-compatible model list: the union of
// models across every group the proxy key may use, aliases included,
// de-duplicated by id.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	pk, err := s.deps.Keys.ValidateProxyKey(r.Context(), bearerToken(r))
	if err != nil {
		writeDialectError(w, gateway.ProviderOpenAI, http.StatusUnauthorized,
			"invalid proxy key", "invalid_api_key")
		return
	}

	models, err := s.visibleModels(r, pk, "")
	if err != nil {
		writeDialectError(w, gateway.ProviderOpenAI, http.StatusInternalServerError,
			"failed to list models", "internal_error")
		return
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}
	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

// handleGeminiListModels returns the Gemini-dialect model list, restricted
// to groups speaking the Gemini dialect.
func (s *server) handleGeminiListModels(w http.ResponseWriter, r *http.Request) {
	pk, err := s.deps.Keys.ValidateProxyKey(r.Context(), r.Header.Get("x-goog-api-key"))
	if err != nil {
		writeDialectError(w, gateway.ProviderGemini, http.StatusUnauthorized,
			"invalid proxy key", "invalid_api_key")
		return
	}

	models, err := s.visibleModels(r, pk, gateway.ProviderGemini)
	if err != nil {
		writeDialectError(w, gateway.ProviderGemini, http.StatusInternalServerError,
			"failed to list models", "internal_error")
		return
	}

	entries := make([]geminiModelEntry, len(models))
	for i, m := range models {
		entries[i] = geminiModelEntry{Name: "models/" + m}
	}
	writeJSON(w, http.StatusOK, geminiModelListResponse{Models: entries})
}

// visibleModels collects the sorted, de-duplicated union of models and
// aliases across the enabled groups the key is allowed to use.
func (s *server) visibleModels(r *http.Request, pk *gateway.ProxyKey, dialect string) ([]string, error) {
	groups, err := s.deps.Groups.ListGroups(r.Context())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var models []string
	for _, g := range groups {
		if !g.Enabled || !pk.AllowsGroup(g.ID) {
			continue
		}
		if dialect != "" && g.ProviderType != dialect {
			continue
		}
		for _, m := range g.Models {
			if !seen[m] {
				seen[m] = true
				models = append(models, m)
			}
		}
		for alias := range g.ModelAliases {
			if !seen[alias] {
				seen[alias] = true
				models = append(models, alias)
			}
		}
	}
	sort.Strings(models)
	return models, nil
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type geminiModelEntry struct {
	Name string `json:"name"`
}

type geminiModelListResponse struct {
	Models []geminiModelEntry `json:"models"`
}
