package api

import (
	"net/http"

	catalog "github.com/tasker-core/core/internal/models"
)

// handleListModels reports the LLM models available for run creation, so a
// desktop shell can populate a provider/model picker without hardcoding it.
// The optional ?provider= query parameter narrows the list to that
// provider's models; whether an API key is configured for it is not checked.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	filter := &catalog.Filter{}
	if p := r.URL.Query().Get("provider"); p != "" {
		filter.Providers = []catalog.Provider{catalog.Provider(p)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": catalog.List(filter)})
}
