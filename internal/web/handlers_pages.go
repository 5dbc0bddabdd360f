package web

import (
	"net/http"

	"github.com/JonMunkholm/opsbulk/internal/web/templates"
	"github.com/go-chi/chi/v5"
)

// handleJobPage renders the status page of an import job. Running jobs
// update live over the progress websocket.
func (s *Server) handleJobPage(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetImportJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	templates.JobPage(*job).Render(r.Context(), w)
}
