package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/go-chi/chi/v5"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

type exportBody struct {
	Module  string        `json:"module"`
	Filters []core.Filter `json:"filters"`
	Columns []string      `json:"columns"`
	Params  core.Params   `json:"context"`
	// Async returns 202 immediately; otherwise the export runs inline.
	Async bool `json:"async"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body exportBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	req := core.ExportRequest{
		Module:  body.Module,
		Filters: body.Filters,
		Columns: body.Columns,
		Params:  body.Params,
	}

	if body.Async {
		job, err := s.service.StartExport(r.Context(), req)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}

	job, err := s.service.RunExport(r.Context(), req)
	if err != nil {
		if job != nil {
			// The job record exists and explains the failure.
			slog.Warn("export failed", "export_id", job.ID, "error", err)
		}
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetExportJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDownloadExport(w http.ResponseWriter, r *http.Request) {
	rc, job, err := s.service.OpenExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, job.FileName))
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("export download interrupted", "export_id", job.ID, "error", err)
	}
}

// ===== Scheduled exports =====

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.service.ListScheduledExports(r.Context(), activeOnly)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var in core.ScheduleInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	sched, err := s.service.CreateScheduledExport(r.Context(), in, "")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.service.GetScheduledExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var in core.ScheduleInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	sched, err := s.service.UpdateScheduledExport(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleSetScheduleActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsActive *bool `json:"isActive"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.IsActive == nil {
		s.respondError(w, r, badRequest("isActive is required"))
		return
	}
	sched, err := s.service.SetScheduledExportActive(r.Context(), chi.URLParam(r, "id"), *body.IsActive)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	soft, err := s.service.DeleteScheduledExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"softDeleted": soft})
}

func (s *Server) handleListScheduleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListScheduledExportRuns(r.Context(), chi.URLParam(r, "id"), parseIntParam(r, "limit", 20))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleNextRuns previews the next n fire times of ?schedule=.
func (s *Server) handleNextRuns(w http.ResponseWriter, r *http.Request) {
	expr := strings.TrimSpace(r.URL.Query().Get("schedule"))
	n := min(parseIntParam(r, "n", 5), 50)

	runs, err := core.NextRuns(expr, time.Now(), s.service.Location(), n)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule": expr,
		"timezone": s.service.Location().String(),
		"nextRuns": runs,
	})
}
