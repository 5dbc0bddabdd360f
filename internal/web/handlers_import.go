package web

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/JonMunkholm/opsbulk/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Registry().Modules())
}

func (s *Server) handleLimiterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.LimiterStatus())
}

// readUpload returns the "file" part of a multipart form.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", nil, badRequest("expected a multipart form within the upload size limit")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, badRequest("missing file field")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return header.Filename, data, nil
}

// decodeFormJSON decodes an optional JSON-valued form field into v.
func decodeFormJSON(r *http.Request, field string, v any) error {
	raw := strings.TrimSpace(r.FormValue(field))
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return badRequest(fmt.Sprintf("field %s is not valid JSON", field))
	}
	return nil
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	_, data, err := s.readUpload(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	preview, err := s.service.Preview(r.Context(), r.FormValue("module"), data)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// handleStartImport accepts a multipart form with fields file, module,
// duplicateStrategy, mapping (JSON array) and context (JSON object).
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	name, data, err := s.readUpload(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	req := core.ImportRequest{
		Module:            r.FormValue("module"),
		FileName:          name,
		Data:              data,
		DuplicateStrategy: core.DuplicateStrategy(r.FormValue("duplicateStrategy")),
	}
	if err := decodeFormJSON(r, "mapping", &req.Mapping); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := decodeFormJSON(r, "context", &req.Params); err != nil {
		s.respondError(w, r, err)
		return
	}

	job, err := s.service.StartImport(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	logging.WithFields(r.Context(), "job_id", job.ID, "module", job.Module).Info("import accepted", "bytes", len(data))
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.ImportFilter{
		Module: q.Get("module"),
		Limit:  parseIntParam(r, "limit", 50),
	}
	for _, st := range strings.Split(q.Get("status"), ",") {
		if st = strings.TrimSpace(st); st != "" {
			filter.Statuses = append(filter.Statuses, core.ImportStatus(strings.ToUpper(st)))
		}
	}

	jobs, err := s.service.ListImportJobs(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetImportJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.CancelImport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDeleteImport(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteImportJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRowErrors(w http.ResponseWriter, r *http.Request) {
	page := core.Page{
		Number: parseIntParam(r, "page", 1),
		Size:   parseIntParam(r, "size", 50),
	}.Normalize()

	items, total, err := s.service.ListRowErrors(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"page":  page.Number,
		"size":  page.Size,
	})
}

// handleDownloadRowErrors streams every row error as CSV: row number,
// reason, message, then the raw values of the row.
func (s *Server) handleDownloadRowErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	page := core.Page{Number: 1, Size: 500}

	items, total, err := s.service.ListRowErrors(r.Context(), id, page)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="import_%s_errors.csv"`, id))

	cw := csv.NewWriter(w)
	cw.Write([]string{"row_number", "reason", "message", "values"})
	for written := 0; ; {
		for _, e := range items {
			record := append([]string{strconv.Itoa(e.RowNumber), string(e.Reason), e.Message}, e.RawValues...)
			if err := cw.Write(record); err != nil {
				slog.Warn("row error download aborted", "job_id", id, "error", err)
				return
			}
		}
		written += len(items)
		if written >= total || len(items) == 0 {
			break
		}
		page.Number++
		if items, _, err = s.service.ListRowErrors(r.Context(), id, page); err != nil {
			slog.Warn("row error download aborted", "job_id", id, "error", err)
			break
		}
	}
	cw.Flush()
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.Rollback(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Complete() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

// handleImportProgressWS pushes job snapshots to a websocket until the job
// finishes. Finished jobs get their final state and a normal close.
func (s *Server) handleImportProgressWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.service.GetImportJob(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	updates, unsubscribe, err := s.service.SubscribeImport(id)
	if err != nil {
		// The job finished between the lookup and the subscription.
		if latest, gerr := s.service.GetImportJob(r.Context(), id); gerr == nil {
			job = latest
		}
		conn.WriteJSON(job)
		closeNormal(conn)
		return
	}
	defer unsubscribe()

	// Drain client frames so close and ping control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				closeNormal(conn)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// parseIntParam parses a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}
