package web

// errors.go turns engine errors into HTTP responses.
//
// Every error is logged with its technical detail and the request id, then
// mapped through core.MapError to a user-facing message and code. API routes
// answer with JSON; the status page renders an alert fragment.

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/JonMunkholm/opsbulk/internal/web/templates"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	var (
		missing    *core.MissingRequiredFieldsError
		mapping    *core.MappingError
		structural *core.StructuralParseError
		badRequest *requestError
	)
	switch {
	case errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrExportNotFound),
		errors.Is(err, core.ErrScheduleNotFound),
		errors.Is(err, core.ErrUnknownModule),
		errors.Is(err, core.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrJobNotActive),
		errors.Is(err, core.ErrJobNotTerminal),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, core.ErrRollbackNotAllowed),
		errors.Is(err, core.ErrRollbackInProgress),
		errors.Is(err, core.ErrExportNotReady):
		return http.StatusConflict
	case errors.As(err, &missing), errors.As(err, &mapping):
		return http.StatusUnprocessableEntity
	case errors.As(err, &structural),
		errors.Is(err, core.ErrEmptyFile),
		errors.Is(err, core.ErrInvalidStrategy),
		errors.Is(err, core.ErrInvalidSchedule),
		errors.Is(err, core.ErrInvalidRecipient),
		errors.Is(err, core.ErrInvalidScheduledName),
		errors.Is(err, core.ErrUnknownColumn),
		errors.Is(err, core.ErrInvalidFilter),
		errors.Is(err, core.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrShuttingDown), errors.Is(err, core.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requestError is a malformed request caught by a handler before the
// engine sees it.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// respondError logs err and writes the mapped response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	userMsg := core.MapError(err)

	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", userMsg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	if !strings.HasPrefix(r.URL.Path, "/api/") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		templates.ErrorAlert(userMsg.Message, userMsg.Action, userMsg.Code).Render(r.Context(), w)
		return
	}

	resp := ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	}

	var badReq *requestError
	var missing *core.MissingRequiredFieldsError
	switch {
	case errors.As(err, &badReq):
		resp.Error, resp.Message, resp.Action, resp.Code = badReq.msg, badReq.msg, "", "REQ001"
	case errors.As(err, &missing):
		resp.Details = map[string]any{"missingRequired": missing.Keys}
	case status < 500:
		// Client errors carry their own detail, such as the offending column.
		resp.Details = map[string]any{"reason": err.Error()}
	}
	writeJSON(w, status, resp)
}
