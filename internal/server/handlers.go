package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/export"
	"github.com/pagecraft/abtest/internal/store"
)

// maxBodyBytes caps request bodies on every JSON endpoint.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine sentinels onto HTTP statuses. Unclassified
// errors are logged and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, status, errorResponse{Error: code, Message: "internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, engine.ErrTestNotRunning):
		return http.StatusNotFound, "test_not_running"
	case errors.Is(err, engine.ErrAssignmentNotFound):
		return http.StatusBadRequest, "assignment_not_found"
	case errors.Is(err, engine.ErrInvalidConfiguration):
		return http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusBadRequest, "invalid_transition"
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	}
	return http.StatusInternalServerError, "internal"
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json", Message: err.Error()})
		return false
	}
	return true
}

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.svc.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unavailable", Message: "storage unreachable"})
		return
	}

	tests, err := s.svc.ListTests(ctx, store.ListOptions{IncludeArchived: true})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		TestsCount:    len(tests),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

type assignRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.svc.AssignVariant(r.Context(), mux.Vars(r)["id"], req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type convertRequest struct {
	SessionID string         `json:"sessionId"`
	Value     *float64       `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.svc.RecordConversion(r.Context(), mux.Vars(r)["id"], req.SessionID, req.Value, req.Metadata); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListOptions{Status: store.Status(q.Get("status"))}
	if raw := q.Get("includeArchived"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: "includeArchived must be a boolean"})
			return
		}
		opts.IncludeArchived = v
	}

	tests, err := s.svc.ListTests(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tests == nil {
		tests = []*store.Test{}
	}
	writeJSON(w, http.StatusOK, tests)
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var def store.Test
	if !decodeBody(w, r, &def) {
		return
	}

	test, err := s.svc.CreateTest(r.Context(), &def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, test)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := s.svc.GetTest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleUpdateTest(w http.ResponseWriter, r *http.Request) {
	var patch engine.TestPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	test, err := s.svc.UpdateTest(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.svc.DeleteTest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: engine.ErrNotFound.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	var (
		test *store.Test
		err  error
	)
	switch vars["action"] {
	case "start":
		test, err = s.svc.StartTest(r.Context(), id)
	case "pause":
		test, err = s.svc.PauseTest(r.Context(), id)
	case "complete":
		test, err = s.svc.CompleteTest(r.Context(), id)
	case "archive":
		test, err = s.svc.ArchiveTest(r.Context(), id)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "unknown action"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.GetResults(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetDetailedAnalytics(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.GetSummary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: err.Error()})
		return
	}

	res, err := s.svc.ExportResults(r.Context(), mux.Vars(r)["id"], format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}
