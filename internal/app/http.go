package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"radview/api/internal/annotation"
	"radview/api/internal/compare"
	"radview/api/internal/export"
	"radview/api/internal/reportstore"
	"radview/api/internal/study"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ready, checks := s.service.Readiness(ctx)
		statusCode := http.StatusOK
		status := "ready"
		if !ready {
			statusCode = http.StatusServiceUnavailable
			status = "not_ready"
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "studies":
		if len(parts) >= 3 {
			s.handleStudies(w, r, parts[2], parts[3:])
			return
		}
	case "annotations":
		if len(parts) == 3 && parts[2] == "events" && r.Method == http.MethodPost {
			s.handleToolEvent(w, r)
			return
		}
		if len(parts) == 3 && r.Method == http.MethodDelete {
			if err := s.service.DeleteAnnotation(r.Context(), parts[2]); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	case "comparison":
		s.handleComparison(w, r, parts[2:])
		return
	case "search":
		if len(parts) == 3 && parts[2] == "annotations" && r.Method == http.MethodGet {
			s.handleSearch(w, r)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleStudies(w http.ResponseWriter, r *http.Request, studyUID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		refresh := r.URL.Query().Get("refresh") == "1"
		tree, failures, err := s.service.ResolveStudy(r.Context(), studyUID, refresh)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		response := map[string]any{
			"study":   tree,
			"partial": len(failures) > 0,
		}
		if len(failures) > 0 {
			response["warnings"] = failures
		}
		writeJSON(w, http.StatusOK, response)

	case len(rest) == 3 && rest[0] == "series" && rest[2] == "image-ids" && r.Method == http.MethodGet:
		imageIDs, err := s.service.ImageIDs(r.Context(), studyUID, rest[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"imageIds": imageIDs,
			"count":    len(imageIDs),
		})

	case len(rest) == 1 && rest[0] == "annotations" && r.Method == http.MethodGet:
		annotations, err := s.service.StudyAnnotations(r.Context(), studyUID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if annotations == nil {
			annotations = []annotation.Persisted{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotations": annotations})

	case len(rest) == 2 && rest[0] == "annotations" && rest[1] == "flush" && r.Method == http.MethodPost:
		saved, err := s.service.FlushAnnotations(r.Context(), studyUID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		response := map[string]any{"flushed": saved != nil}
		if saved != nil {
			response["annotation"] = saved
		}
		writeJSON(w, http.StatusOK, response)

	case len(rest) == 2 && rest[0] == "annotations" && rest[1] == "pending" && r.Method == http.MethodDelete:
		s.service.DiscardPending(studyUID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[0] == "annotations" && rest[1] == "errors" && r.Method == http.MethodGet:
		failures := s.service.DrainSaveFailures(studyUID)
		if failures == nil {
			failures = []annotation.SaveFailure{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"failures": failures})

	case len(rest) == 2 && rest[0] == "session" && rest[1] == "end" && r.Method == http.MethodPost:
		saved, err := s.service.EndStudySession(r.Context(), studyUID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		response := map[string]any{"flushed": saved != nil}
		if saved != nil {
			response["annotation"] = saved
		}
		writeJSON(w, http.StatusOK, response)

	case len(rest) == 1 && strings.HasPrefix(rest[0], "export.") && r.Method == http.MethodGet:
		s.handleExport(w, r, studyUID, export.Format(strings.TrimPrefix(rest[0], "export.")))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleToolEvent(w http.ResponseWriter, r *http.Request) {
	var event annotation.ToolEvent
	if err := decodeBody(r, &event); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	accepted := s.service.HandleToolEvent(event)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

func (s *HTTPServer) handleComparison(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		if r.Method == http.MethodPost {
			id, view := s.service.CreateComparison()
			writeJSON(w, http.StatusCreated, map[string]any{"id": id, "comparison": view})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	id := parts[0]
	var (
		view compare.View
		err  error
	)

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		view, err = s.service.GetComparison(id)

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteComparison(id); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return

	case len(parts) == 2 && parts[1] == "swap" && r.Method == http.MethodPost:
		view, err = s.service.SwapComparison(id)

	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPut:
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err = s.service.SetComparisonSync(id, body.Enabled)

	case len(parts) == 2 && parts[1] == "active-panel" && r.Method == http.MethodPut:
		var body struct {
			Panel string `json:"panel"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err = s.service.SetComparisonActivePanel(id, compare.Panel(body.Panel))

	case len(parts) == 3 && parts[1] == "panels" && r.Method == http.MethodPost:
		var body struct {
			StudyUID string `json:"studyUid"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.StudyUID == "" {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "studyUid is required", nil)
			return
		}
		view, err = s.service.LoadComparisonPanel(r.Context(), id, compare.Panel(parts[2]), body.StudyUID)

	case len(parts) == 4 && parts[1] == "panels" && parts[3] == "series" && r.Method == http.MethodPost:
		var body struct {
			SeriesUID string `json:"seriesUid"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.SeriesUID == "" {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "seriesUid is required", nil)
			return
		}
		view, err = s.service.ChangeComparisonSeries(r.Context(), id, compare.Panel(parts[2]), body.SeriesUID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comparison": view})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	response := s.service.SearchAnnotations(r.Context(), query.Get("q"), query.Get("study"), limit)
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, studyUID string, format export.Format) {
	result, err := s.service.ExportStudy(r.Context(), studyUID, format)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, study.ErrStudyNotFound):
		return http.StatusNotFound, "STUDY_NOT_FOUND", "Study not found in archive", nil
	case errors.Is(err, study.ErrSeriesNotFound):
		return http.StatusNotFound, "SERIES_NOT_FOUND", "Series not found in study", nil
	case errors.Is(err, study.ErrArchiveUnreachable):
		return http.StatusBadGateway, "ARCHIVE_UNREACHABLE", "Image archive is unreachable", nil
	case errors.Is(err, compare.ErrUnknownPanel):
		return http.StatusBadRequest, "UNKNOWN_PANEL", "Panel must be left or right", nil
	case errors.Is(err, compare.ErrPanelEmpty):
		return http.StatusConflict, "PANEL_EMPTY", "Panel has no study loaded", nil
	case errors.Is(err, reportstore.ErrUnreachable):
		return http.StatusBadGateway, "STORE_UNREACHABLE", "Annotation store is unreachable", nil
	case errors.Is(err, reportstore.ErrRejected):
		return http.StatusUnprocessableEntity, "STORE_REJECTED", "Annotation store rejected the request", nil
	case errors.Is(err, export.ErrNoAnnotations):
		return http.StatusNotFound, "NO_ANNOTATIONS", "Study has no annotations to export", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer is not available", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
