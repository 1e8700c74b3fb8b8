// Package api exposes the journal over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/export"
	"github.com/kalambet/worklog/internal/jobs"
	"github.com/kalambet/worklog/internal/journal"
	"github.com/kalambet/worklog/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// JobQueue is the part of jobs.Queue the API reads and controls.
type JobQueue interface {
	Status(ctx context.Context, id string) (jobs.Snapshot, error)
	Stats() jobs.Stats
	ClearCompleted() int
	EmergencyStop() int
}

type Deps struct {
	Journal *journal.Service
	Export  *export.Builder
	Queue   JobQueue
	DB      *dbconn.Manager
	Token   string
	Logger  *slog.Logger
}

// NewHandler returns the REST API. /health is served without auth.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/stats", handleTotals(deps))

		r.Post("/users", handleCreateUser(deps))
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/", handleGetUser(deps))

			r.Get("/entries", handleListEntries(deps))
			r.Post("/entries", handleCreateEntry(deps))
			r.Get("/entries/{date}", handleGetEntry(deps))
			r.Put("/entries/{date}", handleUpdateEntry(deps))
			r.Delete("/entries/{date}", handleDeleteEntry(deps))

			r.Get("/projects", handleProjects(deps))
			r.Get("/skills", handleSkills(deps))
			r.Get("/competencies", handleCompetencies(deps))
			r.Get("/dashboard", handleDashboard(deps))
			r.Get("/insights", handleInsights(deps))
			r.Post("/reanalyze", handleReanalyze(deps))
			r.Get("/export/{kind}", handleExport(deps))
		})

		r.Get("/jobs/stats", handleJobStats(deps))
		r.Post("/jobs/clear", handleClearJobs(deps))
		r.Post("/jobs/stop", handleStopJobs(deps))
		r.Get("/jobs/{id}", handleJobStatus(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := deps.DB.HealthCheck(r.Context())
		code := http.StatusOK
		if h.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":     h.Status,
			"database":   h,
			"connection": deps.DB.Stats(),
			"queue":      deps.Queue.Stats(),
		})
	}
}

func handleTotals(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totals, err := deps.Journal.Totals(r.Context())
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, totals)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeError maps a service error onto a status code and error envelope.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case storage.IsUniqueViolation(err):
		httpError(w, http.StatusConflict, "conflict", "already exists")
	case errors.Is(err, journal.ErrInvalid), errors.Is(err, export.ErrInvalid), errors.Is(err, jobs.ErrNoEntries):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, dbconn.ErrOperationTimeout):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "store operation timed out")
	case errors.Is(err, dbconn.ErrConnectionFailed), errors.Is(err, dbconn.ErrConnectTimeout), errors.Is(err, jobs.ErrQueueClosed):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
	default:
		logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

// decodeBody reads a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}
