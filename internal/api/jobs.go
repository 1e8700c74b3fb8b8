package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/worklog/internal/jobs"
)

func handleJobStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Queue.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		code := http.StatusOK
		if snap.Status == jobs.StatusNotFound {
			code = http.StatusNotFound
		}
		writeJSON(w, code, snap)
	}
}

func handleJobStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Queue.Stats())
	}
}

func handleClearJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"cleared": deps.Queue.ClearCompleted()})
	}
}

func handleStopJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"discarded": deps.Queue.EmergencyStop()})
	}
}
