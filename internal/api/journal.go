package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/worklog/internal/journal"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

type entryRequest struct {
	Date    string `json:"date"`
	Content string `json:"content"`
}

func handleCreateUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createUserRequest
		if !decodeBody(w, r, &req) {
			return
		}
		u, err := deps.Journal.CreateUser(r.Context(), req.Email, req.Name, req.Provider)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, u)
	}
}

func handleGetUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.Journal.GetUser(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func handleListEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Journal.Entries(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleCreateEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Journal.CreateEntry(r.Context(), chi.URLParam(r, "userID"), req.Date, req.Content)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleGetEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Journal.Entry(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "date"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleUpdateEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Journal.UpdateEntry(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "date"), req.Content)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleDeleteEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Journal.DeleteEntry(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "date"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": e.ID})
	}
}

func handleProjects(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Journal.Projects(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if items == nil {
			items = []journal.Project{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleSkills(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Journal.Skills(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if items == nil {
			items = []journal.Skill{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleCompetencies(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Journal.Competencies(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if items == nil {
			items = []journal.Competency{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleDashboard(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Journal.Dashboard(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("timeframe"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleInsights(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := deps.Journal.Insights(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("period"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func handleReanalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, n, err := deps.Journal.ReanalyzeAll(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "entries": n})
	}
}
