package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/worklog/internal/export"
)

// handleExport renders the document into memory first so a failure can
// still produce an error envelope.
func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		format, err := export.ParseFormat(q.Get("format"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		doc, err := deps.Export.Build(r.Context(), chi.URLParam(r, "userID"), export.Kind(chi.URLParam(r, "kind")), q.Get("from"), q.Get("to"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		var buf bytes.Buffer
		if err := export.Render(&buf, doc, format); err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(doc, format)+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		buf.WriteTo(w)
	}
}
