package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/proctorhub/backend/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps the failure kind onto its status code and emits the
// stable kind string. Internal causes are logged, never leaked to clients.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := core.HTTPStatus(kind)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{
		"error":   string(kind),
		"message": msg,
	})
}
