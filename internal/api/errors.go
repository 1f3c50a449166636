// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mofsim/gpusched/internal/task"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the core error taxonomy to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, task.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, task.ErrNotTerminal):
		code = http.StatusConflict
	case errors.Is(err, task.ErrResourceUnavailable):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeBadRequest writes a 400 with a literal message.
func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
