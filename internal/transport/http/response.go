package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"cms-job-service/internal/publish"
	"cms-job-service/internal/repository/postgresql"
	"cms-job-service/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeServiceErr maps domain errors onto HTTP statuses in one place so
// every handler reports conflicts and validation failures the same way.
func writeServiceErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, publish.ErrInvalidStatus):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, postgresql.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrActiveJobExists),
		errors.Is(err, service.ErrAlreadyFinished),
		errors.Is(err, service.ErrNotExecutable),
		errors.Is(err, publish.ErrAlreadyPublished),
		errors.Is(err, publish.ErrNotCompleted):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
