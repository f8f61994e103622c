package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/roach88/reajuste/internal/runner"
	"github.com/roach88/reajuste/internal/store"
)

// Response wraps every successful payload.
type Response[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func writeData[T any](w http.ResponseWriter, status int, data T) {
	writeJSON(w, status, Response[T]{Success: true, Data: data})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &ErrorResponse{Error: message})
}

func readJSON(w http.ResponseWriter, r *http.Request, data any) error {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(data)
}

// statusFor maps store and runner errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case store.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrJobBusy),
		store.IsConcurrency(err),
		errors.Is(err, store.ErrRunClosed),
		errors.Is(err, store.ErrNotPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSONError(w, status, err.Error())
}
