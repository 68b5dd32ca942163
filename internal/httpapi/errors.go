package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rbaliyan/bookmail"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bookmail.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, bookmail.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, bookmail.ErrExpired):
		return http.StatusGone
	case errors.Is(err, bookmail.ErrPermissionDenied), errors.Is(err, bookmail.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, bookmail.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bookmail.ErrInvalidMessage),
		errors.Is(err, bookmail.ErrInvalidID),
		errors.Is(err, bookmail.ErrInvalidUserID):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
