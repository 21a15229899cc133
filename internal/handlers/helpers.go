package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shellport/shellport/internal/apperr"
	"github.com/shellport/shellport/internal/profile"
)

// response is the envelope every REST endpoint answers with.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

const defaultSuccessMessage = "Operation completed successfully"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, message string, data any) {
	if message == "" {
		message = defaultSuccessMessage
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Success: false, Message: message})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, apperr.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConnect), errors.Is(err, apperr.ErrRemoteOperation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// failureMessage prefixes err with the failed action. Connect failures
// always read "Failed to connect", and unclassified errors are not echoed.
func failureMessage(action string, err error) string {
	switch {
	case errors.Is(err, apperr.ErrConnect):
		return "Failed to connect: " + err.Error()
	case errors.Is(err, profile.ErrNotFound):
		return "Profile not found"
	case apperr.KindOf(err) == nil:
		return "Internal server error"
	default:
		return action + ": " + err.Error()
	}
}

func profileIDParam(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "profileId"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("Invalid profile ID")
	}
	return uint(id), nil
}
