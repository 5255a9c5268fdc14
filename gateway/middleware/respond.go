package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// StatusForError maps the error taxonomy onto HTTP status codes.
func StatusForError(err error) int {
	switch types.Classify(err) {
	case types.KindNone:
		return http.StatusOK
	case types.KindInvalidInput:
		return http.StatusBadRequest
	case types.KindAuthentication:
		return http.StatusUnauthorized
	case types.KindUpstream:
		return http.StatusServiceUnavailable
	case types.KindReferenceNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError writes {"error": ...}. Internal errors are not echoed to callers.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	WriteJSON(w, status, map[string]string{"error": msg})
}
