package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"ai4all/internal/engine"
	"ai4all/internal/pool"
	"ai4all/internal/queue"
	"ai4all/internal/session"
	"ai4all/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case queue.IsSessionBusy(err):
		return http.StatusConflict
	case queue.IsTooBusy(err), pool.IsTooBusy(err):
		return http.StatusTooManyRequests
	case pool.IsModelNotFound(err),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, queue.ErrRequestNotFound):
		return http.StatusNotFound
	case engine.IsDependencyUnavailable(err),
		errors.Is(err, queue.ErrClosed),
		errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &he):
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

// writeServiceError writes err with its mapped status and counts 429s.
func writeServiceError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		reason := "pool"
		if queue.IsTooBusy(err) {
			reason = "queue"
		}
		IncrementBackpressure(reason)
	}
	writeJSONError(w, status, err.Error())
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}
