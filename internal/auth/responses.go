// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Bodies are JSON objects with a "message" field;
// no internal error detail is ever written to a client.
package auth

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// InternalServerError logs err server-side; the client only sees a fixed message.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeMessage(w, http.StatusInternalServerError, "internal server error")
}

// ServiceUnavailable logs the backing-store failure and returns a generic 503.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "backing store unavailable", "error", err)
	writeMessage(w, http.StatusServiceUnavailable, "service unavailable")
}

// BadRequest: message must be safe to show the client.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusBadRequest, message)
}

// Unauthorized: message must not reveal whether the account exists.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

func Forbidden(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusForbidden, message)
}

func NotFound(w http.ResponseWriter) {
	writeMessage(w, http.StatusNotFound, "not found")
}

func Conflict(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusConflict, message)
}

// TooManyRequests returns a 429 with Retry-After in whole seconds, rounded up.
func TooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	secs := max(1, int(math.Ceil(retryAfter.Seconds())))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeMessage(w, http.StatusTooManyRequests, "too many requests")
}

func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}
