// logging.go -- slog helpers that stamp every line with the request it belongs to.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// requestFields identifies r in a log line: request id, client, route and, behind
// RequireAuth, the authenticated user.
func requestFields(r *http.Request) []any {
	fields := []any{"ip", clientIP(r), "method", r.Method, "path", r.URL.Path}
	if ua := r.UserAgent(); ua != "" {
		fields = append(fields, "user_agent", ua)
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		fields = append(fields, "request_id", id)
	}
	if uid, ok := UserIDFromContext(r.Context()); ok {
		fields = append(fields, "user_id", uid.String())
	}
	return fields
}

func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	slog.Log(r.Context(), level, msg, append(requestFields(r), args...)...)
}

func logInfo(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelInfo, msg, args) }
func logWarn(r *http.Request, msg string, args ...any)  { logAt(r, slog.LevelWarn, msg, args) }
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args) }

// logSecurity records an event a monitoring rule can match on, such as refresh_reuse.
func logSecurity(r *http.Request, event, msg string, args ...any) {
	logAt(r, slog.LevelWarn, msg, append([]any{"event", event}, args...))
}
