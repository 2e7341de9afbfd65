// health_handler.go -- Liveness of the backing stores.
package auth

import "net/http"

// CheckHealth handles GET /health. Any store reporting "error" turns the response into a 503;
// a disabled profile cache does not.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus, redisStatus := "ok", "ok"

	dbErr, cacheErr := h.Auth.CheckHealth(r.Context())
	if dbErr != nil {
		logError(r, "postgres health check failed", "error", dbErr)
		postgresStatus = "error"
	}
	switch {
	case h.Auth.Cache == nil:
		redisStatus = "disabled"
	case cacheErr != nil:
		logError(r, "redis health check failed", "error", cacheErr)
		redisStatus = "error"
	}

	status := http.StatusOK
	if postgresStatus == "error" || redisStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
