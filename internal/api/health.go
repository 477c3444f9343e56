package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthStore reports database reachability and record counts.
type HealthStore interface {
	Ping(ctx context.Context) error
	CountSessions(ctx context.Context) (active int64, inactive int64, err error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db       HealthStore
	sessions Sessions
	timeout  time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db HealthStore, sessions Sessions, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, sessions: sessions, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":        "healthy",
		"checks":        checks,
		"live_sessions": h.sessions.LiveSessions(),
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
		if active, inactive, err := h.db.CountSessions(ctx); err != nil {
			slog.Warn("Failed to count sessions", "error", err)
		} else {
			status["stored_sessions"] = map[string]int64{"active": active, "inactive": inactive}
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
