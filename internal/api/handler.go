// Package api provides HTTP handlers for the chatlink API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
)

const maxBodyBytes = 1 << 20

// Sessions is the lifecycle surface exposed over HTTP.
type Sessions interface {
	CreateQRSession(ctx context.Context, agentID int64) (*domain.QRLogin, error)
	CreatePhoneSession(ctx context.Context, agentID int64, phone string) (string, error)
	RedeemCode(ctx context.Context, sessionID, code string) (*domain.AuthResult, error)
	RedeemPassword(ctx context.Context, sessionID, password string) (*domain.AuthResult, error)
	Disconnect(ctx context.Context, sessionID string) error
	GetStatus(ctx context.Context, sessionID string) (*domain.Status, error)
	SendMessage(ctx context.Context, sessionID string, chatID int64, text string, replyTo *int64) (*domain.SentMessage, error)
	LiveSessions() int
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteError maps a lifecycle error onto an HTTP status and writes it.
func WriteError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	if wait, ok := domain.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "status", status, "error", err)
	} else {
		slog.Debug("Request rejected", "status", status, "error", err)
	}
	Error(w, status, message)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, domain.ErrPreconditionFailed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInvalidPhone):
		return http.StatusBadRequest, "invalid phone number"
	case errors.Is(err, domain.ErrInvalidCode):
		return http.StatusBadRequest, "invalid or expired code"
	case errors.Is(err, domain.ErrInvalidPassword):
		return http.StatusBadRequest, "invalid password"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "session no longer authorized"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// decode reads a JSON body into v, rejecting unknown fields and oversized bodies.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func secondsUntil(t time.Time, now time.Time) int64 {
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(math.Round(d.Seconds()))
}
