// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
)

// SessionStore persists session records.
type SessionStore interface {
	// CreateSession inserts a new session record. The session id must be unique.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns nil, nil when it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListActiveSessions returns every session with is_active set.
	ListActiveSessions(ctx context.Context) ([]*domain.Session, error)

	// UpdateSession applies a partial update. Returns domain.ErrSessionNotFound if no row matched.
	UpdateSession(ctx context.Context, sessionID string, update domain.SessionUpdate) error

	// TouchActivity advances last_activity to at. It never moves the timestamp backwards.
	TouchActivity(ctx context.Context, sessionID string, at time.Time) error

	// DeleteSession removes a session record and reports whether it existed.
	DeleteSession(ctx context.Context, sessionID string) (bool, error)

	// CountSessions returns the number of records, split by active flag.
	CountSessions(ctx context.Context) (active int64, inactive int64, err error)
}

// Archive stores normalized messages and events.
type Archive interface {
	// SaveMessage appends a message tagged with its session and owning agent.
	SaveMessage(ctx context.Context, sessionID string, agentID int64, msg *domain.Message) error

	// SaveEvent appends an event record.
	SaveEvent(ctx context.Context, event *domain.Event) error
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	SessionStore
	Archive

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
