// Package domain contains core domain types for the chatlink service.
package domain

import (
	"time"
)

// State is the authentication progress of a session.
type State string

const (
	StateCreated          State = "created"
	StateQRRequested      State = "qr_requested"
	StateCodeRequested    State = "code_requested"
	StateAwaitingPassword State = "awaiting_password"
	StateConnected        State = "connected"
	// StateDeactivated is reached only when a stored session fails to reconnect.
	StateDeactivated State = "deactivated"
)

// Session is one agent's authenticated (or in-progress) connection to the chat protocol.
type Session struct {
	SessionID     string         `json:"session_id"`
	AgentID       int64          `json:"agent_id"`
	State         State          `json:"state"`
	Phone         string         `json:"phone,omitempty"`
	PhoneCodeHash string         `json:"-"`
	SessionString string         `json:"-"`
	UserID        *int64         `json:"user_id,omitempty"`
	IsActive      bool           `json:"is_active"`
	ConnectedAt   *time.Time     `json:"connected_at,omitempty"`
	LastActivity  time.Time      `json:"last_activity"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CanReconnect returns true if a resumable token has been captured for the session.
func (s *Session) CanReconnect() bool {
	return s.SessionString != ""
}

// SessionUpdate is a partial update of a session record. Nil fields are left untouched.
type SessionUpdate struct {
	State         *State
	Phone         *string
	PhoneCodeHash *string
	SessionString *string
	UserID        *int64
	IsActive      *bool
	ConnectedAt   *time.Time
	LastActivity  *time.Time
}

// IsEmpty returns true if the update carries no fields.
func (u SessionUpdate) IsEmpty() bool {
	return u.State == nil && u.Phone == nil && u.PhoneCodeHash == nil && u.SessionString == nil &&
		u.UserID == nil && u.IsActive == nil && u.ConnectedAt == nil && u.LastActivity == nil
}

// Ptr returns a pointer to v. Handy for building a SessionUpdate.
func Ptr[T any](v T) *T {
	return &v
}

// Probe is the two-part liveness check of a session's connection.
type Probe struct {
	// Live is true when a protocol client is registered for the session.
	Live bool `json:"live"`
	// Connected reports raw connection liveness.
	Connected bool `json:"connected"`
	// Authorized reports whether the upstream accepts the session as logged in.
	Authorized bool `json:"authorized"`
}

// Healthy returns true only when the connection is both up and authorized.
func (p Probe) Healthy() bool {
	return p.Live && p.Connected && p.Authorized
}

// Status is the externally reported view of a session.
type Status struct {
	SessionID    string    `json:"session_id"`
	AgentID      int64     `json:"agent_id"`
	State        State     `json:"state"`
	Connected    bool      `json:"connected"`
	Probe        Probe     `json:"probe"`
	Phone        string    `json:"phone,omitempty"`
	UserID       *int64    `json:"user_id,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// QRLogin is the result of starting a QR-code login.
type QRLogin struct {
	SessionID string    `json:"session_id"`
	URL       string    `json:"qr_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthResult is the outcome of a successful code or password redemption step.
type AuthResult struct {
	State            State  `json:"state"`
	Connected        bool   `json:"connected"`
	RequiresPassword bool   `json:"requires_password"`
	Phone            string `json:"phone,omitempty"`
	UserID           *int64 `json:"user_id,omitempty"`
}
