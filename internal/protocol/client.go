// Package protocol defines the chat-protocol client capability used by the session lifecycle.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPasswordNeeded is returned by SignInWithCode when the account has a two-factor password.
	ErrPasswordNeeded  = errors.New("two-factor password required")
	ErrInvalidCode     = errors.New("phone code invalid")
	ErrCodeExpired     = errors.New("phone code expired")
	ErrInvalidPassword = errors.New("password invalid")
	ErrInvalidPhone    = errors.New("phone number invalid")
	ErrUnauthorized    = errors.New("not authorized")
	ErrNotConnected    = errors.New("client not connected")
)

// FloodWaitError is returned when the upstream asks the caller to back off.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: %d seconds", e.Seconds)
}

// Wait returns the required cooldown.
func (e *FloodWaitError) Wait() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

// Identity is the remote account a client is logged in as.
type Identity struct {
	UserID    int64
	Phone     string
	FirstName string
	LastName  string
	Username  string
}

// QRLogin is an initiated QR-code login.
type QRLogin struct {
	URL       string
	Token     string
	ExpiresAt time.Time
}

// InboundMessage is a message pushed by the upstream to a logged-in client.
type InboundMessage struct {
	ID        int64
	ChatID    int64
	Private   bool
	Sender    Identity
	Text      string
	Date      time.Time
	ReplyToID *int64
	Outgoing  bool
}

// SentMessage is the upstream acknowledgement of an outbound message.
type SentMessage struct {
	ID   int64
	Date time.Time
}

// Client is one session's connection to the chat protocol.
// All blocking methods honour ctx cancellation.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// LogOut invalidates the session upstream. The connection stays open.
	LogOut(ctx context.Context) error
	IsConnected() bool
	IsAuthorized(ctx context.Context) (bool, error)

	RequestQRLogin(ctx context.Context) (*QRLogin, error)
	// RequestPhoneCode sends a login code and returns the correlation token needed to redeem it.
	RequestPhoneCode(ctx context.Context, phone string) (string, error)
	SignInWithCode(ctx context.Context, phone, code, codeHash string) (*Identity, error)
	SignInWithPassword(ctx context.Context, password string) (*Identity, error)
	CurrentIdentity(ctx context.Context) (*Identity, error)

	SendMessage(ctx context.Context, chatID int64, text string, replyTo *int64) (*SentMessage, error)

	// Messages returns the inbound message stream. Every call returns the same channel,
	// which is closed once the client disconnects.
	Messages() <-chan InboundMessage

	// SessionString returns the current resumable token, or "" if none was issued yet.
	SessionString() string
}

// Factory builds clients. sessionString may be empty for a fresh login.
type Factory interface {
	New(sessionID, sessionString string) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(sessionID, sessionString string) (Client, error)

// New calls f.
func (f FactoryFunc) New(sessionID, sessionString string) (Client, error) {
	return f(sessionID, sessionString)
}
