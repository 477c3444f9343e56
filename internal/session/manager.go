// Package session drives chat-protocol sessions through authentication and keeps them connected.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/protocol"
	"github.com/ashureev/chatlink/internal/registry"
	"github.com/ashureev/chatlink/internal/shared"
	"github.com/ashureev/chatlink/internal/store"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	defaultQRExpiresIn     = 5 * time.Minute
	disposeTimeout         = 5 * time.Second
)

// Relay is the event relay as seen by the manager.
type Relay interface {
	Start(sessionID string, agentID int64, client protocol.Client) bool
	Stop(sessionID string)
	Forget(sessionID string)
	RecordOutgoing(ctx context.Context, sess *domain.Session, chatID int64, text string, replyTo *int64, sent *domain.SentMessage)
	Emit(ctx context.Context, sessionID string, agentID int64, eventType string, metadata map[string]any)
}

// Config holds manager tunables. Zero values fall back to defaults.
type Config struct {
	UpstreamTimeout      time.Duration
	QRCodeExpiresIn      time.Duration
	ReconcileConcurrency int
	Retry                shared.RetryPolicy
	Logger               *slog.Logger
}

// Manager owns the session state machine. Operations on one session id are serialized;
// operations on different ids never wait on each other.
type Manager struct {
	store    store.SessionStore
	registry *registry.Registry
	factory  protocol.Factory
	relay    Relay
	locks    *keyedMutex
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewManager creates a lifecycle manager.
func NewManager(st store.SessionStore, reg *registry.Registry, factory protocol.Factory, relay Relay, cfg Config) *Manager {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.QRCodeExpiresIn <= 0 {
		cfg.QRCodeExpiresIn = defaultQRExpiresIn
	}
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = 8
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = shared.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:    st,
		registry: reg,
		factory:  factory,
		relay:    relay,
		locks:    newKeyedMutex(),
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Create writes a fresh CREATED record for agentID. No protocol client is built yet.
func (m *Manager) Create(ctx context.Context, agentID int64, metadata map[string]any) (*domain.Session, error) {
	now := m.now()
	sess := &domain.Session{
		SessionID:    m.newID(),
		AgentID:      agentID,
		State:        domain.StateCreated,
		LastActivity: now,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := m.cfg.Retry.Do(ctx, "create session", func(ctx context.Context) error {
		return m.store.CreateSession(ctx, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	m.logger.Info("Session created", "session_id", sess.SessionID, "agent_id", agentID)
	return sess, nil
}

// CreateQRSession creates a session and starts a QR-code login for it.
func (m *Manager) CreateQRSession(ctx context.Context, agentID int64) (*domain.QRLogin, error) {
	sess, err := m.Create(ctx, agentID, nil)
	if err != nil {
		return nil, err
	}
	qr, err := m.BeginQRAuth(ctx, sess.SessionID)
	if err != nil {
		m.dropRecord(ctx, sess.SessionID)
		return nil, err
	}
	return qr, nil
}

// CreatePhoneSession creates a session and sends a login code to phone.
func (m *Manager) CreatePhoneSession(ctx context.Context, agentID int64, phone string) (string, error) {
	sess, err := m.Create(ctx, agentID, nil)
	if err != nil {
		return "", err
	}
	if err := m.BeginPhoneAuth(ctx, sess.SessionID, phone); err != nil {
		m.dropRecord(ctx, sess.SessionID)
		return "", err
	}
	return sess.SessionID, nil
}

// BeginQRAuth connects the session's client and initiates a QR-code login.
func (m *Manager) BeginQRAuth(ctx context.Context, sessionID string) (*domain.QRLogin, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == domain.StateConnected {
		return nil, fmt.Errorf("%w: session already connected", domain.ErrPreconditionFailed)
	}

	client, fresh, err := m.ensureClient(ctx, sess)
	if err != nil {
		return nil, err
	}

	uctx, cancel := m.upstream(ctx)
	qr, err := client.RequestQRLogin(uctx)
	cancel()
	if err != nil {
		m.abandon(sessionID, client, fresh)
		return nil, mapUpstream("request qr login", err)
	}

	expiresAt := qr.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(m.cfg.QRCodeExpiresIn)
	}

	now := m.now()
	update := domain.SessionUpdate{
		State:        domain.Ptr(domain.StateQRRequested),
		IsActive:     domain.Ptr(true),
		LastActivity: &now,
	}
	if token := client.SessionString(); token != "" {
		update.SessionString = &token
	}
	if err := m.commit(ctx, sessionID, client, fresh, update); err != nil {
		return nil, err
	}

	m.logger.Info("QR login requested", "session_id", sessionID, "agent_id", sess.AgentID, "expires_at", expiresAt)
	return &domain.QRLogin{SessionID: sessionID, URL: qr.URL, ExpiresAt: expiresAt}, nil
}

// BeginPhoneAuth connects the session's client and requests a login code for phone.
func (m *Manager) BeginPhoneAuth(ctx context.Context, sessionID, phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.ErrInvalidPhone
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State == domain.StateConnected {
		return fmt.Errorf("%w: session already connected", domain.ErrPreconditionFailed)
	}

	client, fresh, err := m.ensureClient(ctx, sess)
	if err != nil {
		return err
	}

	uctx, cancel := m.upstream(ctx)
	codeHash, err := client.RequestPhoneCode(uctx, phone)
	cancel()
	if err != nil {
		m.abandon(sessionID, client, fresh)
		return mapUpstream("request phone code", err)
	}

	now := m.now()
	update := domain.SessionUpdate{
		State:         domain.Ptr(domain.StateCodeRequested),
		Phone:         &phone,
		PhoneCodeHash: &codeHash,
		IsActive:      domain.Ptr(true),
		LastActivity:  &now,
	}
	if token := client.SessionString(); token != "" {
		update.SessionString = &token
	}
	if err := m.commit(ctx, sessionID, client, fresh, update); err != nil {
		return err
	}

	m.logger.Info("Phone code requested", "session_id", sessionID, "agent_id", sess.AgentID)
	return nil
}

// RedeemCode submits the login code received for the phone given to BeginPhoneAuth.
func (m *Manager) RedeemCode(ctx context.Context, sessionID, code string) (*domain.AuthResult, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.PhoneCodeHash == "" || sess.Phone == "" {
		return nil, fmt.Errorf("%w: no phone code requested", domain.ErrPreconditionFailed)
	}
	client, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: no live client", domain.ErrPreconditionFailed)
	}

	uctx, cancel := m.upstream(ctx)
	identity, err := client.SignInWithCode(uctx, sess.Phone, code, sess.PhoneCodeHash)
	cancel()

	switch {
	case errors.Is(err, protocol.ErrPasswordNeeded):
		now := m.now()
		update := domain.SessionUpdate{
			State:        domain.Ptr(domain.StateAwaitingPassword),
			LastActivity: &now,
		}
		if token := client.SessionString(); token != "" {
			update.SessionString = &token
		}
		if err := m.update(ctx, sessionID, update); err != nil {
			return nil, err
		}
		m.logger.Info("Two-factor password required", "session_id", sessionID)
		return &domain.AuthResult{
			State:            domain.StateAwaitingPassword,
			RequiresPassword: true,
			Phone:            sess.Phone,
		}, nil
	case err != nil:
		return nil, mapUpstream("sign in with code", err)
	}

	return m.completeLogin(ctx, sess, client, identity)
}

// RedeemPassword submits the two-factor password of the account.
func (m *Manager) RedeemPassword(ctx context.Context, sessionID, password string) (*domain.AuthResult, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// A QR login of an account with a password also ends here once the code is scanned.
	if sess.State != domain.StateAwaitingPassword && sess.State != domain.StateQRRequested {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrPreconditionFailed, sess.State)
	}
	client, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: no live client", domain.ErrPreconditionFailed)
	}

	uctx, cancel := m.upstream(ctx)
	identity, err := client.SignInWithPassword(uctx, password)
	cancel()
	if err != nil {
		return nil, mapUpstream("sign in with password", err)
	}

	return m.completeLogin(ctx, sess, client, identity)
}

// completeLogin persists a successful sign-in and attaches the event relay. Caller holds the lock.
func (m *Manager) completeLogin(ctx context.Context, sess *domain.Session, client protocol.Client, identity *protocol.Identity) (*domain.AuthResult, error) {
	token := client.SessionString()
	if token == "" {
		token = sess.SessionString
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no resumable token issued", domain.ErrUpstreamUnavailable)
	}

	phone := sess.Phone
	var userID *int64
	if identity != nil {
		if identity.Phone != "" {
			phone = identity.Phone
		}
		userID = domain.Ptr(identity.UserID)
	}

	now := m.now()
	update := domain.SessionUpdate{
		State:         domain.Ptr(domain.StateConnected),
		Phone:         &phone,
		PhoneCodeHash: domain.Ptr(""),
		SessionString: &token,
		UserID:        userID,
		IsActive:      domain.Ptr(true),
		ConnectedAt:   &now,
		LastActivity:  &now,
	}
	if err := m.update(ctx, sess.SessionID, update); err != nil {
		return nil, err
	}

	sess.State = domain.StateConnected
	sess.Phone = phone
	sess.PhoneCodeHash = ""
	sess.SessionString = token
	sess.UserID = userID
	sess.IsActive = true
	sess.ConnectedAt = &now
	sess.LastActivity = now

	m.relay.Start(sess.SessionID, sess.AgentID, client)

	m.logger.Info("Session connected", "session_id", sess.SessionID, "agent_id", sess.AgentID, "user_id", userID)
	return &domain.AuthResult{
		State:     domain.StateConnected,
		Connected: true,
		Phone:     phone,
		UserID:    userID,
	}, nil
}

// Disconnect logs the session out, closes its connection and deletes its record.
func (m *Manager) Disconnect(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	client, live := m.registry.Get(sessionID)
	if live {
		logoutCtx, cancelLogout := m.upstream(ctx)
		if err := client.LogOut(logoutCtx); err != nil {
			m.logger.Warn("Upstream logout failed", "session_id", sessionID, "error", err)
		}
		cancelLogout()

		closeCtx, cancelClose := m.upstream(ctx)
		if err := client.Disconnect(closeCtx); err != nil {
			m.logger.Warn("Failed to close connection", "session_id", sessionID, "error", err)
		}
		cancelClose()
		m.registry.RemoveIf(sessionID, client)
	}
	m.relay.Forget(sessionID)

	if sess == nil {
		if !live {
			return domain.ErrSessionNotFound
		}
		m.logger.Info("Disconnected session without record", "session_id", sessionID)
		return nil
	}

	err = m.cfg.Retry.Do(ctx, "delete session", func(ctx context.Context) error {
		_, err := m.store.DeleteSession(ctx, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	m.logger.Info("Session disconnected", "session_id", sessionID, "agent_id", sess.AgentID, "was_live", live)
	return nil
}

// Reconnect resumes the session from its stored token and registers the new client.
// It performs no store mutation.
func (m *Manager) Reconnect(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	return m.reconnectLocked(ctx, sess)
}

func (m *Manager) reconnectLocked(ctx context.Context, sess *domain.Session) error {
	if !sess.CanReconnect() {
		return fmt.Errorf("%w: no resumable token stored", domain.ErrPreconditionFailed)
	}

	client, err := m.factory.New(sess.SessionID, sess.SessionString)
	if err != nil {
		return fmt.Errorf("%w: build client: %v", domain.ErrUpstreamUnavailable, err)
	}

	uctx, cancel := m.upstream(ctx)
	defer cancel()

	if err := client.Connect(uctx); err != nil {
		m.dispose(sess.SessionID, client)
		return mapUpstream("connect", err)
	}
	authorized, err := client.IsAuthorized(uctx)
	if err != nil {
		m.dispose(sess.SessionID, client)
		return mapUpstream("check authorization", err)
	}
	if !authorized {
		m.dispose(sess.SessionID, client)
		return domain.ErrUnauthorized
	}

	if previous, ok := m.registry.Get(sess.SessionID); ok && previous != client {
		m.relay.Stop(sess.SessionID)
		m.dispose(sess.SessionID, previous)
	}
	m.registry.Put(sess.SessionID, client)

	if sess.State == domain.StateConnected {
		m.relay.Start(sess.SessionID, sess.AgentID, client)
	}

	m.logger.Info("Session reconnected", "session_id", sess.SessionID, "agent_id", sess.AgentID)
	return nil
}

// Deactivate drops the live client, if any, and marks the record inactive without deleting it.
func (m *Manager) Deactivate(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionID)
	defer unlock()
	return m.deactivateLocked(ctx, sessionID)
}

func (m *Manager) deactivateLocked(ctx context.Context, sessionID string) error {
	if client, ok := m.registry.Remove(sessionID); ok {
		m.dispose(sessionID, client)
	}
	m.relay.Stop(sessionID)

	update := domain.SessionUpdate{
		State:    domain.Ptr(domain.StateDeactivated),
		IsActive: domain.Ptr(false),
	}
	if err := m.update(ctx, sessionID, update); err != nil {
		return err
	}

	m.logger.Info("Session deactivated", "session_id", sessionID)
	return nil
}

// Probe reports whether the session has a live client and whether that client is
// connected and authorized. It never mutates state.
func (m *Manager) Probe(ctx context.Context, sessionID string) (domain.Probe, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.load(ctx, sessionID); err != nil {
		return domain.Probe{}, err
	}
	p, _ := m.probeLocked(ctx, sessionID)
	return p, nil
}

func (m *Manager) probeLocked(ctx context.Context, sessionID string) (domain.Probe, protocol.Client) {
	client, ok := m.registry.Get(sessionID)
	if !ok {
		return domain.Probe{}, nil
	}

	p := domain.Probe{Live: true, Connected: client.IsConnected()}
	if !p.Connected {
		return p, client
	}

	uctx, cancel := m.upstream(ctx)
	defer cancel()
	authorized, err := client.IsAuthorized(uctx)
	if err != nil {
		m.logger.Debug("Authorization check failed", "session_id", sessionID, "error", err)
		return p, client
	}
	p.Authorized = authorized
	return p, client
}

// GetStatus reports the session state together with a live probe. A QR login that the
// upstream already authorized is completed here. Only a fully connected probe touches
// the activity timestamp.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (*domain.Status, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	p, client := m.probeLocked(ctx, sessionID)
	if sess.State == domain.StateQRRequested && p.Healthy() {
		if err := m.completeQR(ctx, sess, client); err != nil {
			m.logger.Warn("Failed to complete QR login", "session_id", sessionID, "error", err)
		}
	}

	connected := sess.State == domain.StateConnected && p.Healthy()
	if connected {
		now := m.now()
		if err := m.store.TouchActivity(ctx, sessionID, now); err != nil {
			m.logger.Warn("Failed to update activity", "session_id", sessionID, "error", err)
		} else if now.After(sess.LastActivity) {
			sess.LastActivity = now
		}
	}

	return &domain.Status{
		SessionID:    sess.SessionID,
		AgentID:      sess.AgentID,
		State:        sess.State,
		Connected:    connected,
		Probe:        p,
		Phone:        sess.Phone,
		UserID:       sess.UserID,
		LastActivity: sess.LastActivity,
	}, nil
}

func (m *Manager) completeQR(ctx context.Context, sess *domain.Session, client protocol.Client) error {
	uctx, cancel := m.upstream(ctx)
	identity, err := client.CurrentIdentity(uctx)
	cancel()
	if err != nil {
		return mapUpstream("get identity", err)
	}
	_, err = m.completeLogin(ctx, sess, client, identity)
	return err
}

// SendMessage sends text to chatID from a connected session and records it as outgoing.
func (m *Manager) SendMessage(ctx context.Context, sessionID string, chatID int64, text string, replyTo *int64) (*domain.SentMessage, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State != domain.StateConnected {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrPreconditionFailed, sess.State)
	}
	client, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session not connected", domain.ErrPreconditionFailed)
	}

	uctx, cancel := m.upstream(ctx)
	sent, err := client.SendMessage(uctx, chatID, text, replyTo)
	cancel()
	if err != nil {
		return nil, mapUpstream("send message", err)
	}

	result := &domain.SentMessage{MessageID: sent.ID, SentAt: sent.Date}
	if result.SentAt.IsZero() {
		result.SentAt = m.now()
	}

	if err := m.store.TouchActivity(ctx, sessionID, m.now()); err != nil {
		m.logger.Warn("Failed to update activity", "session_id", sessionID, "error", err)
	}
	m.relay.RecordOutgoing(ctx, sess, chatID, text, replyTo, result)

	m.logger.Debug("Message sent", "session_id", sessionID, "chat_id", chatID, "message_id", result.MessageID)
	return result, nil
}

// Shutdown closes every live connection without logging out. Records stay active so the
// next startup reconnects them.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, id := range m.registry.IDs() {
		unlock := m.locks.Lock(id)
		if client, ok := m.registry.Remove(id); ok {
			m.relay.Stop(id)
			m.dispose(id, client)
		}
		unlock()

		if ctx.Err() != nil {
			m.logger.Warn("Session shutdown interrupted", "error", ctx.Err())
			return
		}
	}
	m.logger.Info("All sessions closed")
}

// LiveSessions returns the number of registered clients.
func (m *Manager) LiveSessions() int {
	return m.registry.Len()
}

// ensureClient returns the registered client, connecting it if needed, or builds and
// connects a new one. fresh reports whether the client is not yet registered.
func (m *Manager) ensureClient(ctx context.Context, sess *domain.Session) (protocol.Client, bool, error) {
	if client, ok := m.registry.Get(sess.SessionID); ok {
		if !client.IsConnected() {
			uctx, cancel := m.upstream(ctx)
			defer cancel()
			if err := client.Connect(uctx); err != nil {
				return nil, false, mapUpstream("connect", err)
			}
		}
		return client, false, nil
	}

	client, err := m.factory.New(sess.SessionID, sess.SessionString)
	if err != nil {
		return nil, false, fmt.Errorf("%w: build client: %v", domain.ErrUpstreamUnavailable, err)
	}

	uctx, cancel := m.upstream(ctx)
	defer cancel()
	if err := client.Connect(uctx); err != nil {
		m.dispose(sess.SessionID, client)
		return nil, false, mapUpstream("connect", err)
	}
	return client, true, nil
}

// commit registers a fresh client and then writes the store. A failed write undoes the registration.
func (m *Manager) commit(ctx context.Context, sessionID string, client protocol.Client, fresh bool, update domain.SessionUpdate) error {
	if fresh {
		m.registry.Put(sessionID, client)
	}
	if err := m.update(ctx, sessionID, update); err != nil {
		if fresh {
			m.registry.RemoveIf(sessionID, client)
			m.dispose(sessionID, client)
		}
		return err
	}
	return nil
}

// abandon disposes of a client that never got registered.
func (m *Manager) abandon(sessionID string, client protocol.Client, fresh bool) {
	if fresh {
		m.dispose(sessionID, client)
	}
}

func (m *Manager) dispose(sessionID string, client protocol.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		m.logger.Debug("Failed to close client", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) dropRecord(ctx context.Context, sessionID string) {
	if _, err := m.store.DeleteSession(ctx, sessionID); err != nil {
		m.logger.Warn("Failed to remove unused session record", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) load(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (m *Manager) update(ctx context.Context, sessionID string, update domain.SessionUpdate) error {
	err := m.cfg.Retry.Do(ctx, "update session", func(ctx context.Context) error {
		return m.store.UpdateSession(ctx, sessionID, update)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSessionNotFound):
		return domain.ErrSessionNotFound
	default:
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
}

func (m *Manager) upstream(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.UpstreamTimeout)
}

// mapUpstream translates protocol errors onto the session error taxonomy.
func mapUpstream(op string, err error) error {
	var flood *protocol.FloodWaitError
	switch {
	case errors.As(err, &flood):
		return &domain.RateLimitError{Wait: flood.Wait()}
	case errors.Is(err, protocol.ErrInvalidCode), errors.Is(err, protocol.ErrCodeExpired):
		return fmt.Errorf("%w: %v", domain.ErrInvalidCode, err)
	case errors.Is(err, protocol.ErrInvalidPassword):
		return domain.ErrInvalidPassword
	case errors.Is(err, protocol.ErrInvalidPhone):
		return domain.ErrInvalidPhone
	case errors.Is(err, protocol.ErrUnauthorized):
		return domain.ErrUnauthorized
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrUpstreamUnavailable, op, err)
	}
}
