package session

import (
	"context"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
)

const defaultWatchdogInterval = time.Minute

// StartWatchdog runs a background goroutine that periodically sweeps live sessions.
func (m *Manager) StartWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Session watchdog started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-ctx.Done():
				m.logger.Info("Session watchdog shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep checks every registered session once. Authorized QR logins are completed;
// connected sessions that lost their connection are reconnected or deactivated.
func (m *Manager) Sweep(ctx context.Context) {
	for _, id := range m.registry.IDs() {
		if ctx.Err() != nil {
			return
		}
		m.sweepOne(ctx, id)
	}
}

func (m *Manager) sweepOne(ctx context.Context, sessionID string) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	client, ok := m.registry.Get(sessionID)
	if !ok {
		return
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Error("Watchdog failed to load session", "session_id", sessionID, "error", err)
		return
	}
	if sess == nil {
		m.logger.Warn("Dropping live client without record", "session_id", sessionID)
		m.registry.RemoveIf(sessionID, client)
		m.relay.Stop(sessionID)
		m.dispose(sessionID, client)
		return
	}

	switch sess.State {
	case domain.StateQRRequested:
		p, _ := m.probeLocked(ctx, sessionID)
		if !p.Healthy() {
			return
		}
		if err := m.completeQR(ctx, sess, client); err != nil {
			m.logger.Warn("Watchdog failed to complete QR login", "session_id", sessionID, "error", err)
		}

	case domain.StateConnected:
		if !client.IsConnected() {
			m.relay.Emit(ctx, sessionID, sess.AgentID, domain.EventConnectionLost, nil)
			if err := m.reconnectLocked(ctx, sess); err != nil {
				m.expire(ctx, sess, err)
				return
			}
			m.relay.Emit(ctx, sessionID, sess.AgentID, domain.EventConnectionRestored, nil)
			return
		}

		uctx, cancel := m.upstream(ctx)
		authorized, err := client.IsAuthorized(uctx)
		cancel()
		if err != nil {
			m.logger.Debug("Watchdog authorization check failed", "session_id", sessionID, "error", err)
			return
		}
		if !authorized {
			m.expire(ctx, sess, domain.ErrUnauthorized)
		}
	}
}

func (m *Manager) expire(ctx context.Context, sess *domain.Session, cause error) {
	m.logger.Warn("Session expired", "session_id", sess.SessionID, "agent_id", sess.AgentID, "error", cause)
	if err := m.deactivateLocked(ctx, sess.SessionID); err != nil {
		m.logger.Error("Failed to deactivate session", "session_id", sess.SessionID, "error", err)
	}
	m.relay.Emit(ctx, sess.SessionID, sess.AgentID, domain.EventSessionExpired, map[string]any{
		"reason": cause.Error(),
	})
}
