package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/chatlink/internal/domain"
)

// ReconcileReport summarizes one startup reconciliation.
type ReconcileReport struct {
	Total       int           `json:"total"`
	Reconnected int           `json:"reconnected"`
	Deactivated int           `json:"deactivated"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

// ReconcileAll reconnects every active session record. Sessions that cannot be resumed
// are deactivated. Each session is reconciled exactly once, concurrently with the others,
// and one session's failure never stops the rest.
func (m *Manager) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	started := m.now()

	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("%w: list active sessions: %v", domain.ErrPersistence, err)
	}

	report := ReconcileReport{Total: len(sessions)}
	if len(sessions) == 0 {
		m.logger.Info("No active sessions to reconcile")
		return report, nil
	}
	m.logger.Info("Reconciling active sessions", "count", len(sessions), "concurrency", m.cfg.ReconcileConcurrency)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(m.cfg.ReconcileConcurrency)

	for _, sess := range sessions {
		g.Go(func() error {
			outcome := m.reconcileOne(ctx, sess)

			mu.Lock()
			switch outcome {
			case outcomeReconnected:
				report.Reconnected++
			case outcomeDeactivated:
				report.Deactivated++
			default:
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = m.now().Sub(started)
	m.logger.Info("Session reconciliation finished",
		"total", report.Total,
		"reconnected", report.Reconnected,
		"deactivated", report.Deactivated,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

type reconcileOutcome int

const (
	outcomeFailed reconcileOutcome = iota
	outcomeReconnected
	outcomeDeactivated
)

func (m *Manager) reconcileOne(ctx context.Context, sess *domain.Session) reconcileOutcome {
	unlock := m.locks.Lock(sess.SessionID)
	defer unlock()

	err := m.reconnectLocked(ctx, sess)
	if err == nil {
		return outcomeReconnected
	}
	m.logger.Warn("Failed to reconnect session, deactivating",
		"session_id", sess.SessionID,
		"agent_id", sess.AgentID,
		"error", err)

	if err := m.deactivateLocked(ctx, sess.SessionID); err != nil {
		m.logger.Error("Failed to deactivate session", "session_id", sess.SessionID, "error", err)
		return outcomeFailed
	}
	return outcomeDeactivated
}
