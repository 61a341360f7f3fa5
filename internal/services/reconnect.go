package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"realtime-core/internal/cache"
	"realtime-core/internal/config"
	"realtime-core/internal/models"
	"realtime-core/internal/utils"

	"go.uber.org/zap"
)

// ReconnectionManager keeps short-lived recovery records so a client that
// loses its socket can resume its logical session. The session id is
// derived from user + device fingerprint, so the same user on the same
// device always maps to the same record.
type ReconnectionManager struct {
	mu       sync.Mutex
	sessions *cache.LRU // session id -> *models.RecoverySession
	attempts *cache.LRU // connection id -> attempt count
	delays   *cache.LRU // connection id -> last backoff delay

	transport Transport
	cfg       config.RecoveryConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconnectionManager creates a reconnection manager.
func NewReconnectionManager(transport Transport, cfg config.RecoveryConfig, caps int) *ReconnectionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ReconnectionManager{
		sessions:  cache.NewLRU(caps),
		attempts:  cache.NewLRU(caps),
		delays:    cache.NewLRU(caps),
		transport: transport,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the recovery-session expiry sweep.
func (rm *ReconnectionManager) Start() {
	rm.wg.Add(1)
	go rm.expirySweepTask()
}

// DeriveSessionID returns the stable session id for a user+device pair.
func DeriveSessionID(userID, deviceFingerprint string) string {
	sum := sha256.Sum256([]byte(userID + "|" + deviceFingerprint))
	return hex.EncodeToString(sum[:16])
}

// OnConnect creates or refreshes the recovery session for a connection and
// resets any prior attempt counters for the connection id.
func (rm *ReconnectionManager) OnConnect(connectionID string, identity models.ConnectionIdentity) string {
	sessionID := DeriveSessionID(identity.UserID, identity.DeviceFingerprint)

	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	if v, ok := rm.sessions.Get(sessionID); ok {
		session := v.(*models.RecoverySession)
		session.RefreshedAt = now
		session.LastConnectionID = connectionID
	} else {
		rm.sessions.Set(sessionID, &models.RecoverySession{
			SessionID:         sessionID,
			UserID:            identity.UserID,
			Username:          identity.Username,
			Role:              identity.Role,
			DeviceFingerprint: identity.DeviceFingerprint,
			CreatedAt:         now,
			RefreshedAt:       now,
			LastConnectionID:  connectionID,
		})
	}

	rm.attempts.Delete(connectionID)
	rm.delays.Delete(connectionID)

	return sessionID
}

// OnDisconnect records the disconnect on the recovery session and, when
// the reason is reconnectable, tells the client a recovery window is open.
// The send is best-effort: the socket is usually already gone for the
// reasons that matter.
func (rm *ReconnectionManager) OnDisconnect(connectionID string, identity models.ConnectionIdentity, reason string) {
	sessionID := DeriveSessionID(identity.UserID, identity.DeviceFingerprint)

	rm.mu.Lock()
	if v, ok := rm.sessions.Peek(sessionID); ok {
		session := v.(*models.RecoverySession)
		session.LastDisconnectAt = time.Now()
		session.LastDisconnectWhy = reason
	}
	rm.mu.Unlock()

	if !Reconnectable(reason) {
		utils.Debug("Disconnect not reconnectable",
			zap.String("connection_id", connectionID),
			zap.String("reason", reason))
		return
	}

	delay := rm.NextDelay(connectionID)
	msg := models.NewWebSocketMessage(models.MessageTypeRecoveryWindow, "", identity.UserID, map[string]interface{}{
		"session_id":     sessionID,
		"window_ms":      rm.cfg.Window.Milliseconds(),
		"retry_delay_ms": delay.Milliseconds(),
	})
	if err := rm.transport.SendToConnection(connectionID, msg); err != nil {
		utils.Debug("Recovery window notice not delivered",
			zap.String("connection_id", connectionID))
	}
}

// Reconnectable classifies a disconnect reason. Explicit client closes are
// final; server-initiated shutdown and transport errors always warrant a
// retry; transient network reasons retry with backoff.
func Reconnectable(reason string) bool {
	switch reason {
	case models.ReasonClientClose:
		return false
	case models.ReasonServerShutdown, models.ReasonTransportError:
		return true
	case models.ReasonPingTimeout, models.ReasonNamespaceClose:
		return true
	default:
		return false
	}
}

// AttemptReconnect validates a recovery attempt. Attempt counts are
// tracked per connection id, not per session, so one stubborn client
// cannot burn the whole session's budget from a different socket.
func (rm *ReconnectionManager) AttemptReconnect(newConnectionID, sessionID string, presented models.ConnectionIdentity) (models.ConnectionIdentity, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	v, ok := rm.sessions.Peek(sessionID)
	if !ok {
		return models.ConnectionIdentity{}, models.NewNotFoundError("invalid session")
	}
	session := v.(*models.RecoverySession)

	if rm.sessionExpired(session, time.Now()) {
		rm.sessions.Delete(sessionID)
		return models.ConnectionIdentity{}, models.NewValidationError("session expired")
	}

	if presented.DeviceFingerprint != session.DeviceFingerprint {
		return models.ConnectionIdentity{}, models.NewAuthorizationError("device mismatch")
	}

	count := 0
	if v, ok := rm.attempts.Peek(newConnectionID); ok {
		count = v.(int)
	}
	count++
	rm.attempts.Set(newConnectionID, count)
	if count > rm.cfg.MaxAttempts {
		return models.ConnectionIdentity{}, models.NewValidationError("max attempts exceeded")
	}

	session.RefreshedAt = time.Now()
	session.LastConnectionID = newConnectionID

	recovered := models.ConnectionIdentity{
		UserID:            session.UserID,
		Username:          session.Username,
		Role:              session.Role,
		DeviceFingerprint: session.DeviceFingerprint,
		SessionID:         session.SessionID,
	}

	utils.Info("Reconnection accepted",
		zap.String("connection_id", newConnectionID),
		zap.String("session_id", sessionID),
		zap.String("user_id", session.UserID),
		zap.Int("attempt", count))

	return recovered, nil
}

// NextDelay computes the next reconnection delay for a connection:
// min(previous × growth, max) plus up to 10% random jitter, seeded at the
// minimum delay on first call. The jitter keeps a server restart from
// producing a synchronized reconnection storm.
func (rm *ReconnectionManager) NextDelay(connectionID string) time.Duration {
	rm.mu.Lock()

	var next time.Duration
	if v, ok := rm.delays.Peek(connectionID); ok {
		prev := v.(time.Duration)
		next = time.Duration(float64(prev) * rm.cfg.GrowthFactor)
		if next > rm.cfg.MaxDelay {
			next = rm.cfg.MaxDelay
		}
	} else {
		next = rm.cfg.MinDelay
	}
	rm.delays.Set(connectionID, next)
	rm.mu.Unlock()

	jitter := time.Duration(rand.Float64() * 0.1 * float64(next))
	return next + jitter
}

// sessionExpired reports whether a session's recovery window has closed.
// The window is anchored to the last (re)connection, not the session's
// creation, and the boundary is exclusive: age == window is expired.
func (rm *ReconnectionManager) sessionExpired(session *models.RecoverySession, now time.Time) bool {
	return now.Sub(session.RefreshedAt) >= rm.cfg.Window
}

// Session returns the recovery session for a session id, if present.
func (rm *ReconnectionManager) Session(sessionID string) (*models.RecoverySession, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	v, ok := rm.sessions.Peek(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*models.RecoverySession), true
}

func (rm *ReconnectionManager) expirySweepTask() {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-ticker.C:
			rm.sweepExpiredSessions()
		}
	}
}

func (rm *ReconnectionManager) sweepExpiredSessions() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	var expired []string
	for _, sessionID := range rm.sessions.Keys() {
		v, ok := rm.sessions.Peek(sessionID)
		if !ok {
			continue
		}
		if rm.sessionExpired(v.(*models.RecoverySession), now) {
			expired = append(expired, sessionID)
		}
	}
	for _, sessionID := range expired {
		rm.sessions.Delete(sessionID)
	}

	if len(expired) > 0 {
		utils.Debug("Expired recovery sessions removed",
			zap.Int("count", len(expired)))
	}
}

// GetStats returns recovery counters for observability.
func (rm *ReconnectionManager) GetStats() map[string]interface{} {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return map[string]interface{}{
		"recovery_sessions": rm.sessions.Len(),
		"tracked_attempts":  rm.attempts.Len(),
	}
}

// Close stops the expiry sweep.
func (rm *ReconnectionManager) Close() {
	rm.cancel()
	rm.wg.Wait()
}
