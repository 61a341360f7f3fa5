package services

import (
	"context"
	"sync"
	"time"

	"realtime-core/internal/cache"
	"realtime-core/internal/models"
	"realtime-core/internal/utils"

	"go.uber.org/zap"
)

// Registry tracks who is online, which connection carries which identity,
// and per-connection heartbeat health. All maps are capacity-bounded; the
// registry is in-memory-authoritative and mirrors online/offline flags to
// the persistence collaborator best-effort.
type Registry struct {
	mu sync.Mutex

	identities  *cache.LRU // connection id -> models.ConnectionIdentity
	onlineUsers *cache.LRU // user id -> connection id
	health      *cache.LRU // connection id -> *models.ConnectionHealth

	transport Transport
	store     Persistence
	interval  time.Duration
	onEvent   EventFunc
}

// HeartbeatHandle stops one connection's heartbeat loop.
type HeartbeatHandle struct {
	stop chan struct{}
	once sync.Once
}

// Stop terminates the heartbeat loop. Safe to call more than once.
func (h *HeartbeatHandle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

// NewRegistry creates a connection registry. interval is the heartbeat
// period; a connection is marked unhealthy after two missed intervals.
func NewRegistry(transport Transport, store Persistence, interval time.Duration, caps int) *Registry {
	return &Registry{
		identities:  cache.NewLRU(caps),
		onlineUsers: cache.NewLRU(caps),
		health:      cache.NewLRU(caps),
		transport:   transport,
		store:       store,
		interval:    interval,
	}
}

// OnEvent registers the lifecycle event hook. Must be called before the
// first Register.
func (r *Registry) OnEvent(fn EventFunc) {
	r.onEvent = fn
}

// Register stores a connection's identity, marks the user online, and
// initializes health tracking. If the user already had a connection the
// mapping is overwritten (last writer wins); the previous socket keeps
// running until its own disconnect, which the stale-guard in Unregister
// ignores.
func (r *Registry) Register(connectionID string, identity models.ConnectionIdentity) error {
	if identity.UserID == "" {
		return models.NewValidationError("identity missing user id")
	}
	if identity.Username == "" {
		return models.NewValidationError("identity missing display name")
	}

	now := time.Now()

	r.mu.Lock()
	r.identities.Set(connectionID, identity)
	r.onlineUsers.Set(identity.UserID, connectionID)
	r.health.Set(connectionID, &models.ConnectionHealth{
		ConnectedAt: now,
		LastPing:    now,
		Status:      models.HealthHealthy,
		Transport:   "websocket",
	})
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()
	if err := r.store.SetUserOnlineStatus(ctx, identity.UserID, true); err != nil {
		utils.Warn("Failed to persist online status",
			zap.Error(err),
			zap.String("user_id", identity.UserID))
	}

	if r.onEvent != nil {
		r.onEvent("user.connected", identity)
	}

	utils.Info("Connection registered",
		zap.String("connection_id", connectionID),
		zap.String("user_id", identity.UserID),
		zap.String("username", identity.Username))

	return nil
}

// StartHeartbeat schedules the recurring server ping for one connection.
// Each tick sends a heartbeat event carrying the send time and checks
// whether two intervals have elapsed without a pong; if so the connection
// is marked unhealthy and a warning is logged. The heartbeat never
// disconnects anything: the transport's own read deadline is the terminal
// authority.
func (r *Registry) StartHeartbeat(connectionID string) *HeartbeatHandle {
	handle := &HeartbeatHandle{stop: make(chan struct{})}

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-handle.stop:
				return
			case <-ticker.C:
				r.heartbeatTick(connectionID)
			}
		}
	}()

	return handle
}

func (r *Registry) heartbeatTick(connectionID string) {
	msg := models.NewWebSocketMessage(models.MessageTypeHeartbeat, "", "", map[string]interface{}{
		"ts": time.Now().UnixMilli(),
	})
	if err := r.transport.SendToConnection(connectionID, msg); err != nil {
		utils.Debug("Heartbeat send failed",
			zap.Error(err),
			zap.String("connection_id", connectionID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.health.Peek(connectionID)
	if !ok {
		return
	}
	health := v.(*models.ConnectionHealth)

	if elapsed := time.Since(health.LastPing); elapsed > 2*r.interval {
		if health.Status != models.HealthUnhealthy {
			health.Status = models.HealthUnhealthy
			utils.Warn("Connection unhealthy: missed heartbeats",
				zap.String("connection_id", connectionID),
				zap.Duration("since_last_pong", elapsed))
		}
	}
}

// HandlePong records a heartbeat response. echoedTimestamp is the send
// time the client echoed back; latency is measured against it.
func (r *Registry) HandlePong(connectionID string, echoedTimestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.health.Peek(connectionID)
	if !ok {
		return
	}
	health := v.(*models.ConnectionHealth)

	now := time.Now()
	health.LastPing = now
	if !echoedTimestamp.IsZero() {
		health.Latency = now.Sub(echoedTimestamp)
	}
	health.Status = models.HealthHealthy
}

// MarkAlive refreshes liveness without a latency sample. Used for
// transport-level pong frames, which carry no echoed timestamp.
func (r *Registry) MarkAlive(connectionID string) {
	r.HandlePong(connectionID, time.Time{})
}

// HandlePing answers a client-initiated liveness probe synchronously. The
// returned ack echoes the client payload; it is independent of the
// server-initiated heartbeat.
func (r *Registry) HandlePing(connectionID string, payload map[string]interface{}) *models.WebSocketMessage {
	r.MarkAlive(connectionID)

	ack := models.NewWebSocketMessage(models.MessageTypePong, "", "", payload)
	return ack
}

// Unregister removes a connection. The online-users mapping is cleared
// only if it still points at this connection, so a stale disconnect cannot
// evict a newer reconnection.
func (r *Registry) Unregister(connectionID, reason string) error {
	r.mu.Lock()
	v, ok := r.identities.Get(connectionID)
	if !ok {
		r.mu.Unlock()
		return models.NewNotFoundError("connection not registered: %s", connectionID)
	}
	identity := v.(models.ConnectionIdentity)

	userStillHere := false
	if cur, ok := r.onlineUsers.Peek(identity.UserID); ok && cur.(string) == connectionID {
		r.onlineUsers.Delete(identity.UserID)
	} else {
		userStillHere = true
	}

	r.identities.Delete(connectionID)
	r.health.Delete(connectionID)
	r.mu.Unlock()

	if !userStillHere {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
		defer cancel()
		if err := r.store.SetUserOnlineStatus(ctx, identity.UserID, false); err != nil {
			utils.Warn("Failed to persist offline status",
				zap.Error(err),
				zap.String("user_id", identity.UserID))
		}
	}

	if r.onEvent != nil {
		r.onEvent("user.disconnected", identity)
	}

	utils.Info("Connection unregistered",
		zap.String("connection_id", connectionID),
		zap.String("user_id", identity.UserID),
		zap.String("reason", reason))

	return nil
}

// Identity returns the identity attached to a connection.
func (r *Registry) Identity(connectionID string) (models.ConnectionIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.identities.Peek(connectionID)
	if !ok {
		return models.ConnectionIdentity{}, false
	}
	return v.(models.ConnectionIdentity), true
}

// OnlineConnection returns the connection currently carrying a user.
func (r *Registry) OnlineConnection(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.onlineUsers.Peek(userID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// IsUserOnline reports whether a user has a live connection.
func (r *Registry) IsUserOnline(userID string) bool {
	_, ok := r.OnlineConnection(userID)
	return ok
}

// Health returns a copy of a connection's health record.
func (r *Registry) Health(connectionID string) (models.ConnectionHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.health.Peek(connectionID)
	if !ok {
		return models.ConnectionHealth{}, false
	}
	return *v.(*models.ConnectionHealth), true
}

// GetStats returns current cache sizes for observability.
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return map[string]interface{}{
		"identities":   r.identities.Len(),
		"online_users": r.onlineUsers.Len(),
		"health":       r.health.Len(),
	}
}
