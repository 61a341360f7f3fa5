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

// RoomTracker records which rooms each connection has joined, enforces the
// per-user room quota, and keeps the tracked membership in sync with the
// transport's broadcast groups.
type RoomTracker struct {
	mu          sync.Mutex
	memberships *cache.LRU // connection id -> *models.RoomMembership

	transport Transport
	store     Persistence
	maxRooms  int

	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewRoomTracker creates a room tracker. maxRooms is the per-user quota.
func NewRoomTracker(transport Transport, store Persistence, maxRooms, caps int, sweepInterval time.Duration) *RoomTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &RoomTracker{
		memberships:   cache.NewLRU(caps),
		transport:     transport,
		store:         store,
		maxRooms:      maxRooms,
		sweepInterval: sweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the drift-reconciliation sweep.
func (rt *RoomTracker) Start() {
	rt.wg.Add(1)
	go rt.reconciliationTask()
}

// JoinRoom adds a connection to a room after an access check against the
// persistence collaborator. A connection at the quota limit is rejected,
// never truncated.
func (rt *RoomTracker) JoinRoom(ctx context.Context, connectionID string, identity models.ConnectionIdentity, roomID string) error {
	if roomID == "" {
		return models.NewValidationError("room id cannot be empty")
	}

	access, err := rt.store.GetChatAccessForUser(ctx, roomID, identity.UserID)
	if err != nil {
		return err
	}
	if !access {
		return models.NewNotFoundError("no access to room %s", roomID)
	}

	rt.mu.Lock()
	membership := rt.membershipLocked(connectionID, identity.UserID)
	if _, already := membership.Rooms[roomID]; !already {
		if len(membership.Rooms) >= rt.maxRooms {
			rt.mu.Unlock()
			return models.NewValidationError("room quota exceeded (%d)", rt.maxRooms)
		}
		membership.Rooms[roomID] = struct{}{}
	}
	rt.mu.Unlock()

	rt.transport.JoinGroup(connectionID, roomID)

	joinMsg := models.NewWebSocketMessage(
		models.MessageTypeUserJoined,
		roomID,
		identity.UserID,
		map[string]interface{}{
			"user_id":  identity.UserID,
			"username": identity.Username,
		},
	)
	rt.transport.BroadcastToGroup(roomID, joinMsg, connectionID)

	utils.Info("Room joined",
		zap.String("connection_id", connectionID),
		zap.String("user_id", identity.UserID),
		zap.String("room_id", roomID))

	return nil
}

// LeaveRoom removes a connection from a room. Leaving a room the
// connection is not in is a no-op.
func (rt *RoomTracker) LeaveRoom(connectionID string, identity models.ConnectionIdentity, roomID string) {
	rt.mu.Lock()
	wasMember := false
	if v, ok := rt.memberships.Peek(connectionID); ok {
		membership := v.(*models.RoomMembership)
		if _, wasMember = membership.Rooms[roomID]; wasMember {
			delete(membership.Rooms, roomID)
		}
	}
	rt.mu.Unlock()

	rt.transport.LeaveGroup(connectionID, roomID)

	if !wasMember {
		return
	}

	leaveMsg := models.NewWebSocketMessage(
		models.MessageTypeUserLeft,
		roomID,
		identity.UserID,
		map[string]interface{}{
			"user_id":  identity.UserID,
			"username": identity.Username,
			"reason":   "left",
		},
	)
	rt.transport.BroadcastToGroup(roomID, leaveMsg, connectionID)

	utils.Debug("Room left",
		zap.String("connection_id", connectionID),
		zap.String("room_id", roomID))
}

// IsMember reports whether a connection has joined a room.
func (rt *RoomTracker) IsMember(connectionID, roomID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	v, ok := rt.memberships.Peek(connectionID)
	if !ok {
		return false
	}
	_, member := v.(*models.RoomMembership).Rooms[roomID]
	return member
}

// CleanupOnDisconnect leaves every tracked room for a connection and
// notifies remaining members. It needs the identity to compose the leave
// payloads, so it must run before the connection's identity is discarded.
func (rt *RoomTracker) CleanupOnDisconnect(connectionID string, identity models.ConnectionIdentity) {
	rt.mu.Lock()
	v, ok := rt.memberships.Peek(connectionID)
	if !ok {
		rt.mu.Unlock()
		return
	}
	membership := v.(*models.RoomMembership)
	rooms := make([]string, 0, len(membership.Rooms))
	for roomID := range membership.Rooms {
		rooms = append(rooms, roomID)
	}
	rt.memberships.Delete(connectionID)
	rt.mu.Unlock()

	for _, roomID := range rooms {
		rt.transport.LeaveGroup(connectionID, roomID)

		leaveMsg := models.NewWebSocketMessage(
			models.MessageTypeUserLeft,
			roomID,
			identity.UserID,
			map[string]interface{}{
				"user_id":  identity.UserID,
				"username": identity.Username,
				"reason":   "disconnected",
			},
		)
		rt.transport.BroadcastToGroup(roomID, leaveMsg, connectionID)
	}

	if len(rooms) > 0 {
		utils.Info("Room memberships cleaned up",
			zap.String("connection_id", connectionID),
			zap.Int("rooms", len(rooms)))
	}
}

// Rooms returns the tracked room set for a connection.
func (rt *RoomTracker) Rooms(connectionID string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	v, ok := rt.memberships.Peek(connectionID)
	if !ok {
		return nil
	}
	membership := v.(*models.RoomMembership)
	rooms := make([]string, 0, len(membership.Rooms))
	for roomID := range membership.Rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// membershipLocked returns or creates the membership record. Caller holds
// rt.mu.
func (rt *RoomTracker) membershipLocked(connectionID, userID string) *models.RoomMembership {
	if v, ok := rt.memberships.Peek(connectionID); ok {
		return v.(*models.RoomMembership)
	}
	membership := models.NewRoomMembership(connectionID, userID)
	rt.memberships.Set(connectionID, membership)
	return membership
}

func (rt *RoomTracker) reconciliationTask() {
	defer rt.wg.Done()

	ticker := time.NewTicker(rt.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			rt.Reconcile()
		}
	}
}

// Reconcile cross-checks tracked membership against the transport's
// rosters and repairs drift in both directions. The transport roster is
// authoritative for liveness: tracked-but-absent entries are dropped from
// tracking, while transport members the tracker never admitted (quota
// authority) are removed from the group.
func (rt *RoomTracker) Reconcile() {
	// Tracked-but-absent: drop rooms the transport no longer has us in.
	rt.mu.Lock()
	type drift struct {
		connID string
		roomID string
	}
	var stale []drift
	for _, connID := range rt.memberships.Keys() {
		v, ok := rt.memberships.Peek(connID)
		if !ok {
			continue
		}
		membership := v.(*models.RoomMembership)
		for roomID := range membership.Rooms {
			present := false
			for _, member := range rt.transport.GroupMembers(roomID) {
				if member == connID {
					present = true
					break
				}
			}
			if !present {
				stale = append(stale, drift{connID: connID, roomID: roomID})
			}
		}
	}
	for _, d := range stale {
		if v, ok := rt.memberships.Peek(d.connID); ok {
			delete(v.(*models.RoomMembership).Rooms, d.roomID)
		}
	}
	rt.mu.Unlock()

	// Present-but-untracked: evict group members the tracker never admitted.
	var evicted []drift
	for _, roomID := range rt.transport.Groups() {
		for _, connID := range rt.transport.GroupMembers(roomID) {
			if !rt.IsMember(connID, roomID) {
				rt.transport.LeaveGroup(connID, roomID)
				evicted = append(evicted, drift{connID: connID, roomID: roomID})
			}
		}
	}

	if len(stale) > 0 || len(evicted) > 0 {
		utils.Warn("Room membership drift repaired",
			zap.Int("tracked_but_absent", len(stale)),
			zap.Int("present_but_untracked", len(evicted)))
	}
}

// GetStats returns tracker counters for observability.
func (rt *RoomTracker) GetStats() map[string]interface{} {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	totalRooms := 0
	for _, connID := range rt.memberships.Keys() {
		if v, ok := rt.memberships.Peek(connID); ok {
			totalRooms += len(v.(*models.RoomMembership).Rooms)
		}
	}

	return map[string]interface{}{
		"tracked_connections": rt.memberships.Len(),
		"tracked_rooms_total": totalRooms,
		"max_rooms_per_user":  rt.maxRooms,
	}
}

// Close stops the reconciliation sweep.
func (rt *RoomTracker) Close() {
	rt.cancel()
	rt.wg.Wait()
}
