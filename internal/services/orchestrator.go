package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"realtime-core/internal/config"
	"realtime-core/internal/metrics"
	"realtime-core/internal/models"
	"realtime-core/internal/utils"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Orchestrator owns the socket lifecycle: it registers connections, runs
// the read/write pumps, dispatches client messages to the domain services,
// and tears everything down in order on disconnect. It is the concrete
// Transport the other services broadcast through.
type Orchestrator struct {
	connections sync.Map // connection id -> *SocketConnection

	groupsMu sync.RWMutex
	groups   map[string]map[string]struct{} // room id -> connection ids

	registry  *Registry
	rooms     *RoomTracker
	calls     *CallCoordinator
	reconnect *ReconnectionManager

	config *config.Config

	connectionCount int64
	maxConnections  int64

	// publish, when set, mirrors room broadcasts to other nodes.
	publish func(roomID string, msg *models.WebSocketMessage)

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWG sync.WaitGroup
}

// SocketConnection is one live WebSocket with its identity and channels.
type SocketConnection struct {
	ID        string
	Conn      net.Conn
	SessionID string

	identityMu sync.RWMutex
	identity   models.ConnectionIdentity

	SendChan  chan []byte
	CloseChan chan struct{}

	heartbeat *HeartbeatHandle
	closeOnce sync.Once
	writeMu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// Identity returns the connection's current identity snapshot.
func (c *SocketConnection) Identity() models.ConnectionIdentity {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

func (c *SocketConnection) setIdentity(identity models.ConnectionIdentity) {
	c.identityMu.Lock()
	c.identity = identity
	c.identityMu.Unlock()
}

// NewOrchestrator creates the socket orchestrator. Domain services are
// attached afterwards with Bind, since they need the orchestrator as
// their Transport.
func NewOrchestrator(cfg *config.Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		groups:         make(map[string]map[string]struct{}),
		config:         cfg,
		maxConnections: int64(cfg.Server.MaxConnections),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Bind attaches the domain services the dispatcher routes to.
func (o *Orchestrator) Bind(registry *Registry, rooms *RoomTracker, calls *CallCoordinator, reconnect *ReconnectionManager) {
	o.registry = registry
	o.rooms = rooms
	o.calls = calls
	o.reconnect = reconnect
}

// SetPublishFunc installs the cross-node fan-out hook for room broadcasts.
func (o *Orchestrator) SetPublishFunc(fn func(roomID string, msg *models.WebSocketMessage)) {
	o.publish = fn
}

// HandleConnection takes ownership of an upgraded socket. It registers the
// identity, opens a recovery session, and starts the pumps and heartbeat.
func (o *Orchestrator) HandleConnection(conn net.Conn, identity models.ConnectionIdentity) (*SocketConnection, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}

	if atomic.LoadInt64(&o.connectionCount) >= o.maxConnections {
		return nil, fmt.Errorf("maximum connections reached: %d", o.maxConnections)
	}

	ctx, cancel := context.WithCancel(o.ctx)
	sc := &SocketConnection{
		ID:        uuid.New().String(),
		Conn:      conn,
		identity:  identity,
		SendChan:  make(chan []byte, 256),
		CloseChan: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := o.registry.Register(sc.ID, identity); err != nil {
		cancel()
		return nil, err
	}

	sc.SessionID = o.reconnect.OnConnect(sc.ID, identity)
	identity.SessionID = sc.SessionID
	sc.setIdentity(identity)

	o.connections.Store(sc.ID, sc)
	atomic.AddInt64(&o.connectionCount, 1)
	metrics.ActiveConnections.Inc()

	o.shutdownWG.Add(2)
	go o.readPump(sc)
	go o.writePump(sc)

	sc.heartbeat = o.registry.StartHeartbeat(sc.ID)

	utils.Info("Connection established",
		zap.String("connection_id", sc.ID),
		zap.String("user_id", identity.UserID),
		zap.String("session_id", sc.SessionID),
		zap.Int64("total_connections", atomic.LoadInt64(&o.connectionCount)))

	return sc, nil
}

// readPump reads client frames until the socket dies, then drives the
// teardown with the disconnect reason it observed.
func (o *Orchestrator) readPump(sc *SocketConnection) {
	reason := models.ReasonTransportError

	defer o.shutdownWG.Done()
	defer func() {
		if err := recover(); err != nil {
			utils.Error("Panic in connection read handler",
				zap.String("connection_id", sc.ID),
				zap.Any("error", err))
		}
		o.removeConnection(sc, reason)
	}()

	for {
		select {
		case <-sc.ctx.Done():
			reason = models.ReasonServerShutdown
			return
		case <-sc.CloseChan:
			reason = models.ReasonServerShutdown
			return
		default:
			if err := sc.Conn.SetReadDeadline(time.Now().Add(o.config.Server.ReadTimeout)); err != nil {
				return
			}

			msg, op, err := wsutil.ReadClientData(sc.Conn)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					reason = models.ReasonPingTimeout
				} else if isConnectionClosed(err) {
					reason = models.ReasonClientClose
				} else {
					utils.Error("Failed to read WebSocket message",
						zap.Error(err),
						zap.String("connection_id", sc.ID))
				}
				return
			}

			switch op {
			case ws.OpText:
				o.dispatch(sc, msg)
			case ws.OpPing:
				o.writePongFrame(sc, msg)
				o.registry.MarkAlive(sc.ID)
			case ws.OpPong:
				o.registry.MarkAlive(sc.ID)
			case ws.OpClose:
				reason = models.ReasonClientClose
				return
			}
		}
	}
}

// writePump drains the send channel and keeps transport-level pings going.
func (o *Orchestrator) writePump(sc *SocketConnection) {
	defer o.shutdownWG.Done()
	defer func() {
		if err := recover(); err != nil {
			utils.Error("Panic in connection write handler",
				zap.String("connection_id", sc.ID),
				zap.Any("error", err))
		}
	}()

	ticker := time.NewTicker(o.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-sc.CloseChan:
			return
		case <-ticker.C:
			if err := o.writeFrame(sc, ws.OpPing, nil); err != nil {
				utils.Debug("Failed to send transport ping",
					zap.String("connection_id", sc.ID))
				return
			}
		case data := <-sc.SendChan:
			if err := o.writeFrame(sc, ws.OpText, data); err != nil {
				utils.Error("Failed to write message",
					zap.Error(err),
					zap.String("connection_id", sc.ID))
				return
			}
		}
	}
}

func (o *Orchestrator) writeFrame(sc *SocketConnection, op ws.OpCode, data []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if err := sc.Conn.SetWriteDeadline(time.Now().Add(o.config.Server.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	return wsutil.WriteServerMessage(sc.Conn, op, data)
}

func (o *Orchestrator) writePongFrame(sc *SocketConnection, payload []byte) {
	if err := o.writeFrame(sc, ws.OpPong, payload); err != nil {
		utils.Debug("Failed to send pong frame",
			zap.String("connection_id", sc.ID))
	}
}

// dispatch routes one client message. Component errors are translated to
// typed error events; the connection stays open.
func (o *Orchestrator) dispatch(sc *SocketConnection, data []byte) {
	if len(data) == 0 {
		return
	}

	var msg models.WebSocketMessage
	if err := msg.FromJSON(data); err != nil {
		o.sendError(sc, models.MessageTypeMessageError, models.NewValidationError("malformed message"))
		return
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	identity := sc.Identity()

	switch msg.Type {
	case models.MessageTypeJoinRoom:
		if err := o.rooms.JoinRoom(sc.ctx, sc.ID, identity, msg.RoomID); err != nil {
			o.sendError(sc, models.MessageTypeJoinError, err)
		}

	case models.MessageTypeLeaveRoom:
		o.rooms.LeaveRoom(sc.ID, identity, msg.RoomID)

	case models.MessageTypeChatMessage:
		if msg.RoomID == "" || !o.rooms.IsMember(sc.ID, msg.RoomID) {
			o.sendError(sc, models.MessageTypeMessageError, models.NewAuthorizationError("not a member of room"))
			return
		}
		msg.UserID = identity.UserID
		o.BroadcastToGroup(msg.RoomID, &msg, sc.ID)

	case models.MessageTypeCallInitiate:
		o.handleCallInitiate(sc, identity, &msg)

	case models.MessageTypeCallAccept:
		answer, err := decodeSDP(msg.Data, "sdp")
		if err == nil {
			err = o.calls.Accept(msg.CallID, identity.UserID, answer)
		}
		if err != nil {
			o.sendError(sc, models.MessageTypeCallError, err)
		}

	case models.MessageTypeCallReject:
		if err := o.calls.Reject(sc.ctx, msg.CallID, identity.UserID); err != nil {
			o.sendError(sc, models.MessageTypeCallError, err)
		}

	case models.MessageTypeCallEnd:
		if err := o.calls.End(sc.ctx, msg.CallID, models.EndReasonHangup, identity.UserID); err != nil {
			o.sendError(sc, models.MessageTypeCallError, err)
		}

	case models.MessageTypeICE:
		candidate, err := decodeICECandidate(msg.Data)
		if err == nil {
			err = o.calls.RelayIceCandidate(msg.CallID, identity.UserID, candidate)
		}
		if err != nil {
			o.sendError(sc, models.MessageTypeCallError, err)
		}

	case models.MessageTypePing:
		pong := o.registry.HandlePing(sc.ID, msg.Data)
		if err := o.SendToConnection(sc.ID, pong); err != nil {
			utils.Debug("Failed to deliver pong", zap.String("connection_id", sc.ID))
		}

	case models.MessageTypePong:
		o.handleApplicationPong(sc, &msg)

	case models.MessageTypeReconnect:
		o.handleReconnectAttempt(sc, identity, &msg)

	default:
		o.sendError(sc, models.MessageTypeMessageError,
			models.NewValidationError("unknown message type: %s", msg.Type))
	}
}

func (o *Orchestrator) handleCallInitiate(sc *SocketConnection, identity models.ConnectionIdentity, msg *models.WebSocketMessage) {
	kind := models.CallKind(stringField(msg.Data, "call_type"))
	offer, err := decodeSDP(msg.Data, "sdp")
	if err != nil {
		o.sendError(sc, models.MessageTypeCallError, err)
		return
	}

	call, err := o.calls.Initiate(identity.UserID, msg.TargetID, kind, offer)
	if err != nil {
		o.sendError(sc, models.MessageTypeCallError, err)
		return
	}

	ack := models.NewWebSocketMessage(models.MessageTypeCallRinging, "", identity.UserID, map[string]interface{}{
		"call_id":   call.ID,
		"target_id": call.ReceiverID,
	})
	ack.CallID = call.ID
	if err := o.SendToConnection(sc.ID, ack); err != nil {
		utils.Debug("Failed to deliver ringing ack",
			zap.String("connection_id", sc.ID),
			zap.String("call_id", call.ID))
	}
}

// handleApplicationPong closes the heartbeat loop: the echoed timestamp
// gives the round-trip latency.
func (o *Orchestrator) handleApplicationPong(sc *SocketConnection, msg *models.WebSocketMessage) {
	if ts, ok := msg.Data["ts"].(float64); ok {
		o.registry.HandlePong(sc.ID, time.UnixMilli(int64(ts)))
		return
	}
	o.registry.MarkAlive(sc.ID)
}

func (o *Orchestrator) handleReconnectAttempt(sc *SocketConnection, identity models.ConnectionIdentity, msg *models.WebSocketMessage) {
	sessionID := stringField(msg.Data, "session_id")

	recovered, err := o.reconnect.AttemptReconnect(sc.ID, sessionID, identity)
	if err != nil {
		metrics.ReconnectAttemptsTotal.WithLabelValues("failure").Inc()
		o.sendError(sc, models.MessageTypeReconnectError, err)
		return
	}

	// Re-register under the recovered identity so registry lookups see
	// the original user again.
	if err := o.registry.Register(sc.ID, recovered); err != nil {
		metrics.ReconnectAttemptsTotal.WithLabelValues("failure").Inc()
		o.sendError(sc, models.MessageTypeReconnectError, err)
		return
	}
	sc.setIdentity(recovered)
	sc.SessionID = recovered.SessionID
	metrics.ReconnectAttemptsTotal.WithLabelValues("success").Inc()

	ok := models.NewWebSocketMessage(models.MessageTypeReconnectOK, "", recovered.UserID, map[string]interface{}{
		"session_id": recovered.SessionID,
	})
	if err := o.SendToConnection(sc.ID, ok); err != nil {
		utils.Debug("Failed to deliver reconnect ack", zap.String("connection_id", sc.ID))
	}
}

func (o *Orchestrator) sendError(sc *SocketConnection, msgType models.MessageType, err error) {
	msg := models.NewWebSocketMessage(msgType, "", sc.Identity().UserID, map[string]interface{}{
		"error": err.Error(),
		"kind":  models.ErrorKind(err),
	})
	if sendErr := o.SendToConnection(sc.ID, msg); sendErr != nil {
		utils.Debug("Failed to deliver error event",
			zap.String("connection_id", sc.ID),
			zap.String("type", string(msgType)))
	}
}

// removeConnection tears a connection down in dependency order: active
// call first, then room memberships, heartbeat, registry entry, and
// finally the recovery bookkeeping. Safe to call more than once.
func (o *Orchestrator) removeConnection(sc *SocketConnection, reason string) {
	sc.closeOnce.Do(func() {
		identity := sc.Identity()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		// Same stale guard the registry applies to its user mapping: when
		// the user already moved to a newer connection, this socket's death
		// must not end the call they are conducting there.
		if current, online := o.registry.OnlineConnection(identity.UserID); !online || current == sc.ID {
			o.calls.EndActiveCallForUser(ctx, identity.UserID, models.EndReasonHangup)
		}
		o.rooms.CleanupOnDisconnect(sc.ID, identity)

		if sc.heartbeat != nil {
			sc.heartbeat.Stop()
		}

		if err := o.registry.Unregister(sc.ID, reason); err != nil {
			utils.Debug("Unregister skipped",
				zap.String("connection_id", sc.ID),
				zap.Error(err))
		}
		o.reconnect.OnDisconnect(sc.ID, identity, reason)

		o.connections.Delete(sc.ID)
		o.dropFromAllGroups(sc.ID)

		sc.cancel()
		close(sc.CloseChan)
		if err := sc.Conn.Close(); err != nil && !isConnectionClosed(err) {
			utils.Debug("Socket close error",
				zap.Error(err),
				zap.String("connection_id", sc.ID))
		}

		atomic.AddInt64(&o.connectionCount, -1)
		metrics.ActiveConnections.Dec()
		metrics.DisconnectsTotal.WithLabelValues(reason).Inc()

		utils.Info("Connection removed",
			zap.String("connection_id", sc.ID),
			zap.String("user_id", identity.UserID),
			zap.String("reason", reason),
			zap.Int64("total_connections", atomic.LoadInt64(&o.connectionCount)))
	})
}

// JoinGroup implements Transport.
func (o *Orchestrator) JoinGroup(connectionID, roomID string) {
	o.groupsMu.Lock()
	defer o.groupsMu.Unlock()

	members, ok := o.groups[roomID]
	if !ok {
		members = make(map[string]struct{})
		o.groups[roomID] = members
		metrics.ActiveRooms.Inc()
	}
	members[connectionID] = struct{}{}
}

// LeaveGroup implements Transport.
func (o *Orchestrator) LeaveGroup(connectionID, roomID string) {
	o.groupsMu.Lock()
	defer o.groupsMu.Unlock()

	members, ok := o.groups[roomID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(o.groups, roomID)
		metrics.ActiveRooms.Dec()
		utils.Debug("Empty group removed", zap.String("room_id", roomID))
	}
}

func (o *Orchestrator) dropFromAllGroups(connectionID string) {
	o.groupsMu.Lock()
	defer o.groupsMu.Unlock()

	for roomID, members := range o.groups {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(o.groups, roomID)
			metrics.ActiveRooms.Dec()
		}
	}
}

// BroadcastToGroup implements Transport. Delivery is local; the publish
// hook mirrors the message to peer nodes when installed.
func (o *Orchestrator) BroadcastToGroup(roomID string, msg *models.WebSocketMessage, excludeConnID string) {
	if o.publish != nil {
		o.publish(roomID, msg)
	}
	o.broadcastToGroupLocal(roomID, msg, excludeConnID)
}

// BroadcastLocal delivers a message to local group members only. Used by
// the pub/sub subscriber to avoid re-publishing loops.
func (o *Orchestrator) BroadcastLocal(roomID string, msg *models.WebSocketMessage) {
	o.broadcastToGroupLocal(roomID, msg, "")
}

func (o *Orchestrator) broadcastToGroupLocal(roomID string, msg *models.WebSocketMessage, excludeConnID string) {
	o.groupsMu.RLock()
	memberIDs := make([]string, 0, len(o.groups[roomID]))
	for connID := range o.groups[roomID] {
		memberIDs = append(memberIDs, connID)
	}
	o.groupsMu.RUnlock()

	failed := 0
	for _, connID := range memberIDs {
		if connID == excludeConnID {
			continue
		}
		if err := o.SendToConnection(connID, msg); err != nil {
			failed++
		}
	}
	if failed > 0 {
		utils.Warn("Some broadcasts failed",
			zap.String("room_id", roomID),
			zap.Int("failed", failed))
	}
}

// SendToConnection implements Transport.
func (o *Orchestrator) SendToConnection(connectionID string, msg *models.WebSocketMessage) error {
	v, ok := o.connections.Load(connectionID)
	if !ok {
		return fmt.Errorf("connection not found: %s", connectionID)
	}
	sc := v.(*SocketConnection)

	data, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	select {
	case sc.SendChan <- data:
		return nil
	case <-sc.ctx.Done():
		return fmt.Errorf("connection closed")
	case <-time.After(5 * time.Second):
		return fmt.Errorf("send channel timeout")
	}
}

// GroupMembers implements Transport.
func (o *Orchestrator) GroupMembers(roomID string) []string {
	o.groupsMu.RLock()
	defer o.groupsMu.RUnlock()

	members := make([]string, 0, len(o.groups[roomID]))
	for connID := range o.groups[roomID] {
		members = append(members, connID)
	}
	return members
}

// Groups implements Transport.
func (o *Orchestrator) Groups() []string {
	o.groupsMu.RLock()
	defer o.groupsMu.RUnlock()

	ids := make([]string, 0, len(o.groups))
	for roomID := range o.groups {
		ids = append(ids, roomID)
	}
	return ids
}

// BroadcastAll delivers a message to every live connection. Drives the
// server-wide announcement channel.
func (o *Orchestrator) BroadcastAll(msg *models.WebSocketMessage) {
	o.connections.Range(func(key, value interface{}) bool {
		sc := value.(*SocketConnection)
		if err := o.SendToConnection(sc.ID, msg); err != nil {
			utils.Debug("Broadcast delivery failed",
				zap.String("connection_id", sc.ID))
		}
		return true
	})
}

// ConnectionCount returns the number of open connections.
func (o *Orchestrator) ConnectionCount() int64 {
	return atomic.LoadInt64(&o.connectionCount)
}

// GetStats returns orchestrator counters for the stats surface.
func (o *Orchestrator) GetStats() map[string]interface{} {
	o.groupsMu.RLock()
	groupCount := len(o.groups)
	o.groupsMu.RUnlock()

	return map[string]interface{}{
		"active_connections": atomic.LoadInt64(&o.connectionCount),
		"max_connections":    o.maxConnections,
		"active_groups":      groupCount,
	}
}

// Close shuts every connection down and waits for the pumps, bounded by
// the configured shutdown timeout.
func (o *Orchestrator) Close() error {
	utils.Info("Shutting down orchestrator...")

	o.connections.Range(func(key, value interface{}) bool {
		o.removeConnection(value.(*SocketConnection), models.ReasonServerShutdown)
		return true
	})

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.shutdownWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		utils.Info("Orchestrator shut down successfully")
	case <-time.After(o.config.Server.ShutdownTimeout):
		utils.Warn("Orchestrator shutdown timeout exceeded")
	}
	return nil
}

// decodeSDP pulls an SDP payload out of a message data field.
func decodeSDP(data map[string]interface{}, field string) (*models.SDPPayload, error) {
	raw, ok := data[field]
	if !ok {
		return nil, models.NewValidationError("missing %s payload", field)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, models.NewValidationError("malformed %s payload", field)
	}
	var payload models.SDPPayload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, models.NewValidationError("malformed %s payload", field)
	}
	return &payload, nil
}

// decodeICECandidate pulls an ICE candidate out of a message data field.
func decodeICECandidate(data map[string]interface{}) (models.ICECandidate, error) {
	raw, ok := data["candidate"]
	if !ok {
		return models.ICECandidate{}, models.NewValidationError("missing candidate payload")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return models.ICECandidate{}, models.NewValidationError("malformed candidate payload")
	}
	var candidate models.ICECandidate
	if err := json.Unmarshal(encoded, &candidate); err != nil {
		return models.ICECandidate{}, models.NewValidationError("malformed candidate payload")
	}
	return candidate, nil
}

// isConnectionClosed reports whether the error is one of the usual
// peer-went-away failures.
func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return errStr == "EOF" ||
		errStr == "connection reset by peer" ||
		errStr == "broken pipe" ||
		errStr == "use of closed network connection"
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}
