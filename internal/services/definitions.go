package services

import (
	"context"

	"realtime-core/internal/models"
)

// Transport is the set of primitives the core consumes from the socket
// layer: group membership, room broadcast, and direct delivery. The
// Orchestrator implements it over WebSocket connections; tests substitute
// fakes.
type Transport interface {
	// JoinGroup adds a connection to a room broadcast group.
	JoinGroup(connectionID, roomID string)

	// LeaveGroup removes a connection from a room broadcast group.
	LeaveGroup(connectionID, roomID string)

	// BroadcastToGroup delivers msg to every member of the group except
	// excludeConnID (pass "" to include everyone).
	BroadcastToGroup(roomID string, msg *models.WebSocketMessage, excludeConnID string)

	// SendToConnection delivers msg to a single connection.
	SendToConnection(connectionID string, msg *models.WebSocketMessage) error

	// GroupMembers returns the authoritative roster of a group.
	GroupMembers(roomID string) []string

	// Groups returns all group ids currently known to the transport.
	Groups() []string
}

// Persistence is the external store collaborator. Status and call-log
// writes are best-effort: callers log failures and continue. Chat-access
// lookups are direct data operations and their failures propagate.
type Persistence interface {
	SetUserOnlineStatus(ctx context.Context, userID string, online bool) error
	GetChatAccessForUser(ctx context.Context, chatID, userID string) (bool, error)
	AppendCallLogEntry(ctx context.Context, entry *models.CallLogEntry) error
}

// EventFunc receives registry lifecycle events (user.connected,
// user.disconnected) for publication outside the core.
type EventFunc func(event string, identity models.ConnectionIdentity)
