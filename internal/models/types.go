package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectionIdentity holds the authenticated per-connection attributes.
// It is resolved at upgrade time by the auth collaborator and passed by
// value into component operations; nothing mutates it afterwards.
type ConnectionIdentity struct {
	UserID            string `json:"user_id"`
	Username          string `json:"username"`
	Role              string `json:"role"`
	DeviceFingerprint string `json:"device_fingerprint"`
	SessionID         string `json:"session_id,omitempty"`
	MFAVerified       bool   `json:"mfa_verified"`
}

// HealthStatus is the liveness state of a tracked connection.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ConnectionHealth tracks heartbeat state for one connection.
type ConnectionHealth struct {
	ConnectedAt time.Time     `json:"connected_at"`
	LastPing    time.Time     `json:"last_ping"`
	Latency     time.Duration `json:"latency"`
	Status      HealthStatus  `json:"status"`
	Transport   string        `json:"transport"`
}

// RoomMembership is the set of rooms one connection has joined.
type RoomMembership struct {
	ConnectionID string
	UserID       string
	Rooms        map[string]struct{}
	JoinedAt     time.Time
}

func NewRoomMembership(connectionID, userID string) *RoomMembership {
	return &RoomMembership{
		ConnectionID: connectionID,
		UserID:       userID,
		Rooms:        make(map[string]struct{}),
		JoinedAt:     time.Now(),
	}
}

// CallKind discriminates audio from video calls.
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// CallStatus is the call state machine position.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
	CallEnded     CallStatus = "ended"
)

// Terminal reports whether no further transitions are possible.
func (s CallStatus) Terminal() bool {
	return s == CallRejected || s == CallEnded
}

// Call end reasons.
const (
	EndReasonHangup  = "hangup"
	EndReasonTimeout = "timeout"
	EndReasonStale   = "stale"
)

// SDPPayload carries a WebRTC offer or answer.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate carries one WebRTC ICE candidate.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

// CallSession is the in-memory record of one signaling session between two
// identities. Removed from active tracking once terminal; the durable record
// is the call-log entry.
type CallSession struct {
	ID         string      `json:"id"`
	CallerID   string      `json:"caller_id"`
	ReceiverID string      `json:"receiver_id"`
	Kind       CallKind    `json:"kind"`
	Status     CallStatus  `json:"status"`
	Offer      *SDPPayload `json:"offer,omitempty"`
	Answer     *SDPPayload `json:"answer,omitempty"`

	// Candidates accumulate per side for diagnostics.
	CallerCandidates   []ICECandidate `json:"caller_candidates,omitempty"`
	ReceiverCandidates []ICECandidate `json:"receiver_candidates,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	EndedBy    string     `json:"ended_by,omitempty"`
}

func NewCallSession(callerID, receiverID string, kind CallKind, offer *SDPPayload) *CallSession {
	return &CallSession{
		ID:         uuid.New().String(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Kind:       kind,
		Status:     CallInitiated,
		Offer:      offer,
		StartedAt:  time.Now(),
	}
}

// Duration is accept-time to end-time, zero if the call was never accepted.
func (c *CallSession) Duration() time.Duration {
	if c.AcceptedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.AcceptedAt)
}

// CallLogEntry is the durable record handed to the persistence collaborator
// when a call reaches a terminal state.
type CallLogEntry struct {
	CallID     string        `json:"call_id"`
	CallerID   string        `json:"caller_id"`
	ReceiverID string        `json:"receiver_id"`
	Kind       CallKind      `json:"kind"`
	Status     CallStatus    `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration"`
	EndReason  string        `json:"end_reason"`
}

// RecoverySession is the logical continuity record surviving across
// connections for one user+device pair.
type RecoverySession struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Username          string    `json:"username"`
	Role              string    `json:"role"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	CreatedAt         time.Time `json:"created_at"`
	RefreshedAt       time.Time `json:"refreshed_at"`
	LastConnectionID  string    `json:"last_connection_id"`
	LastDisconnectAt  time.Time `json:"last_disconnect_at,omitempty"`
	LastDisconnectWhy string    `json:"last_disconnect_reason,omitempty"`
}

// Disconnect reasons observed from the transport.
const (
	ReasonClientClose    = "client_close"
	ReasonServerShutdown = "server_shutdown"
	ReasonTransportError = "transport_error"
	ReasonPingTimeout    = "ping_timeout"
	ReasonNamespaceClose = "namespace_close"
)

// MessageType tags every wire message.
type MessageType string

const (
	// Client-initiated
	MessageTypeJoinRoom     MessageType = "join_room"
	MessageTypeLeaveRoom    MessageType = "leave_room"
	MessageTypeChatMessage  MessageType = "chat_message"
	MessageTypeCallInitiate MessageType = "call_initiate"
	MessageTypeCallAccept   MessageType = "call_accept"
	MessageTypeCallReject   MessageType = "call_reject"
	MessageTypeCallEnd      MessageType = "call_end"
	MessageTypeICE          MessageType = "ice_candidate"
	MessageTypePing         MessageType = "ping"
	MessageTypePong         MessageType = "pong"
	MessageTypeReconnect    MessageType = "reconnect_attempt"

	// Server-initiated
	MessageTypeHeartbeat      MessageType = "heartbeat"
	MessageTypeUserJoined     MessageType = "user_joined_chat"
	MessageTypeUserLeft       MessageType = "user_left_chat"
	MessageTypeIncomingCall   MessageType = "incoming_call"
	MessageTypeCallRinging    MessageType = "call_ringing"
	MessageTypeCallAnswered   MessageType = "call_answered"
	MessageTypeCallRejected   MessageType = "call_rejected"
	MessageTypeCallEnded      MessageType = "call_ended"
	MessageTypeRecoveryWindow MessageType = "recovery_window"
	MessageTypeReconnectOK    MessageType = "reconnect_ok"

	// Errors
	MessageTypeAuthError      MessageType = "auth_error"
	MessageTypeJoinError      MessageType = "join_error"
	MessageTypeCallError      MessageType = "call_error"
	MessageTypeMessageError   MessageType = "message_error"
	MessageTypeReconnectError MessageType = "reconnect_error"
)

// WebSocketMessage is the envelope every wire event travels in.
type WebSocketMessage struct {
	Type      MessageType            `json:"type"`
	RoomID    string                 `json:"room_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	TargetID  string                 `json:"target_id,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	MessageID string                 `json:"message_id"`
}

func NewWebSocketMessage(msgType MessageType, roomID, userID string, data map[string]interface{}) *WebSocketMessage {
	return &WebSocketMessage{
		Type:      msgType,
		RoomID:    roomID,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now(),
		MessageID: uuid.New().String(),
	}
}

func (m *WebSocketMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func (m *WebSocketMessage) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}
