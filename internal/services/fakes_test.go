package services

import (
	"context"
	"sync"

	"realtime-core/internal/models"
)

// fakeTransport records everything the services push through it.
type fakeTransport struct {
	mu         sync.Mutex
	groups     map[string]map[string]struct{}
	sent       map[string][]*models.WebSocketMessage
	broadcasts []broadcastRecord
	sendErr    error
}

type broadcastRecord struct {
	roomID  string
	msg     *models.WebSocketMessage
	exclude string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		groups: make(map[string]map[string]struct{}),
		sent:   make(map[string][]*models.WebSocketMessage),
	}
}

func (f *fakeTransport) JoinGroup(connectionID, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[roomID] == nil {
		f.groups[roomID] = make(map[string]struct{})
	}
	f.groups[roomID][connectionID] = struct{}{}
}

func (f *fakeTransport) LeaveGroup(connectionID, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups[roomID], connectionID)
	if len(f.groups[roomID]) == 0 {
		delete(f.groups, roomID)
	}
}

func (f *fakeTransport) BroadcastToGroup(roomID string, msg *models.WebSocketMessage, excludeConnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastRecord{roomID: roomID, msg: msg, exclude: excludeConnID})
}

func (f *fakeTransport) SendToConnection(connectionID string, msg *models.WebSocketMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[connectionID] = append(f.sent[connectionID], msg)
	return nil
}

func (f *fakeTransport) GroupMembers(roomID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	members := make([]string, 0, len(f.groups[roomID]))
	for connID := range f.groups[roomID] {
		members = append(members, connID)
	}
	return members
}

func (f *fakeTransport) Groups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.groups))
	for roomID := range f.groups {
		ids = append(ids, roomID)
	}
	return ids
}

func (f *fakeTransport) sentTo(connectionID string) []*models.WebSocketMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.WebSocketMessage, len(f.sent[connectionID]))
	copy(out, f.sent[connectionID])
	return out
}

func (f *fakeTransport) lastSentTo(connectionID string) *models.WebSocketMessage {
	msgs := f.sentTo(connectionID)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (f *fakeTransport) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeTransport) lastBroadcast() *broadcastRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return nil
	}
	rec := f.broadcasts[len(f.broadcasts)-1]
	return &rec
}

// fakeStore is an in-memory Persistence.
type fakeStore struct {
	mu        sync.Mutex
	online    map[string]bool
	access    map[string]map[string]bool
	accessErr error
	logs      []*models.CallLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		online: make(map[string]bool),
		access: make(map[string]map[string]bool),
	}
}

func (f *fakeStore) SetUserOnlineStatus(ctx context.Context, userID string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = online
	return nil
}

func (f *fakeStore) GetChatAccessForUser(ctx context.Context, chatID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accessErr != nil {
		return false, f.accessErr
	}
	return f.access[chatID][userID], nil
}

func (f *fakeStore) AppendCallLogEntry(ctx context.Context, entry *models.CallLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) allow(chatID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.access[chatID] == nil {
		f.access[chatID] = make(map[string]bool)
	}
	f.access[chatID][userID] = true
}

func (f *fakeStore) isOnline(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

func (f *fakeStore) loggedEntries() []*models.CallLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.CallLogEntry, len(f.logs))
	copy(out, f.logs)
	return out
}

func testIdentity(userID string) models.ConnectionIdentity {
	return models.ConnectionIdentity{
		UserID:            userID,
		Username:          userID + "-name",
		Role:              "user",
		DeviceFingerprint: "fp-" + userID,
	}
}
