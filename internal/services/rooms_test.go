package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"realtime-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoomTracker(maxRooms int) (*RoomTracker, *fakeTransport, *fakeStore) {
	transport := newFakeTransport()
	store := newFakeStore()
	rt := NewRoomTracker(transport, store, maxRooms, 64, time.Minute)
	return rt, transport, store
}

func TestJoinRoomRequiresAccess(t *testing.T) {
	rt, _, _ := newTestRoomTracker(10)

	err := rt.JoinRoom(context.Background(), "conn-1", testIdentity("u1"), "room-a")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
	assert.False(t, rt.IsMember("conn-1", "room-a"))
}

func TestJoinRoomPropagatesStoreError(t *testing.T) {
	rt, _, store := newTestRoomTracker(10)
	store.accessErr = errors.New("table unavailable")

	err := rt.JoinRoom(context.Background(), "conn-1", testIdentity("u1"), "room-a")
	require.Error(t, err)
	assert.False(t, models.IsNotFound(err))
}

func TestJoinRoomEmptyRoomID(t *testing.T) {
	rt, _, _ := newTestRoomTracker(10)

	err := rt.JoinRoom(context.Background(), "conn-1", testIdentity("u1"), "")
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestJoinRoomTracksAndBroadcasts(t *testing.T) {
	rt, transport, store := newTestRoomTracker(10)
	store.allow("room-a", "u1")

	require.NoError(t, rt.JoinRoom(context.Background(), "conn-1", testIdentity("u1"), "room-a"))

	assert.True(t, rt.IsMember("conn-1", "room-a"))
	assert.Contains(t, transport.GroupMembers("room-a"), "conn-1")

	rec := transport.lastBroadcast()
	require.NotNil(t, rec)
	assert.Equal(t, "room-a", rec.roomID)
	assert.Equal(t, models.MessageTypeUserJoined, rec.msg.Type)
	assert.Equal(t, "conn-1", rec.exclude)
}

func TestJoinRoomQuotaRejectsNotTruncates(t *testing.T) {
	rt, _, store := newTestRoomTracker(2)
	store.allow("room-a", "u1")
	store.allow("room-b", "u1")
	store.allow("room-c", "u1")

	ctx := context.Background()
	require.NoError(t, rt.JoinRoom(ctx, "conn-1", testIdentity("u1"), "room-a"))
	require.NoError(t, rt.JoinRoom(ctx, "conn-1", testIdentity("u1"), "room-b"))

	err := rt.JoinRoom(ctx, "conn-1", testIdentity("u1"), "room-c")
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	// Existing memberships survive the rejected join.
	assert.True(t, rt.IsMember("conn-1", "room-a"))
	assert.True(t, rt.IsMember("conn-1", "room-b"))
	assert.False(t, rt.IsMember("conn-1", "room-c"))
}

func TestJoinRoomRejoinDoesNotDoubleCount(t *testing.T) {
	rt, _, store := newTestRoomTracker(1)
	store.allow("room-a", "u1")

	ctx := context.Background()
	require.NoError(t, rt.JoinRoom(ctx, "conn-1", testIdentity("u1"), "room-a"))
	// Rejoining the same room must not hit the quota.
	require.NoError(t, rt.JoinRoom(ctx, "conn-1", testIdentity("u1"), "room-a"))

	assert.Len(t, rt.Rooms("conn-1"), 1)
}

func TestLeaveRoomIdempotent(t *testing.T) {
	rt, transport, store := newTestRoomTracker(10)
	store.allow("room-a", "u1")

	require.NoError(t, rt.JoinRoom(context.Background(), "conn-1", testIdentity("u1"), "room-a"))
	joinBroadcasts := transport.broadcastCount()

	rt.LeaveRoom("conn-1", testIdentity("u1"), "room-a")
	assert.False(t, rt.IsMember("conn-1", "room-a"))
	assert.Equal(t, joinBroadcasts+1, transport.broadcastCount())

	// Leaving again is a no-op: no second departure broadcast.
	rt.LeaveRoom("conn-1", testIdentity("u1"), "room-a")
	assert.Equal(t, joinBroadcasts+1, transport.broadcastCount())
}

func TestCleanupOnDisconnectLeavesEverything(t *testing.T) {
	rt, transport, store := newTestRoomTracker(10)
	store.allow("room-a", "u1")
	store.allow("room-b", "u1")

	ctx := context.Background()
	require.NoError(t, rt.JoinRoom(ctx, "conn-1", testIdentity("u1"), "room-a"))
	require.NoError(t, rt.JoinRoom(ctx, "conn-1", testIdentity("u1"), "room-b"))

	rt.CleanupOnDisconnect("conn-1", testIdentity("u1"))

	assert.Empty(t, rt.Rooms("conn-1"))
	assert.NotContains(t, transport.GroupMembers("room-a"), "conn-1")
	assert.NotContains(t, transport.GroupMembers("room-b"), "conn-1")

	rec := transport.lastBroadcast()
	require.NotNil(t, rec)
	assert.Equal(t, models.MessageTypeUserLeft, rec.msg.Type)
	assert.Equal(t, "disconnected", rec.msg.Data["reason"])
}

func TestCleanupOnDisconnectUnknownConnection(t *testing.T) {
	rt, transport, _ := newTestRoomTracker(10)

	rt.CleanupOnDisconnect("ghost", testIdentity("u1"))
	assert.Zero(t, transport.broadcastCount())
}

func TestReconcileDropsTrackedButAbsent(t *testing.T) {
	rt, transport, store := newTestRoomTracker(10)
	store.allow("room-a", "u1")

	require.NoError(t, rt.JoinRoom(context.Background(), "conn-1", testIdentity("u1"), "room-a"))

	// Simulate transport-side loss of the group membership.
	transport.LeaveGroup("conn-1", "room-a")

	rt.Reconcile()

	assert.False(t, rt.IsMember("conn-1", "room-a"))
}

func TestReconcileEvictsPresentButUntracked(t *testing.T) {
	rt, transport, _ := newTestRoomTracker(10)

	// A group member the tracker never admitted.
	transport.JoinGroup("conn-rogue", "room-a")

	rt.Reconcile()

	assert.NotContains(t, transport.GroupMembers("room-a"), "conn-rogue")
}
