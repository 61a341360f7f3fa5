package services

import (
	"testing"
	"time"

	"realtime-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(interval time.Duration) (*Registry, *fakeTransport, *fakeStore) {
	transport := newFakeTransport()
	store := newFakeStore()
	return NewRegistry(transport, store, interval, 64), transport, store
}

func TestRegisterRejectsIncompleteIdentity(t *testing.T) {
	r, _, _ := newTestRegistry(time.Second)

	err := r.Register("conn-1", models.ConnectionIdentity{Username: "alice"})
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	err = r.Register("conn-1", models.ConnectionIdentity{UserID: "u1"})
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestRegisterMarksUserOnline(t *testing.T) {
	r, _, store := newTestRegistry(time.Second)

	require.NoError(t, r.Register("conn-1", testIdentity("u1")))

	assert.True(t, r.IsUserOnline("u1"))
	connID, ok := r.OnlineConnection("u1")
	require.True(t, ok)
	assert.Equal(t, "conn-1", connID)

	health, ok := r.Health("conn-1")
	require.True(t, ok)
	assert.Equal(t, models.HealthHealthy, health.Status)

	assert.True(t, store.isOnline("u1"))
}

func TestRegisterFiresLifecycleEvent(t *testing.T) {
	r, _, _ := newTestRegistry(time.Second)

	var events []string
	r.OnEvent(func(event string, identity models.ConnectionIdentity) {
		events = append(events, event+":"+identity.UserID)
	})

	require.NoError(t, r.Register("conn-1", testIdentity("u1")))
	require.NoError(t, r.Unregister("conn-1", models.ReasonClientClose))

	assert.Equal(t, []string{"user.connected:u1", "user.disconnected:u1"}, events)
}

func TestHeartbeatTickMarksMissedConnectionUnhealthy(t *testing.T) {
	interval := 5 * time.Millisecond
	r, transport, _ := newTestRegistry(interval)

	require.NoError(t, r.Register("conn-1", testIdentity("u1")))

	// Let more than two intervals pass without a pong.
	time.Sleep(3 * interval)
	r.heartbeatTick("conn-1")

	health, ok := r.Health("conn-1")
	require.True(t, ok)
	assert.Equal(t, models.HealthUnhealthy, health.Status)

	// The tick still sent a heartbeat; unhealthy never disconnects.
	msgs := transport.sentTo("conn-1")
	require.NotEmpty(t, msgs)
	assert.Equal(t, models.MessageTypeHeartbeat, msgs[len(msgs)-1].Type)
	assert.True(t, r.IsUserOnline("u1"))
}

func TestPongRestoresHealthAndRecordsLatency(t *testing.T) {
	interval := 5 * time.Millisecond
	r, _, _ := newTestRegistry(interval)

	require.NoError(t, r.Register("conn-1", testIdentity("u1")))

	time.Sleep(3 * interval)
	r.heartbeatTick("conn-1")
	health, _ := r.Health("conn-1")
	require.Equal(t, models.HealthUnhealthy, health.Status)

	r.HandlePong("conn-1", time.Now().Add(-40*time.Millisecond))

	health, ok := r.Health("conn-1")
	require.True(t, ok)
	assert.Equal(t, models.HealthHealthy, health.Status)
	assert.GreaterOrEqual(t, health.Latency, 40*time.Millisecond)
}

func TestMarkAliveKeepsLatency(t *testing.T) {
	r, _, _ := newTestRegistry(time.Second)
	require.NoError(t, r.Register("conn-1", testIdentity("u1")))

	r.HandlePong("conn-1", time.Now().Add(-10*time.Millisecond))
	before, _ := r.Health("conn-1")

	r.MarkAlive("conn-1")
	after, _ := r.Health("conn-1")

	// Transport pongs carry no timestamp; the last latency sample stays.
	assert.Equal(t, before.Latency, after.Latency)
	assert.Equal(t, models.HealthHealthy, after.Status)
}

func TestHandlePingEchoesPayload(t *testing.T) {
	r, _, _ := newTestRegistry(time.Second)
	require.NoError(t, r.Register("conn-1", testIdentity("u1")))

	payload := map[string]interface{}{"seq": 7}
	ack := r.HandlePing("conn-1", payload)

	require.NotNil(t, ack)
	assert.Equal(t, models.MessageTypePong, ack.Type)
	assert.Equal(t, payload, ack.Data)
}

func TestUnregisterClearsPresence(t *testing.T) {
	r, _, store := newTestRegistry(time.Second)

	require.NoError(t, r.Register("conn-1", testIdentity("u1")))
	require.NoError(t, r.Unregister("conn-1", models.ReasonClientClose))

	assert.False(t, r.IsUserOnline("u1"))
	assert.False(t, store.isOnline("u1"))
	_, ok := r.Health("conn-1")
	assert.False(t, ok)
}

func TestUnregisterStaleGuard(t *testing.T) {
	r, _, store := newTestRegistry(time.Second)

	// A reconnect replaces the user's connection before the old socket
	// finishes tearing down.
	require.NoError(t, r.Register("conn-old", testIdentity("u1")))
	require.NoError(t, r.Register("conn-new", testIdentity("u1")))

	require.NoError(t, r.Unregister("conn-old", models.ReasonTransportError))

	// The stale disconnect must not evict the newer connection.
	assert.True(t, r.IsUserOnline("u1"))
	connID, _ := r.OnlineConnection("u1")
	assert.Equal(t, "conn-new", connID)
	assert.True(t, store.isOnline("u1"))

	require.NoError(t, r.Unregister("conn-new", models.ReasonClientClose))
	assert.False(t, r.IsUserOnline("u1"))
	assert.False(t, store.isOnline("u1"))
}

func TestUnregisterUnknownConnection(t *testing.T) {
	r, _, _ := newTestRegistry(time.Second)

	err := r.Unregister("nope", models.ReasonClientClose)
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestStartHeartbeatStops(t *testing.T) {
	r, transport, _ := newTestRegistry(5 * time.Millisecond)
	require.NoError(t, r.Register("conn-1", testIdentity("u1")))

	handle := r.StartHeartbeat("conn-1")
	require.Eventually(t, func() bool {
		return len(transport.sentTo("conn-1")) > 0
	}, time.Second, time.Millisecond)

	handle.Stop()
	handle.Stop() // idempotent

	count := len(transport.sentTo("conn-1"))
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, len(transport.sentTo("conn-1")), count+1)
}
