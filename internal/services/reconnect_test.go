package services

import (
	"testing"
	"time"

	"realtime-core/internal/config"
	"realtime-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		Window:        time.Minute,
		MaxAttempts:   10,
		MinDelay:      100 * time.Millisecond,
		MaxDelay:      400 * time.Millisecond,
		GrowthFactor:  2.0,
		SweepInterval: time.Minute,
	}
}

func newTestReconnectionManager(cfg config.RecoveryConfig) (*ReconnectionManager, *fakeTransport) {
	transport := newFakeTransport()
	return NewReconnectionManager(transport, cfg, 64), transport
}

func TestDeriveSessionIDIsStable(t *testing.T) {
	a := DeriveSessionID("u1", "fp-1")
	b := DeriveSessionID("u1", "fp-1")
	c := DeriveSessionID("u1", "fp-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestReconnectRoundTrip(t *testing.T) {
	rm, _ := newTestReconnectionManager(defaultRecoveryConfig())

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)
	require.NotEmpty(t, sessionID)

	rm.OnDisconnect("conn-1", identity, models.ReasonTransportError)

	recovered, err := rm.AttemptReconnect("conn-2", sessionID, identity)
	require.NoError(t, err)
	assert.Equal(t, identity.UserID, recovered.UserID)
	assert.Equal(t, identity.Username, recovered.Username)
	assert.Equal(t, sessionID, recovered.SessionID)

	session, ok := rm.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, "conn-2", session.LastConnectionID)
	assert.Equal(t, models.ReasonTransportError, session.LastDisconnectWhy)
}

func TestReconnectUnknownSession(t *testing.T) {
	rm, _ := newTestReconnectionManager(defaultRecoveryConfig())

	_, err := rm.AttemptReconnect("conn-2", "bogus", testIdentity("u1"))
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestReconnectDeviceMismatch(t *testing.T) {
	rm, _ := newTestReconnectionManager(defaultRecoveryConfig())

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)

	imposter := identity
	imposter.DeviceFingerprint = "fp-stolen"

	_, err := rm.AttemptReconnect("conn-2", sessionID, imposter)
	require.Error(t, err)
	assert.True(t, models.IsAuthorization(err))

	// The genuine device can still recover.
	_, err = rm.AttemptReconnect("conn-2", sessionID, identity)
	assert.NoError(t, err)
}

func TestLongLivedConnectionStillRecovers(t *testing.T) {
	cfg := defaultRecoveryConfig()
	cfg.Window = 50 * time.Millisecond
	rm, _ := newTestReconnectionManager(cfg)

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)

	// The connection outlives the whole recovery window before dying.
	time.Sleep(70 * time.Millisecond)
	rm.OnDisconnect("conn-1", identity, models.ReasonPingTimeout)

	// The immediate reconnect lands on a refreshed session, not one
	// aged from the original connect.
	require.Equal(t, sessionID, rm.OnConnect("conn-2", identity))
	recovered, err := rm.AttemptReconnect("conn-2", sessionID, identity)
	require.NoError(t, err)
	assert.Equal(t, identity.UserID, recovered.UserID)
}

func TestSuccessfulReconnectRefreshesWindow(t *testing.T) {
	cfg := defaultRecoveryConfig()
	cfg.Window = 200 * time.Millisecond
	rm, _ := newTestReconnectionManager(cfg)

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)

	time.Sleep(120 * time.Millisecond)
	_, err := rm.AttemptReconnect("conn-2", sessionID, identity)
	require.NoError(t, err)

	// Well past the original window, but inside the refreshed one.
	time.Sleep(120 * time.Millisecond)
	_, err = rm.AttemptReconnect("conn-2", sessionID, identity)
	assert.NoError(t, err)
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	rm, _ := newTestReconnectionManager(defaultRecoveryConfig())

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)
	session, ok := rm.Session(sessionID)
	require.True(t, ok)

	boundary := session.RefreshedAt.Add(rm.cfg.Window)
	assert.True(t, rm.sessionExpired(session, boundary), "age == window is expired")
	assert.False(t, rm.sessionExpired(session, boundary.Add(-time.Nanosecond)))
}

func TestReconnectSessionExpiry(t *testing.T) {
	cfg := defaultRecoveryConfig()
	cfg.Window = 10 * time.Millisecond
	rm, _ := newTestReconnectionManager(cfg)

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)

	time.Sleep(20 * time.Millisecond)

	_, err := rm.AttemptReconnect("conn-2", sessionID, identity)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	// The expired session is gone; a retry now reports it as unknown.
	_, err = rm.AttemptReconnect("conn-2", sessionID, identity)
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestReconnectAttemptQuota(t *testing.T) {
	cfg := defaultRecoveryConfig()
	cfg.MaxAttempts = 3
	rm, _ := newTestReconnectionManager(cfg)

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)

	for i := 0; i < 3; i++ {
		_, err := rm.AttemptReconnect("conn-2", sessionID, identity)
		require.NoError(t, err)
	}

	_, err := rm.AttemptReconnect("conn-2", sessionID, identity)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	// A fresh connection carries its own attempt budget.
	_, err = rm.AttemptReconnect("conn-3", sessionID, identity)
	assert.NoError(t, err)
}

func TestOnConnectResetsAttemptCounters(t *testing.T) {
	cfg := defaultRecoveryConfig()
	cfg.MaxAttempts = 1
	rm, _ := newTestReconnectionManager(cfg)

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)

	_, err := rm.AttemptReconnect("conn-2", sessionID, identity)
	require.NoError(t, err)
	_, err = rm.AttemptReconnect("conn-2", sessionID, identity)
	require.Error(t, err)

	// A completed connect wipes the budget for that connection id.
	rm.OnConnect("conn-2", identity)
	_, err = rm.AttemptReconnect("conn-2", sessionID, identity)
	assert.NoError(t, err)
}

func TestReconnectableClassification(t *testing.T) {
	assert.False(t, Reconnectable(models.ReasonClientClose))
	assert.True(t, Reconnectable(models.ReasonServerShutdown))
	assert.True(t, Reconnectable(models.ReasonTransportError))
	assert.True(t, Reconnectable(models.ReasonPingTimeout))
	assert.True(t, Reconnectable(models.ReasonNamespaceClose))
	assert.False(t, Reconnectable("weird"))
}

func TestOnDisconnectSignalsRecoveryWindow(t *testing.T) {
	rm, transport := newTestReconnectionManager(defaultRecoveryConfig())

	identity := testIdentity("u1")
	rm.OnConnect("conn-1", identity)
	rm.OnDisconnect("conn-1", identity, models.ReasonPingTimeout)

	msg := transport.lastSentTo("conn-1")
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageTypeRecoveryWindow, msg.Type)
	assert.NotEmpty(t, msg.Data["session_id"])
}

func TestOnDisconnectFinalReasonSendsNothing(t *testing.T) {
	rm, transport := newTestReconnectionManager(defaultRecoveryConfig())

	identity := testIdentity("u1")
	rm.OnConnect("conn-1", identity)
	rm.OnDisconnect("conn-1", identity, models.ReasonClientClose)

	assert.Nil(t, transport.lastSentTo("conn-1"))
}

func TestNextDelayGrowsAndCaps(t *testing.T) {
	rm, _ := newTestReconnectionManager(defaultRecoveryConfig())

	within := func(d, base time.Duration) bool {
		// Up to 10% jitter on top of the base.
		return d >= base && d <= base+base/10
	}

	assert.True(t, within(rm.NextDelay("conn-1"), 100*time.Millisecond))
	assert.True(t, within(rm.NextDelay("conn-1"), 200*time.Millisecond))
	assert.True(t, within(rm.NextDelay("conn-1"), 400*time.Millisecond))
	// Capped at the max from here on.
	assert.True(t, within(rm.NextDelay("conn-1"), 400*time.Millisecond))

	// An unrelated connection starts from the minimum.
	assert.True(t, within(rm.NextDelay("conn-2"), 100*time.Millisecond))
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	cfg := defaultRecoveryConfig()
	cfg.Window = 5 * time.Millisecond
	rm, _ := newTestReconnectionManager(cfg)

	identity := testIdentity("u1")
	sessionID := rm.OnConnect("conn-1", identity)

	time.Sleep(10 * time.Millisecond)
	rm.sweepExpiredSessions()

	_, ok := rm.Session(sessionID)
	assert.False(t, ok)
}
