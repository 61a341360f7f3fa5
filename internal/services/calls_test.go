package services

import (
	"context"
	"testing"
	"time"

	"realtime-core/internal/config"
	"realtime-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callFixture struct {
	transport *fakeTransport
	store     *fakeStore
	registry  *Registry
	calls     *CallCoordinator
}

func newCallFixture(t *testing.T, cfg config.CallsConfig) *callFixture {
	t.Helper()

	transport := newFakeTransport()
	store := newFakeStore()
	registry := NewRegistry(transport, store, time.Minute, 64)
	cc := NewCallCoordinator(transport, store, registry, cfg, 64)

	require.NoError(t, registry.Register("conn-alice", testIdentity("alice")))
	require.NoError(t, registry.Register("conn-bob", testIdentity("bob")))

	return &callFixture{transport: transport, store: store, registry: registry, calls: cc}
}

func defaultCallsConfig() config.CallsConfig {
	return config.CallsConfig{
		AnswerTimeout: time.Minute,
		InitiatedTTL:  time.Minute,
		AcceptedTTL:   time.Minute,
		SweepInterval: time.Minute,
	}
}

func testOffer() *models.SDPPayload {
	return &models.SDPPayload{Type: "offer", SDP: "v=0 offer"}
}

func testAnswer() *models.SDPPayload {
	return &models.SDPPayload{Type: "answer", SDP: "v=0 answer"}
}

func TestInitiateValidation(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	_, err := fx.calls.Initiate("alice", "bob", "hologram", testOffer())
	assert.True(t, models.IsValidation(err))

	_, err = fx.calls.Initiate("alice", "bob", models.CallKindVideo, nil)
	assert.True(t, models.IsValidation(err))

	_, err = fx.calls.Initiate("alice", "bob", models.CallKindVideo, &models.SDPPayload{Type: "answer", SDP: "x"})
	assert.True(t, models.IsValidation(err))

	_, err = fx.calls.Initiate("alice", "alice", models.CallKindVideo, testOffer())
	assert.True(t, models.IsValidation(err))
}

func TestInitiateTargetOffline(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	_, err := fx.calls.Initiate("alice", "carol", models.CallKindAudio, testOffer())
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestInitiateDeliversIncomingCall(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	call, err := fx.calls.Initiate("alice", "bob", models.CallKindVideo, testOffer())
	require.NoError(t, err)
	assert.Equal(t, models.CallInitiated, call.Status)

	msg := fx.transport.lastSentTo("conn-bob")
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageTypeIncomingCall, msg.Type)
	assert.Equal(t, call.ID, msg.CallID)
	assert.Equal(t, "alice", msg.UserID)
	assert.Equal(t, "video", msg.Data["kind"])

	active, ok := fx.calls.ActiveCall("alice")
	require.True(t, ok)
	assert.Equal(t, call.ID, active.ID)
}

func TestInitiateWhileBusyFailsDeterministically(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())
	require.NoError(t, fx.registry.Register("conn-carol", testIdentity("carol")))

	_, err := fx.calls.Initiate("alice", "bob", models.CallKindAudio, testOffer())
	require.NoError(t, err)

	// Caller busy.
	_, err = fx.calls.Initiate("alice", "carol", models.CallKindAudio, testOffer())
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	// Target busy: bob is reserved from the moment alice's initiate
	// returned, before bob has even answered.
	_, err = fx.calls.Initiate("carol", "bob", models.CallKindAudio, testOffer())
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestAcceptOnlyReceiver(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	call, err := fx.calls.Initiate("alice", "bob", models.CallKindAudio, testOffer())
	require.NoError(t, err)

	err = fx.calls.Accept(call.ID, "alice", testAnswer())
	require.Error(t, err)
	assert.True(t, models.IsAuthorization(err))

	require.NoError(t, fx.calls.Accept(call.ID, "bob", testAnswer()))

	msg := fx.transport.lastSentTo("conn-alice")
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageTypeCallAnswered, msg.Type)

	// Accepting twice is a state error.
	err = fx.calls.Accept(call.ID, "bob", testAnswer())
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
}

func TestAcceptUnknownCall(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	err := fx.calls.Accept("no-such-call", "bob", testAnswer())
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestRejectReleasesParticipants(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	call, err := fx.calls.Initiate("alice", "bob", models.CallKindAudio, testOffer())
	require.NoError(t, err)

	err = fx.calls.Reject(context.Background(), call.ID, "alice")
	assert.True(t, models.IsAuthorization(err))

	require.NoError(t, fx.calls.Reject(context.Background(), call.ID, "bob"))

	msg := fx.transport.lastSentTo("conn-alice")
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageTypeCallRejected, msg.Type)

	_, ok := fx.calls.ActiveCall("alice")
	assert.False(t, ok)
	_, ok = fx.calls.ActiveCall("bob")
	assert.False(t, ok)

	entries := fx.store.loggedEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.CallRejected, entries[0].Status)
	assert.Zero(t, entries[0].Duration)

	// Both parties can place new calls immediately.
	_, err = fx.calls.Initiate("bob", "alice", models.CallKindAudio, testOffer())
	assert.NoError(t, err)
}

func TestRelayIceCandidate(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	call, err := fx.calls.Initiate("alice", "bob", models.CallKindVideo, testOffer())
	require.NoError(t, err)

	candidate := models.ICECandidate{Candidate: "candidate:1", SDPMid: "0"}

	err = fx.calls.RelayIceCandidate(call.ID, "carol", candidate)
	assert.True(t, models.IsAuthorization(err))

	require.NoError(t, fx.calls.RelayIceCandidate(call.ID, "alice", candidate))
	msg := fx.transport.lastSentTo("conn-bob")
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageTypeICE, msg.Type)
	assert.Equal(t, "alice", msg.UserID)

	require.NoError(t, fx.calls.End(context.Background(), call.ID, models.EndReasonHangup, "alice"))

	err = fx.calls.RelayIceCandidate(call.ID, "alice", candidate)
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestEndIsIdempotent(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	call, err := fx.calls.Initiate("alice", "bob", models.CallKindAudio, testOffer())
	require.NoError(t, err)
	require.NoError(t, fx.calls.Accept(call.ID, "bob", testAnswer()))

	require.NoError(t, fx.calls.End(context.Background(), call.ID, models.EndReasonHangup, "alice"))

	aliceMsg := fx.transport.lastSentTo("conn-alice")
	bobMsg := fx.transport.lastSentTo("conn-bob")
	require.NotNil(t, aliceMsg)
	require.NotNil(t, bobMsg)
	assert.Equal(t, models.MessageTypeCallEnded, aliceMsg.Type)
	assert.Equal(t, models.MessageTypeCallEnded, bobMsg.Type)

	entries := fx.store.loggedEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.CallEnded, entries[0].Status)
	assert.Equal(t, models.EndReasonHangup, entries[0].EndReason)
	assert.Greater(t, entries[0].Duration, time.Duration(0))

	// Ending again is a no-op, not an error, and writes no second entry.
	require.NoError(t, fx.calls.End(context.Background(), call.ID, models.EndReasonHangup, "alice"))
	assert.Len(t, fx.store.loggedEntries(), 1)
}

func TestEndByNonParticipant(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	call, err := fx.calls.Initiate("alice", "bob", models.CallKindAudio, testOffer())
	require.NoError(t, err)

	err = fx.calls.End(context.Background(), call.ID, models.EndReasonHangup, "carol")
	require.Error(t, err)
	assert.True(t, models.IsAuthorization(err))
}

func TestAnswerTimeoutExpiresCall(t *testing.T) {
	cfg := defaultCallsConfig()
	cfg.AnswerTimeout = 20 * time.Millisecond
	fx := newCallFixture(t, cfg)

	call, err := fx.calls.Initiate("alice", "bob", models.CallKindVideo, testOffer())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := fx.calls.ActiveCall("alice")
		return !ok
	}, time.Second, 5*time.Millisecond)

	entries := fx.store.loggedEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.EndReasonTimeout, entries[0].EndReason)
	assert.Zero(t, entries[0].Duration)

	aliceMsg := fx.transport.lastSentTo("conn-alice")
	require.NotNil(t, aliceMsg)
	assert.Equal(t, models.MessageTypeCallEnded, aliceMsg.Type)
	assert.Equal(t, models.EndReasonTimeout, aliceMsg.Data["reason"])

	// An accepted call must not be expired by a late timer.
	cfg2 := defaultCallsConfig()
	cfg2.AnswerTimeout = 20 * time.Millisecond
	fx2 := newCallFixture(t, cfg2)
	call, err = fx2.calls.Initiate("alice", "bob", models.CallKindVideo, testOffer())
	require.NoError(t, err)
	require.NoError(t, fx2.calls.Accept(call.ID, "bob", testAnswer()))

	time.Sleep(60 * time.Millisecond)
	active, ok := fx2.calls.ActiveCall("alice")
	require.True(t, ok)
	assert.Equal(t, models.CallAccepted, active.Status)
}

func TestSweepStaleCalls(t *testing.T) {
	cfg := defaultCallsConfig()
	cfg.InitiatedTTL = 10 * time.Millisecond
	fx := newCallFixture(t, cfg)

	_, err := fx.calls.Initiate("alice", "bob", models.CallKindAudio, testOffer())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	fx.calls.sweepStaleCalls()

	_, ok := fx.calls.ActiveCall("alice")
	assert.False(t, ok)

	entries := fx.store.loggedEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, models.EndReasonStale, entries[0].EndReason)
}

func TestEndActiveCallForUser(t *testing.T) {
	fx := newCallFixture(t, defaultCallsConfig())

	call, err := fx.calls.Initiate("alice", "bob", models.CallKindAudio, testOffer())
	require.NoError(t, err)
	require.NoError(t, fx.calls.Accept(call.ID, "bob", testAnswer()))

	fx.calls.EndActiveCallForUser(context.Background(), "bob", models.EndReasonHangup)

	_, ok := fx.calls.ActiveCall("alice")
	assert.False(t, ok)
	_, ok = fx.calls.ActiveCall("bob")
	assert.False(t, ok)

	// No active call: silently does nothing.
	fx.calls.EndActiveCallForUser(context.Background(), "bob", models.EndReasonHangup)
	assert.Len(t, fx.store.loggedEntries(), 1)
}
