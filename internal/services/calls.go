package services

import (
	"context"
	"sync"
	"time"

	"realtime-core/internal/cache"
	"realtime-core/internal/config"
	"realtime-core/internal/metrics"
	"realtime-core/internal/models"
	"realtime-core/internal/utils"

	"go.uber.org/zap"
)

// CallCoordinator runs the per-call state machine and relays WebRTC
// signaling payloads between the two participants. At most one
// non-terminal call may exist per user; both parties are reserved under
// the coordinator lock before any other work, so a racing second initiate
// fails deterministically.
type CallCoordinator struct {
	mu        sync.Mutex
	calls     *cache.LRU        // call id -> *models.CallSession
	userCalls map[string]string // user id -> call id, both participants

	transport Transport
	store     Persistence
	registry  *Registry
	cfg       config.CallsConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCallCoordinator creates a call coordinator.
func NewCallCoordinator(transport Transport, store Persistence, registry *Registry, cfg config.CallsConfig, caps int) *CallCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	cc := &CallCoordinator{
		calls:     cache.NewLRU(caps),
		userCalls: make(map[string]string),
		transport: transport,
		store:     store,
		registry:  registry,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}

	// A capacity eviction abandons the call; release the participants so
	// they can place new calls. calls.Set only runs under cc.mu, so the
	// callback already holds the coordinator lock.
	cc.calls.OnEvict(func(_ string, value interface{}) {
		call := value.(*models.CallSession)
		cc.releaseParticipantsLocked(call)
		metrics.ActiveCalls.Dec()
		utils.Warn("Active call evicted at capacity",
			zap.String("call_id", call.ID),
			zap.String("caller_id", call.CallerID))
	})

	return cc
}

// Start launches the stale-call sweep.
func (cc *CallCoordinator) Start() {
	cc.wg.Add(1)
	go cc.sweepTask()
}

// Initiate creates a call in the initiated state and forwards the offer to
// the target. The target-online check reads the registry's in-memory map,
// so the whole reservation is non-suspending and the at-most-one-active-call
// invariant holds strictly.
func (cc *CallCoordinator) Initiate(callerID, targetID string, kind models.CallKind, offer *models.SDPPayload) (*models.CallSession, error) {
	if kind != models.CallKindAudio && kind != models.CallKindVideo {
		return nil, models.NewValidationError("invalid call kind: %s", kind)
	}
	if err := validateSDP(offer, "offer"); err != nil {
		return nil, err
	}
	if targetID == "" || targetID == callerID {
		return nil, models.NewValidationError("invalid call target")
	}

	cc.mu.Lock()
	if callID, busy := cc.userCalls[callerID]; busy {
		cc.mu.Unlock()
		return nil, models.NewValidationError("caller already in call %s", callID)
	}
	if callID, busy := cc.userCalls[targetID]; busy {
		cc.mu.Unlock()
		return nil, models.NewValidationError("target already in call %s", callID)
	}
	if !cc.registry.IsUserOnline(targetID) {
		cc.mu.Unlock()
		return nil, models.NewNotFoundError("target user not online: %s", targetID)
	}

	call := models.NewCallSession(callerID, targetID, kind, offer)
	cc.calls.Set(call.ID, call)
	cc.userCalls[callerID] = call.ID
	cc.userCalls[targetID] = call.ID
	cc.mu.Unlock()
	metrics.ActiveCalls.Inc()

	cc.sendToUser(targetID, &models.WebSocketMessage{
		Type:      models.MessageTypeIncomingCall,
		UserID:    callerID,
		TargetID:  targetID,
		CallID:    call.ID,
		Timestamp: time.Now(),
		MessageID: call.ID,
		Data: map[string]interface{}{
			"kind":  string(kind),
			"offer": offer,
		},
	})

	// Acceptance timeout. The callback re-validates state: a call that
	// moved on before the timer fired is left alone.
	callID := call.ID
	time.AfterFunc(cc.cfg.AnswerTimeout, func() {
		cc.expireIfStillInitiated(callID)
	})

	utils.Info("Call initiated",
		zap.String("call_id", call.ID),
		zap.String("caller_id", callerID),
		zap.String("target_id", targetID),
		zap.String("kind", string(kind)))

	return call, nil
}

// Accept transitions a ringing call to accepted and relays the answer to
// the caller. Only the designated receiver may accept.
func (cc *CallCoordinator) Accept(callID, actorID string, answer *models.SDPPayload) error {
	if err := validateSDP(answer, "answer"); err != nil {
		return err
	}

	cc.mu.Lock()
	call, err := cc.callLocked(callID)
	if err != nil {
		cc.mu.Unlock()
		return err
	}
	if actorID != call.ReceiverID {
		cc.mu.Unlock()
		return models.NewAuthorizationError("only the receiver may accept call %s", callID)
	}
	if call.Status != models.CallInitiated {
		cc.mu.Unlock()
		return models.NewValidationError("call %s is %s, cannot accept", callID, call.Status)
	}

	now := time.Now()
	call.Status = models.CallAccepted
	call.AcceptedAt = &now
	call.Answer = answer
	callerID := call.CallerID
	cc.mu.Unlock()

	cc.sendToUser(callerID, &models.WebSocketMessage{
		Type:      models.MessageTypeCallAnswered,
		UserID:    actorID,
		CallID:    callID,
		Timestamp: now,
		MessageID: callID,
		Data: map[string]interface{}{
			"answer": answer,
		},
	})

	utils.Info("Call accepted",
		zap.String("call_id", callID),
		zap.String("receiver_id", actorID))

	return nil
}

// Reject declines a ringing call. Receiver-only; rejected calls are not
// retained in active tracking.
func (cc *CallCoordinator) Reject(ctx context.Context, callID, actorID string) error {
	cc.mu.Lock()
	call, err := cc.callLocked(callID)
	if err != nil {
		cc.mu.Unlock()
		return err
	}
	if actorID != call.ReceiverID {
		cc.mu.Unlock()
		return models.NewAuthorizationError("only the receiver may reject call %s", callID)
	}
	if call.Status != models.CallInitiated {
		cc.mu.Unlock()
		return models.NewValidationError("call %s is %s, cannot reject", callID, call.Status)
	}

	now := time.Now()
	call.Status = models.CallRejected
	call.EndedAt = &now
	call.EndedBy = actorID
	cc.removeLocked(call)
	callerID := call.CallerID
	cc.mu.Unlock()

	cc.sendToUser(callerID, &models.WebSocketMessage{
		Type:      models.MessageTypeCallRejected,
		UserID:    actorID,
		CallID:    callID,
		Timestamp: now,
		MessageID: callID,
	})

	cc.appendLog(ctx, call)

	utils.Info("Call rejected",
		zap.String("call_id", callID),
		zap.String("receiver_id", actorID))

	return nil
}

// RelayIceCandidate forwards an ICE candidate to the other participant.
// Valid only while the call is initiated or accepted; candidates
// accumulate per side for diagnostics.
func (cc *CallCoordinator) RelayIceCandidate(callID, actorID string, candidate models.ICECandidate) error {
	cc.mu.Lock()
	call, err := cc.callLocked(callID)
	if err != nil {
		cc.mu.Unlock()
		return err
	}
	if call.Status.Terminal() {
		cc.mu.Unlock()
		return models.NewValidationError("call %s is %s, cannot relay candidates", callID, call.Status)
	}

	var peerID string
	switch actorID {
	case call.CallerID:
		call.CallerCandidates = append(call.CallerCandidates, candidate)
		peerID = call.ReceiverID
	case call.ReceiverID:
		call.ReceiverCandidates = append(call.ReceiverCandidates, candidate)
		peerID = call.CallerID
	default:
		cc.mu.Unlock()
		return models.NewAuthorizationError("user %s is not a participant of call %s", actorID, callID)
	}
	cc.mu.Unlock()

	cc.sendToUser(peerID, &models.WebSocketMessage{
		Type:      models.MessageTypeICE,
		UserID:    actorID,
		CallID:    callID,
		Timestamp: time.Now(),
		MessageID: callID,
		Data: map[string]interface{}{
			"candidate": candidate,
		},
	})

	return nil
}

// End terminates a call. Ending an already-absent call is a no-op, not an
// error. Duration is accept-to-end, zero if never accepted. A call-log
// entry is written best-effort and both participants are notified.
func (cc *CallCoordinator) End(ctx context.Context, callID, reason, endedBy string) error {
	cc.mu.Lock()
	v, ok := cc.calls.Peek(callID)
	if !ok {
		cc.mu.Unlock()
		return nil
	}
	call := v.(*models.CallSession)

	if endedBy != "" && endedBy != call.CallerID && endedBy != call.ReceiverID {
		cc.mu.Unlock()
		return models.NewAuthorizationError("user %s is not a participant of call %s", endedBy, callID)
	}

	cc.finishLocked(call, reason, endedBy)
	cc.mu.Unlock()

	cc.notifyEnded(call, reason)
	cc.appendLog(ctx, call)

	utils.Info("Call ended",
		zap.String("call_id", callID),
		zap.String("reason", reason),
		zap.Duration("duration", call.Duration()))

	return nil
}

// EndActiveCallForUser tears down whatever call a disconnecting user was
// part of. No-op when the user has no active call.
func (cc *CallCoordinator) EndActiveCallForUser(ctx context.Context, userID, reason string) {
	cc.mu.Lock()
	callID, ok := cc.userCalls[userID]
	cc.mu.Unlock()
	if !ok {
		return
	}

	if err := cc.End(ctx, callID, reason, userID); err != nil {
		utils.Warn("Failed to end call on disconnect",
			zap.Error(err),
			zap.String("call_id", callID),
			zap.String("user_id", userID))
	}
}

// ActiveCall returns the active call session for a user, if any.
func (cc *CallCoordinator) ActiveCall(userID string) (*models.CallSession, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	callID, ok := cc.userCalls[userID]
	if !ok {
		return nil, false
	}
	v, ok := cc.calls.Peek(callID)
	if !ok {
		return nil, false
	}
	return v.(*models.CallSession), true
}

// expireIfStillInitiated is the acceptance-timeout callback.
func (cc *CallCoordinator) expireIfStillInitiated(callID string) {
	cc.mu.Lock()
	v, ok := cc.calls.Peek(callID)
	if !ok {
		cc.mu.Unlock()
		return
	}
	call := v.(*models.CallSession)
	if call.Status != models.CallInitiated {
		cc.mu.Unlock()
		return
	}
	cc.finishLocked(call, models.EndReasonTimeout, "")
	cc.mu.Unlock()

	cc.notifyEnded(call, models.EndReasonTimeout)
	cc.appendLog(cc.ctx, call)

	utils.Info("Call timed out waiting for answer",
		zap.String("call_id", callID),
		zap.String("caller_id", call.CallerID))
}

// finishLocked moves a call to ended and removes it from active tracking.
// Caller holds cc.mu.
func (cc *CallCoordinator) finishLocked(call *models.CallSession, reason, endedBy string) {
	now := time.Now()
	call.Status = models.CallEnded
	call.EndedAt = &now
	call.EndReason = reason
	call.EndedBy = endedBy
	cc.removeLocked(call)
}

// removeLocked drops a call from active tracking. Caller holds cc.mu and
// has already set the terminal status.
func (cc *CallCoordinator) removeLocked(call *models.CallSession) {
	cc.calls.Delete(call.ID)
	cc.releaseParticipantsLocked(call)
	metrics.ActiveCalls.Dec()
	metrics.CallsTotal.WithLabelValues(string(call.Status)).Inc()
}

func (cc *CallCoordinator) releaseParticipantsLocked(call *models.CallSession) {
	if cc.userCalls[call.CallerID] == call.ID {
		delete(cc.userCalls, call.CallerID)
	}
	if cc.userCalls[call.ReceiverID] == call.ID {
		delete(cc.userCalls, call.ReceiverID)
	}
}

func (cc *CallCoordinator) callLocked(callID string) (*models.CallSession, error) {
	v, ok := cc.calls.Peek(callID)
	if !ok {
		return nil, models.NewNotFoundError("call not found: %s", callID)
	}
	return v.(*models.CallSession), nil
}

func (cc *CallCoordinator) notifyEnded(call *models.CallSession, reason string) {
	msg := func() *models.WebSocketMessage {
		return &models.WebSocketMessage{
			Type:      models.MessageTypeCallEnded,
			CallID:    call.ID,
			Timestamp: time.Now(),
			MessageID: call.ID,
			Data: map[string]interface{}{
				"reason":      reason,
				"duration_ms": call.Duration().Milliseconds(),
				"ended_by":    call.EndedBy,
			},
		}
	}
	cc.sendToUser(call.CallerID, msg())
	cc.sendToUser(call.ReceiverID, msg())
}

// appendLog writes the durable call-log record. Failures are logged, never
// propagated: the in-memory state machine already moved on.
func (cc *CallCoordinator) appendLog(ctx context.Context, call *models.CallSession) {
	endedAt := time.Now()
	if call.EndedAt != nil {
		endedAt = *call.EndedAt
	}

	entry := &models.CallLogEntry{
		CallID:     call.ID,
		CallerID:   call.CallerID,
		ReceiverID: call.ReceiverID,
		Kind:       call.Kind,
		Status:     call.Status,
		StartedAt:  call.StartedAt,
		EndedAt:    endedAt,
		Duration:   call.Duration(),
		EndReason:  call.EndReason,
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	if err := cc.store.AppendCallLogEntry(ctx, entry); err != nil {
		utils.Warn("Failed to append call log entry",
			zap.Error(err),
			zap.String("call_id", call.ID))
	}
}

func (cc *CallCoordinator) sendToUser(userID string, msg *models.WebSocketMessage) {
	connID, ok := cc.registry.OnlineConnection(userID)
	if !ok {
		utils.Debug("Signaling target offline",
			zap.String("user_id", userID),
			zap.String("message_type", string(msg.Type)))
		return
	}
	if err := cc.transport.SendToConnection(connID, msg); err != nil {
		utils.Debug("Signaling send failed",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("message_type", string(msg.Type)))
	}
}

func (cc *CallCoordinator) sweepTask() {
	defer cc.wg.Done()

	ticker := time.NewTicker(cc.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cc.ctx.Done():
			return
		case <-ticker.C:
			cc.sweepStaleCalls()
		}
	}
}

// sweepStaleCalls removes calls that were never explicitly ended. A
// crashed client leaves no disconnect signal the coordinator observes
// directly, so initiated calls older than the initiated TTL and accepted
// calls older than the accepted TTL are treated as ended(stale).
func (cc *CallCoordinator) sweepStaleCalls() {
	now := time.Now()

	cc.mu.Lock()
	var stale []*models.CallSession
	for _, callID := range cc.calls.Keys() {
		v, ok := cc.calls.Peek(callID)
		if !ok {
			continue
		}
		call := v.(*models.CallSession)
		switch call.Status {
		case models.CallInitiated:
			if now.Sub(call.StartedAt) > cc.cfg.InitiatedTTL {
				stale = append(stale, call)
			}
		case models.CallAccepted:
			if call.AcceptedAt != nil && now.Sub(*call.AcceptedAt) > cc.cfg.AcceptedTTL {
				stale = append(stale, call)
			}
		}
	}
	for _, call := range stale {
		cc.finishLocked(call, models.EndReasonStale, "")
	}
	cc.mu.Unlock()

	for _, call := range stale {
		cc.notifyEnded(call, models.EndReasonStale)
		cc.appendLog(cc.ctx, call)
	}

	if len(stale) > 0 {
		utils.Info("Swept stale calls", zap.Int("count", len(stale)))
	}
}

// GetStats returns active-call counters for observability.
func (cc *CallCoordinator) GetStats() map[string]interface{} {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	return map[string]interface{}{
		"active_calls":  cc.calls.Len(),
		"users_in_call": len(cc.userCalls),
	}
}

// Close stops the stale-call sweep.
func (cc *CallCoordinator) Close() {
	cc.cancel()
	cc.wg.Wait()
}

func validateSDP(payload *models.SDPPayload, wantType string) error {
	if payload == nil {
		return models.NewValidationError("missing %s payload", wantType)
	}
	if payload.SDP == "" {
		return models.NewValidationError("%s payload missing sdp", wantType)
	}
	if payload.Type != wantType {
		return models.NewValidationError("%s payload has wrong type %q", wantType, payload.Type)
	}
	return nil
}
