package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink-backend/internal/domain"
	"voicelink-backend/pkg/logger"
	"voicelink-backend/pkg/resilience"
)

// sessionBuffer bounds the inbound queue of a single call. Signaling
// traffic for one call is a handful of messages; a full buffer means a
// misbehaving client and the overflow is dropped.
const sessionBuffer = 32

type sessionEvent struct {
	sig     *domain.Signal // nil for ring and timeout events
	ring    bool
	timeout bool
}

// session owns one call record from initiation to its terminal state. All
// reads and writes of the record happen on the run goroutine, so guard
// checks and transitions are serialized without locking.
type session struct {
	svc        *Service
	call       *domain.Call
	callerName string
	inbound    chan sessionEvent
	pushSent   bool
}

func newSession(svc *Service, call *domain.Call, callerName string) *session {
	return &session{
		svc:        svc,
		call:       call,
		callerName: callerName,
		inbound:    make(chan sessionEvent, sessionBuffer),
	}
}

func (s *session) postSignal(sig *domain.Signal) {
	select {
	case s.inbound <- sessionEvent{sig: sig}:
	default:
		logger.Warn("session inbound queue full, dropping signal",
			zap.String("call_id", s.call.CallID.String()),
			zap.String("kind", sig.Kind.String()),
		)
	}
}

func (s *session) postRing() {
	select {
	case s.inbound <- sessionEvent{ring: true}:
	default:
	}
}

func (s *session) postTimeout() {
	select {
	case s.inbound <- sessionEvent{timeout: true}:
	default:
	}
}

func (s *session) run() {
	for ev := range s.inbound {
		switch {
		case ev.ring:
			s.handleRing()
		case ev.timeout:
			s.handleTimeout()
		case ev.sig != nil:
			s.handleSignal(ev.sig)
		}
		if s.call.Status.IsTerminal() {
			s.svc.closeSession(s.call.CallID)
			return
		}
	}
}

// handleRing notifies the recipient that a call is waiting. A connected
// recipient gets the incoming-call event; an absent one gets the push
// fallback, once per call.
func (s *session) handleRing() {
	payload := EventPayload{
		CallID:     s.call.CallID,
		ChatID:     s.call.ChatID,
		SenderID:   s.call.CallerID,
		CallerName: s.callerName,
	}
	if !s.deliver(s.call.RecipientID, EventIncomingCall, payload) {
		s.pushFallback()
	}
}

func (s *session) handleTimeout() {
	// The status may have moved past ringing while the timer was in
	// flight; only a still-pending call becomes missed.
	if s.call.Status != domain.CallStatusInitiated && s.call.Status != domain.CallStatusRinging {
		return
	}
	s.transition(domain.CallStatusMissed, "timeout")

	payload := EventPayload{
		CallID:     s.call.CallID,
		ChatID:     s.call.ChatID,
		CallerName: s.callerName,
		Reason:     "timeout",
	}
	if !s.deliver(s.call.CallerID, EventCallMissed, payload) {
		s.unansweredPushFallback()
	}
	if !s.deliver(s.call.RecipientID, EventCallMissed, payload) {
		s.missedPushFallback()
	}
}

func (s *session) handleSignal(sig *domain.Signal) {
	if !s.call.IsParticipant(sig.SenderID) {
		s.drop(sig, "sender not a participant")
		return
	}

	switch sig.Kind {
	case domain.SignalOffer:
		s.handleOffer(sig)
	case domain.SignalAnswer:
		s.handleAnswer(sig)
	case domain.SignalICECandidate:
		s.handleCandidate(sig)
	case domain.SignalDecline:
		s.handleDecline(sig)
	case domain.SignalEnd:
		s.handleEnd(sig)
	case domain.SignalICERestart:
		s.handleICERestart(sig)
	default:
		s.drop(sig, "unknown signal kind")
	}
}

func (s *session) handleOffer(sig *domain.Signal) {
	if sig.SenderID != s.call.CallerID {
		s.drop(sig, "offer from non-caller")
		return
	}
	if s.call.Status != domain.CallStatusInitiated {
		s.drop(sig, "offer in state "+string(s.call.Status))
		return
	}
	s.transition(domain.CallStatusRinging, "")

	payload := EventPayload{
		CallID:     s.call.CallID,
		ChatID:     s.call.ChatID,
		SenderID:   sig.SenderID,
		CallerName: s.callerName,
		SDP:        sig.SDP,
	}
	if !s.deliver(s.call.RecipientID, EventCallOffer, payload) {
		s.pushFallback()
	}
	s.echo(sig.SenderID, EventCallOffer, payload)
}

func (s *session) handleAnswer(sig *domain.Signal) {
	if sig.SenderID != s.call.RecipientID {
		s.drop(sig, "answer from non-recipient")
		return
	}
	if s.call.Status != domain.CallStatusRinging {
		s.drop(sig, "answer in state "+string(s.call.Status))
		return
	}
	s.transition(domain.CallStatusAccepted, "")

	payload := EventPayload{
		CallID:   s.call.CallID,
		ChatID:   s.call.ChatID,
		SenderID: sig.SenderID,
		SDP:      sig.SDP,
	}
	s.deliver(s.call.CallerID, EventCallAccepted, payload)
	s.echo(sig.SenderID, EventCallAccepted, payload)
}

// handleCandidate forwards ICE candidates between the peers. The first
// candidate seen after accept doubles as the media-flow acknowledgment and
// moves the call to active, stamping its start time.
func (s *session) handleCandidate(sig *domain.Signal) {
	if s.call.Status.IsTerminal() {
		s.drop(sig, "candidate after terminal state")
		return
	}
	if s.call.Status == domain.CallStatusAccepted {
		now := time.Now().UTC()
		s.call.StartedAt = &now
		s.transition(domain.CallStatusActive, "")
	}

	payload := EventPayload{
		CallID:    s.call.CallID,
		ChatID:    s.call.ChatID,
		SenderID:  sig.SenderID,
		Candidate: sig.Candidate,
	}
	s.deliver(s.call.OtherParticipant(sig.SenderID), EventICECandidate, payload)
}

func (s *session) handleDecline(sig *domain.Signal) {
	if sig.SenderID != s.call.RecipientID {
		s.drop(sig, "decline from non-recipient")
		return
	}
	if s.call.Status != domain.CallStatusInitiated && s.call.Status != domain.CallStatusRinging {
		s.drop(sig, "decline in state "+string(s.call.Status))
		return
	}
	s.transition(domain.CallStatusRejected, "declined")

	payload := EventPayload{
		CallID:   s.call.CallID,
		ChatID:   s.call.ChatID,
		SenderID: sig.SenderID,
		Reason:   "declined",
	}
	s.deliver(s.call.CallerID, EventCallDeclined, payload)
	s.echo(sig.SenderID, EventCallDeclined, payload)
}

func (s *session) handleEnd(sig *domain.Signal) {
	if s.call.Status.IsTerminal() {
		s.drop(sig, "end after terminal state")
		return
	}
	now := time.Now().UTC()
	s.call.EndedAt = &now
	if s.call.StartedAt != nil {
		s.call.Duration = int(now.Sub(*s.call.StartedAt).Seconds())
	}
	reason := sig.Reason
	if reason == "" {
		reason = "hangup"
	}
	s.transition(domain.CallStatusEnded, reason)

	payload := EventPayload{
		CallID:   s.call.CallID,
		ChatID:   s.call.ChatID,
		SenderID: sig.SenderID,
		Reason:   reason,
		Duration: s.call.Duration,
	}
	s.deliver(s.call.OtherParticipant(sig.SenderID), EventCallEnded, payload)
	s.echo(sig.SenderID, EventCallEnded, payload)

	if s.svc.metrics != nil && s.call.StartedAt != nil {
		s.svc.metrics.RecordCallDuration("audio", now.Sub(*s.call.StartedAt))
	}
}

func (s *session) handleICERestart(sig *domain.Signal) {
	if s.call.Status != domain.CallStatusActive {
		s.drop(sig, "ice restart in state "+string(s.call.Status))
		return
	}
	payload := EventPayload{
		CallID:   s.call.CallID,
		ChatID:   s.call.ChatID,
		SenderID: sig.SenderID,
		SDP:      sig.SDP,
	}
	s.deliver(s.call.OtherParticipant(sig.SenderID), EventICERestart, payload)
}

// transition moves the owned record to next and persists it with bounded
// retries. Exhausted retries force the call to ended so both clients
// release their media rather than diverge from a stale record.
func (s *session) transition(next domain.CallStatus, endReason string) {
	prev := s.call.Status
	s.call.Status = next
	if next.IsTerminal() && s.call.EndedAt == nil {
		now := time.Now().UTC()
		s.call.EndedAt = &now
	}
	if endReason != "" {
		s.call.EndReason = endReason
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := resilience.Retry(ctx, s.svc.retryPolicy(), "call_update_status", func() error {
		return s.svc.repo.UpdateStatus(ctx, s.call)
	})
	if err != nil {
		logger.Error("failed to persist call transition, forcing end",
			zap.String("call_id", s.call.CallID.String()),
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Error(err),
		)
		s.forceEnd()
		return
	}

	if s.svc.metrics != nil {
		s.svc.metrics.RecordCall("audio", string(next))
	}
	logger.Info("call transition",
		zap.String("call_id", s.call.CallID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
}

// forceEnd terminates the call after a persistence failure. The final
// write is best effort; both participants are told the call is over.
func (s *session) forceEnd() {
	now := time.Now().UTC()
	s.call.Status = domain.CallStatusEnded
	s.call.EndedAt = &now
	s.call.EndReason = "internal_error"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.svc.repo.UpdateStatus(ctx, s.call); err != nil {
		logger.Error("best-effort final persist failed",
			zap.String("call_id", s.call.CallID.String()),
			zap.Error(err),
		)
	}

	payload := EventPayload{
		CallID: s.call.CallID,
		ChatID: s.call.ChatID,
		Reason: "internal_error",
	}
	s.deliver(s.call.CallerID, EventCallEnded, payload)
	s.deliver(s.call.RecipientID, EventCallEnded, payload)
}

// deliver sends an event to userID's live connection. Returns false when
// the user has no connection or the connection's send buffer is full.
func (s *session) deliver(userID uuid.UUID, eventType string, payload EventPayload) bool {
	return s.svc.deliverEvent(userID, eventType, payload)
}

// echo replays every accepted transition back to its sender so both ends
// converge on the same view of the call.
func (s *session) echo(senderID uuid.UUID, eventType string, payload EventPayload) {
	s.svc.deliverEvent(senderID, eventType, payload)
}

func (s *session) pushFallback() {
	if s.pushSent {
		return
	}
	s.pushSent = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.svc.notifier.NotifyIncomingCall(ctx, s.call.RecipientID,
		s.call.CallID, s.call.ChatID, s.call.CallerID, s.displayName())
	if s.svc.metrics != nil {
		s.svc.metrics.RecordPushFallback("incoming_call")
	}
}

func (s *session) missedPushFallback() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.svc.notifier.NotifyMissedCall(ctx, s.call.RecipientID,
		s.call.CallID, s.call.ChatID, s.call.CallerID, s.displayName())
	if s.svc.metrics != nil {
		s.svc.metrics.RecordPushFallback("missed_call")
	}
}

// unansweredPushFallback tells an absent caller their call went unanswered.
func (s *session) unansweredPushFallback() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.svc.notifier.NotifyIfAbsent(ctx, s.call.CallerID,
		"Call not answered",
		"Your call was not answered",
		deepLink(s.call.CallID, s.call.ChatID),
	)
	if s.svc.metrics != nil {
		s.svc.metrics.RecordPushFallback("unanswered_call")
	}
}

func (s *session) displayName() string {
	if s.callerName == "" {
		return "Someone"
	}
	return s.callerName
}

func (s *session) drop(sig *domain.Signal, reason string) {
	logger.Warn("dropping signal",
		zap.String("call_id", s.call.CallID.String()),
		zap.String("kind", sig.Kind.String()),
		zap.String("sender_id", sig.SenderID.String()),
		zap.String("reason", reason),
	)
	if s.svc.metrics != nil {
		s.svc.metrics.RecordSignalDropped(sig.Kind.String(), "guard")
	}
}
