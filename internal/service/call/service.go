// Package call implements the signaling relay: it owns the call state
// machine, mediates every signaling message between the two participants of
// a 1:1 audio call, and drives unanswered calls to missed.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink-backend/internal/domain"
	"voicelink-backend/internal/presence"
	"voicelink-backend/internal/repository/cockroach"
	"voicelink-backend/pkg/config"
	"voicelink-backend/pkg/logger"
	"voicelink-backend/pkg/metrics"
	"voicelink-backend/pkg/resilience"
)

// Repository is the call record store contract the relay depends on.
type Repository interface {
	Create(ctx context.Context, call *domain.Call) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	UpdateStatus(ctx context.Context, call *domain.Call) error
	FindLiveByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
}

// Notifier is the push fallback contract. Implementations must be
// best-effort: failures are swallowed, never surfaced to the signaling path.
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, userID, callID, chatID, callerID uuid.UUID, callerName string)
	NotifyMissedCall(ctx context.Context, userID, callID, chatID, callerID uuid.UUID, callerName string)
	NotifyIfAbsent(ctx context.Context, userID uuid.UUID, title, body, deepLink string)
}

// InProgressError is returned by Initiate when the chat already has a live
// call. It carries the live call's ID so the caller can rejoin it.
type InProgressError struct {
	ExistingCallID uuid.UUID
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("call already in progress: %s", e.ExistingCallID)
}

// ErrSelfCall is returned when a caller tries to ring themselves.
var ErrSelfCall = errors.New("caller and recipient must be distinct")

// Service is the signaling relay. Each live call is owned by exactly one
// session goroutine; the service routes inbound signals and timer fires
// into the owning session's channel, so guard evaluation and transition
// are atomic with respect to concurrent messages for the same call.
type Service struct {
	repo       Repository
	registry   *presence.Registry
	notifier   Notifier
	supervisor *Supervisor
	cfg        config.CallConfig
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[uuid.UUID]*session

	chatMu    sync.Mutex
	chatGates map[uuid.UUID]*chatGate
}

// chatGate serializes initiates for one chat. Refcounted so the table does
// not grow with every chat ever seen.
type chatGate struct {
	mu   sync.Mutex
	refs int
}

// NewService creates the relay. metrics may be nil in tests.
func NewService(repo Repository, registry *presence.Registry, notifier Notifier, cfg config.CallConfig, m *metrics.Metrics) *Service {
	s := &Service{
		repo:      repo,
		registry:  registry,
		notifier:  notifier,
		cfg:       cfg,
		metrics:   m,
		sessions:  make(map[uuid.UUID]*session),
		chatGates: make(map[uuid.UUID]*chatGate),
	}
	s.supervisor = NewSupervisor(s.postTimeout)
	return s
}

// Initiate creates a call record for caller -> recipient in chat and starts
// the owning session. The recipient's connection receives an incoming-call
// event; an absent recipient gets the push fallback instead. The ring
// deadline is armed in both cases.
func (s *Service) Initiate(ctx context.Context, callerID, recipientID, chatID uuid.UUID, callerName string) (*domain.Call, error) {
	if callerID == recipientID {
		return nil, ErrSelfCall
	}

	// Serialize per chat so two racing initiates cannot both pass the
	// live-call check before either record exists.
	unlock := s.lockChat(chatID)
	defer unlock()

	if live, err := s.repo.FindLiveByChat(ctx, chatID); err == nil && live != nil {
		return nil, &InProgressError{ExistingCallID: live.CallID}
	} else if err != nil && !errors.Is(err, cockroach.ErrCallNotFound) {
		return nil, fmt.Errorf("failed to check for live call: %w", err)
	}

	call := &domain.Call{
		CallID:      uuid.New(),
		ChatID:      chatID,
		CallerID:    callerID,
		RecipientID: recipientID,
		Status:      domain.CallStatusInitiated,
		CreatedAt:   time.Now().UTC(),
	}

	err := resilience.Retry(ctx, s.retryPolicy(), "call_create", func() error {
		return s.repo.Create(ctx, call)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create call record: %w", err)
	}

	sess := newSession(s, call, callerName)
	s.mu.Lock()
	s.sessions[call.CallID] = sess
	s.mu.Unlock()
	go sess.run()

	s.supervisor.Arm(call.CallID, s.cfg.RingTimeout)
	sess.postRing()

	if s.metrics != nil {
		s.metrics.RecordCall("audio", string(domain.CallStatusInitiated))
		s.metrics.SetActiveCalls(s.sessionCount())
	}

	logger.Info("call initiated",
		zap.String("call_id", call.CallID.String()),
		zap.String("chat_id", chatID.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("recipient_id", recipientID.String()),
	)

	return call, nil
}

// Dispatch routes an inbound signaling message to the owning session.
// Messages for unknown or already-terminal calls are dropped and logged;
// the sender never receives a hard failure (no diagnostic oracle).
func (s *Service) Dispatch(sig *domain.Signal) {
	s.mu.Lock()
	sess, ok := s.sessions[sig.CallID]
	s.mu.Unlock()
	if !ok {
		logger.Warn("dropping signal for unknown call",
			zap.String("kind", sig.Kind.String()),
			zap.String("call_id", sig.CallID.String()),
			zap.String("sender_id", sig.SenderID.String()),
		)
		if s.metrics != nil {
			s.metrics.RecordSignalDropped(sig.Kind.String(), "unknown_call")
		}
		return
	}
	sess.postSignal(sig)
}

// GetCall returns a call record for status checks. Only participants may
// read a record.
func (s *Service) GetCall(ctx context.Context, callID, requesterID uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(requesterID) {
		return nil, cockroach.ErrCallNotFound
	}
	return call, nil
}

// GetUserCallHistory retrieves call history for a user, newest first.
func (s *Service) GetUserCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.repo.GetUserCalls(ctx, userID, limit, offset)
}

// postTimeout is the supervisor's fire callback. It posts into the owning
// session so the status re-check happens on the session goroutine, ordered
// with any concurrently arriving decline or answer.
func (s *Service) postTimeout(callID uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	s.mu.Unlock()
	if !ok {
		// Call already reached a terminal state; the late timer is harmless.
		return
	}
	sess.postTimeout()
}

// closeSession removes a finished session from the routing table.
func (s *Service) closeSession(callID uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, callID)
	s.mu.Unlock()
	s.supervisor.Cancel(callID)
	if s.metrics != nil {
		s.metrics.SetActiveCalls(s.sessionCount())
	}
}

// lockChat acquires the initiate gate for chatID and returns its release
// function.
func (s *Service) lockChat(chatID uuid.UUID) func() {
	s.chatMu.Lock()
	g, ok := s.chatGates[chatID]
	if !ok {
		g = &chatGate{}
		s.chatGates[chatID] = g
	}
	g.refs++
	s.chatMu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		s.chatMu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(s.chatGates, chatID)
		}
		s.chatMu.Unlock()
	}
}

func (s *Service) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) retryPolicy() resilience.RetryPolicy {
	p := resilience.DefaultPolicy()
	if s.cfg.PersistRetries > 0 {
		p.MaxAttempts = s.cfg.PersistRetries
	}
	return p
}
