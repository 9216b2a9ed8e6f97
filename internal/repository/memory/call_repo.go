// Package memory provides in-memory repository implementations used by
// tests and by services running without a database connection.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"voicelink-backend/internal/domain"
	"voicelink-backend/internal/repository/cockroach"
)

// CallRepository is an in-memory call record store. Safe for concurrent use.
type CallRepository struct {
	mu      sync.RWMutex
	calls   map[uuid.UUID]*domain.Call
	history map[uuid.UUID][]domain.CallStatus
}

// NewCallRepository creates an empty in-memory call repository.
func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls:   make(map[uuid.UUID]*domain.Call),
		history: make(map[uuid.UUID][]domain.CallStatus),
	}
}

// Create inserts a new call record.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *call
	r.calls[call.CallID] = &cp
	r.history[call.CallID] = []domain.CallStatus{call.Status}
	return nil
}

// GetByID retrieves a call by ID.
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	call, ok := r.calls[callID]
	if !ok {
		return nil, cockroach.ErrCallNotFound
	}
	cp := *call
	return &cp, nil
}

// UpdateStatus overwrites the stored record's status and lifecycle fields.
func (r *CallRepository) UpdateStatus(ctx context.Context, call *domain.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.calls[call.CallID]
	if !ok {
		return cockroach.ErrCallNotFound
	}
	stored.Status = call.Status
	stored.StartedAt = call.StartedAt
	stored.EndedAt = call.EndedAt
	stored.Duration = call.Duration
	stored.EndReason = call.EndReason
	r.history[call.CallID] = append(r.history[call.CallID], call.Status)
	return nil
}

// StatusHistory returns every status a call has been persisted with, in
// order, starting with the status it was created at.
func (r *CallRepository) StatusHistory(callID uuid.UUID) []domain.CallStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.CallStatus, len(r.history[callID]))
	copy(out, r.history[callID])
	return out
}

// FindLiveByChat returns the newest non-terminal call for a chat.
func (r *CallRepository) FindLiveByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var live *domain.Call
	for _, call := range r.calls {
		if call.ChatID != chatID || !call.Status.IsLive() {
			continue
		}
		if live == nil || call.CreatedAt.After(live.CreatedAt) {
			live = call
		}
	}
	if live == nil {
		return nil, cockroach.ErrCallNotFound
	}
	cp := *live
	return &cp, nil
}

// GetUserCalls returns call history for a user, newest first.
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var calls []*domain.Call
	for _, call := range r.calls {
		if call.CallerID == userID || call.RecipientID == userID {
			cp := *call
			calls = append(calls, &cp)
		}
	}
	// insertion sort by CreatedAt desc; history sets are small in tests
	for i := 1; i < len(calls); i++ {
		for j := i; j > 0 && calls[j].CreatedAt.After(calls[j-1].CreatedAt); j-- {
			calls[j], calls[j-1] = calls[j-1], calls[j]
		}
	}
	if offset >= len(calls) {
		return nil, nil
	}
	calls = calls[offset:]
	if limit > 0 && limit < len(calls) {
		calls = calls[:limit]
	}
	return calls, nil
}
