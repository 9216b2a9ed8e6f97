package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicelink-backend/internal/domain"
)

// ErrCallNotFound is returned when a call ID does not resolve to a record.
var ErrCallNotFound = errors.New("call not found")

// CallRepository handles call record persistence
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, chat_id, caller_id, recipient_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.ChatID,
		call.CallerID,
		call.RecipientID,
		call.Status,
		call.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, chat_id, caller_id, recipient_id, status,
		       created_at, started_at, ended_at, duration, end_reason
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.Call{}
	var endReason *string
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.ChatID,
		&call.CallerID,
		&call.RecipientID,
		&call.Status,
		&call.CreatedAt,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
		&endReason,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	if endReason != nil {
		call.EndReason = *endReason
	}

	return call, nil
}

// UpdateStatus updates call status plus the lifecycle timestamps that were
// set on the given record (started_at, ended_at, duration, end_reason).
func (r *CallRepository) UpdateStatus(ctx context.Context, call *domain.Call) error {
	query := `
		UPDATE calls
		SET status = $2,
		    started_at = $3,
		    ended_at = $4,
		    duration = $5,
		    end_reason = $6
		WHERE call_id = $1
	`

	var endReason *string
	if call.EndReason != "" {
		endReason = &call.EndReason
	}

	tag, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.Status,
		call.StartedAt,
		call.EndedAt,
		call.Duration,
		endReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCallNotFound
	}

	return nil
}

// FindLiveByChat retrieves the live call for a chat, if any. At most one
// exists by invariant; ties from historical bad data resolve to the newest.
func (r *CallRepository) FindLiveByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, chat_id, caller_id, recipient_id, status,
		       created_at, started_at, ended_at, duration, end_reason
		FROM calls
		WHERE chat_id = $1
		  AND status IN ('initiated', 'ringing', 'accepted', 'active')
		ORDER BY created_at DESC
		LIMIT 1
	`

	call := &domain.Call{}
	var endReason *string
	err := r.pool.QueryRow(ctx, query, chatID).Scan(
		&call.CallID,
		&call.ChatID,
		&call.CallerID,
		&call.RecipientID,
		&call.Status,
		&call.CreatedAt,
		&call.StartedAt,
		&call.EndedAt,
		&call.Duration,
		&endReason,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to find live call: %w", err)
	}
	if endReason != nil {
		call.EndReason = *endReason
	}

	return call, nil
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT call_id, chat_id, caller_id, recipient_id, status,
		       created_at, started_at, ended_at, duration, end_reason
		FROM calls
		WHERE caller_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call := &domain.Call{}
		var endReason *string
		err := rows.Scan(
			&call.CallID,
			&call.ChatID,
			&call.CallerID,
			&call.RecipientID,
			&call.Status,
			&call.CreatedAt,
			&call.StartedAt,
			&call.EndedAt,
			&call.Duration,
			&endReason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		if endReason != nil {
			call.EndReason = *endReason
		}
		calls = append(calls, call)
	}

	return calls, nil
}
