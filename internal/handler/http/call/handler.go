// Package call exposes the call lifecycle over HTTP: initiation, status
// checks, and history. All signaling after initiation flows over the
// WebSocket gateway.
package call

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"voicelink-backend/internal/repository/cockroach"
	callsvc "voicelink-backend/internal/service/call"
	apperrors "voicelink-backend/pkg/errors"
	"voicelink-backend/pkg/pagination"
	"voicelink-backend/pkg/response"
	"voicelink-backend/pkg/sanitize"
)

// Handler handles call HTTP requests
type Handler struct {
	callService *callsvc.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *callsvc.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	ChatID      string `json:"chat_id" binding:"required,uuid"`
	RecipientID string `json:"recipient_id" binding:"required,uuid"`
	CallerName  string `json:"caller_name" binding:"max=128"`
}

// InitiateCall starts a new 1:1 audio call
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	chatID, err := uuid.Parse(req.ChatID)
	if err != nil {
		response.ValidationError(c, "Invalid chat ID")
		return
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		response.ValidationError(c, "Invalid recipient ID")
		return
	}

	// The caller name ends up in push notification bodies.
	callerName := sanitize.SanitizeString(req.CallerName)

	call, err := h.callService.Initiate(c.Request.Context(), callerID, recipientID, chatID, callerName)
	if err != nil {
		var inProgress *callsvc.InProgressError
		switch {
		case errors.As(err, &inProgress):
			// The chat already has a live call; hand back its ID so the
			// client can rejoin instead of stacking a second call.
			response.ErrorWithData(c, http.StatusConflict, string(apperrors.ErrCodeResourceInUse),
				"A call is already in progress for this chat",
				gin.H{"call_id": inProgress.ExistingCallID})
		case errors.Is(err, callsvc.ErrSelfCall):
			response.ValidationError(c, "Caller and recipient must be distinct")
		default:
			respondAppError(c, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to initiate call", err))
		}
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// GetCall returns the current state of a call. Participants only.
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	call, err := h.callService.GetCall(c.Request.Context(), callID, userID)
	if err != nil {
		if errors.Is(err, cockroach.ErrCallNotFound) {
			respondAppError(c, apperrors.CallNotFoundError())
			return
		}
		respondAppError(c, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to get call", err))
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetCallHistory lists the authenticated user's past calls, newest first
// GET /v1/calls?page=1&limit=20
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"), "", "")
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.callService.GetUserCallHistory(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		respondAppError(c, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to get call history", err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"page":   params.Page,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		respondAppError(c, apperrors.New(apperrors.ErrCodeInternal, "Invalid user ID"))
		return uuid.Nil, false
	}
	return userID, true
}

func respondAppError(c *gin.Context, appErr *apperrors.AppError) {
	response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
}
