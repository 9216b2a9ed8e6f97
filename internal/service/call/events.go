package call

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink-backend/internal/presence"
	"voicelink-backend/pkg/logger"
)

// Outbound event types pushed to client connections.
const (
	EventIncomingCall = "incoming_call"
	EventCallOffer    = "call_offer"
	EventCallAccepted = "call_accepted"
	EventICECandidate = "ice_candidate"
	EventCallDeclined = "call_declined"
	EventCallEnded    = "call_ended"
	EventCallMissed   = "call_missed"
	EventICERestart   = "ice_restart"
)

// EventPayload is the body of every relayed call event. Absent fields are
// omitted from the wire.
type EventPayload struct {
	CallID     uuid.UUID `json:"call_id"`
	ChatID     uuid.UUID `json:"chat_id"`
	SenderID   uuid.UUID `json:"sender_id,omitempty"`
	CallerName string    `json:"caller_name,omitempty"`
	SDP        string    `json:"sdp,omitempty"`
	Candidate  string    `json:"candidate,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Duration   int       `json:"duration,omitempty"`
}

// deepLink builds the app link embedded in push notifications so tapping
// the notification lands the user in the right call screen.
func deepLink(callID, chatID uuid.UUID) string {
	return "voicelink://call?call_id=" + callID.String() + "&chat_id=" + chatID.String()
}

// deliverEvent pushes one event to a user's registered connection. The
// send is non-blocking; a full client buffer counts as undelivered.
func (s *Service) deliverEvent(userID uuid.UUID, eventType string, payload EventPayload) bool {
	conn := s.registry.Lookup(userID)
	if conn == nil {
		return false
	}
	ok := conn.Send(&presence.Event{Type: eventType, Payload: payload})
	if !ok {
		logger.Warn("event dropped, client buffer full",
			zap.String("user_id", userID.String()),
			zap.String("event", eventType),
		)
	}
	if s.metrics != nil {
		s.metrics.RecordSignalForwarded(eventType, ok)
	}
	return ok
}
