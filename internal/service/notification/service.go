// Package notification bridges signaling events to push notifications for
// users without a live connection.
package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink-backend/internal/presence"
	"voicelink-backend/pkg/logger"
	"voicelink-backend/pkg/push"
)

// Sender delivers push notifications to all registered devices of a set of
// users.
type Sender interface {
	SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error
	SendMissedCallNotification(ctx context.Context, callID, conversationID, callerID uuid.UUID, callerName, deepLink string, calleeIDs []uuid.UUID) error
	SendCustomNotification(ctx context.Context, notification *push.Notification, userIDs []uuid.UUID) error
}

// Dispatcher is the push fallback: it consults the presence registry and
// only pushes to users who have no live connection. Delivery is best
// effort; a failed push never propagates back into the signaling path.
type Dispatcher struct {
	registry *presence.Registry
	sender   Sender
}

func NewDispatcher(registry *presence.Registry, sender Sender) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sender:   sender,
	}
}

// callDeepLink is embedded in the push data payload so tapping the
// notification lands the user in the right call screen.
func callDeepLink(callID, chatID uuid.UUID) string {
	return "voicelink://call?call_id=" + callID.String() + "&chat_id=" + chatID.String()
}

// NotifyIncomingCall pushes an incoming-call alert to userID unless they
// have a live connection.
func (d *Dispatcher) NotifyIncomingCall(ctx context.Context, userID, callID, chatID, callerID uuid.UUID, callerName string) {
	if d.connected(userID) {
		return
	}

	data := &push.CallNotificationData{
		CallID:         callID,
		ConversationID: chatID,
		CallerID:       callerID,
		CallerName:     callerName,
		CallType:       "audio",
		CallStatus:     "ringing",
		Timestamp:      time.Now().Unix(),
		DeepLink:       callDeepLink(callID, chatID),
	}
	if err := d.sender.SendCallNotification(ctx, data, []uuid.UUID{userID}); err != nil {
		logger.Warn("incoming-call push fallback failed",
			zap.String("user_id", userID.String()),
			zap.String("call_id", callID.String()),
			zap.Error(err),
		)
	}
}

// NotifyMissedCall pushes a missed-call alert to userID unless they have a
// live connection.
func (d *Dispatcher) NotifyMissedCall(ctx context.Context, userID, callID, chatID, callerID uuid.UUID, callerName string) {
	if d.connected(userID) {
		return
	}

	err := d.sender.SendMissedCallNotification(ctx, callID, chatID, callerID, callerName,
		callDeepLink(callID, chatID), []uuid.UUID{userID})
	if err != nil {
		logger.Warn("missed-call push fallback failed",
			zap.String("user_id", userID.String()),
			zap.String("call_id", callID.String()),
			zap.Error(err),
		)
	}
}

// NotifyIfAbsent sends a generic push notification to userID unless they
// have a live connection. deepLink lands in the notification data payload.
func (d *Dispatcher) NotifyIfAbsent(ctx context.Context, userID uuid.UUID, title, body, deepLink string) {
	if d.connected(userID) {
		return
	}

	n := &push.Notification{
		Title:    title,
		Body:     body,
		Priority: "high",
		Sound:    "default",
		Data: map[string]string{
			"deep_link": deepLink,
		},
	}

	if err := d.sender.SendCustomNotification(ctx, n, []uuid.UUID{userID}); err != nil {
		logger.Warn("push fallback delivery failed",
			zap.String("user_id", userID.String()),
			zap.String("title", title),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) connected(userID uuid.UUID) bool {
	if d.registry.Lookup(userID) != nil {
		logger.Debug("skipping push, user is connected",
			zap.String("user_id", userID.String()),
		)
		return true
	}
	return false
}
