package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"voicelink-backend/internal/presence"
	"voicelink-backend/pkg/push"
)

// MockSender is a mock implementation of Sender
type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendCallNotification(ctx context.Context, data *push.CallNotificationData, calleeIDs []uuid.UUID) error {
	args := m.Called(ctx, data, calleeIDs)
	return args.Error(0)
}

func (m *MockSender) SendMissedCallNotification(ctx context.Context, callID, conversationID, callerID uuid.UUID, callerName, deepLink string, calleeIDs []uuid.UUID) error {
	args := m.Called(ctx, callID, conversationID, callerID, callerName, deepLink, calleeIDs)
	return args.Error(0)
}

func (m *MockSender) SendCustomNotification(ctx context.Context, notification *push.Notification, userIDs []uuid.UUID) error {
	args := m.Called(ctx, notification, userIDs)
	return args.Error(0)
}

type nopConn struct {
	userID uuid.UUID
}

func (c *nopConn) UserID() uuid.UUID         { return c.userID }
func (c *nopConn) Send(*presence.Event) bool { return true }
func (c *nopConn) Close()                    {}

func TestNotifyIncomingCallPushesToDisconnectedUser(t *testing.T) {
	registry := presence.NewRegistry()
	sender := new(MockSender)
	userID, callID, chatID, callerID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	sender.On("SendCallNotification", mock.Anything, mock.MatchedBy(func(d *push.CallNotificationData) bool {
		return d.CallID == callID &&
			d.ConversationID == chatID &&
			d.CallerName == "Alice" &&
			d.CallStatus == "ringing" &&
			d.DeepLink == "voicelink://call?call_id="+callID.String()+"&chat_id="+chatID.String()
	}), []uuid.UUID{userID}).Return(nil)

	d := NewDispatcher(registry, sender)
	d.NotifyIncomingCall(context.Background(), userID, callID, chatID, callerID, "Alice")

	sender.AssertExpectations(t)
}

func TestNotifyIncomingCallSkipsConnectedUser(t *testing.T) {
	registry := presence.NewRegistry()
	sender := new(MockSender)
	userID := uuid.New()
	registry.Register(userID, &nopConn{userID: userID})

	d := NewDispatcher(registry, sender)
	d.NotifyIncomingCall(context.Background(), userID, uuid.New(), uuid.New(), uuid.New(), "Alice")

	sender.AssertNotCalled(t, "SendCallNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotifyMissedCallCarriesDeepLink(t *testing.T) {
	registry := presence.NewRegistry()
	sender := new(MockSender)
	userID, callID, chatID, callerID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	wantLink := "voicelink://call?call_id=" + callID.String() + "&chat_id=" + chatID.String()

	sender.On("SendMissedCallNotification", mock.Anything, callID, chatID, callerID,
		"Alice", wantLink, []uuid.UUID{userID}).Return(nil)

	d := NewDispatcher(registry, sender)
	d.NotifyMissedCall(context.Background(), userID, callID, chatID, callerID, "Alice")

	sender.AssertExpectations(t)
}

func TestNotifyIfAbsentPushesToDisconnectedUser(t *testing.T) {
	registry := presence.NewRegistry()
	sender := new(MockSender)
	userID := uuid.New()

	sender.On("SendCustomNotification", mock.Anything, mock.MatchedBy(func(n *push.Notification) bool {
		return n.Title == "Call not answered" &&
			n.Priority == "high" &&
			n.Data["deep_link"] == "voicelink://call?call_id=abc"
	}), []uuid.UUID{userID}).Return(nil)

	d := NewDispatcher(registry, sender)
	d.NotifyIfAbsent(context.Background(), userID, "Call not answered", "Your call was not answered", "voicelink://call?call_id=abc")

	sender.AssertExpectations(t)
}

func TestNotifyIfAbsentSkipsConnectedUser(t *testing.T) {
	registry := presence.NewRegistry()
	sender := new(MockSender)
	userID := uuid.New()
	registry.Register(userID, &nopConn{userID: userID})

	d := NewDispatcher(registry, sender)
	d.NotifyIfAbsent(context.Background(), userID, "Incoming call", "Alice is calling", "voicelink://call?call_id=abc")

	sender.AssertNotCalled(t, "SendCustomNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcherSwallowsSenderErrors(t *testing.T) {
	registry := presence.NewRegistry()
	sender := new(MockSender)
	userID := uuid.New()

	sender.On("SendCallNotification", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("provider unavailable"))
	sender.On("SendMissedCallNotification", mock.Anything, mock.Anything, mock.Anything,
		mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("provider unavailable"))
	sender.On("SendCustomNotification", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("provider unavailable"))

	d := NewDispatcher(registry, sender)

	// Must not panic or propagate.
	d.NotifyIncomingCall(context.Background(), userID, uuid.New(), uuid.New(), uuid.New(), "Alice")
	d.NotifyMissedCall(context.Background(), userID, uuid.New(), uuid.New(), uuid.New(), "Alice")
	d.NotifyIfAbsent(context.Background(), userID, "Missed call", "You missed a call", "voicelink://call?call_id=abc")

	sender.AssertExpectations(t)

	assert.Equal(t, 3, len(sender.Calls))
}
