package call

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"voicelink-backend/internal/domain"
	"voicelink-backend/internal/presence"
	"voicelink-backend/internal/repository/cockroach"
	"voicelink-backend/internal/repository/memory"
	"voicelink-backend/pkg/config"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeConn records every event pushed to a registered connection.
type fakeConn struct {
	userID uuid.UUID
	mu     sync.Mutex
	events []*presence.Event
	closed bool
}

func newFakeConn(userID uuid.UUID) *fakeConn {
	return &fakeConn{userID: userID}
}

func (f *fakeConn) UserID() uuid.UUID { return f.userID }

func (f *fakeConn) Send(event *presence.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) countOf(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (f *fakeConn) lastOf(eventType string) *EventPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Type == eventType {
			payload := f.events[i].Payload.(EventPayload)
			return &payload
		}
	}
	return nil
}

// stubNotifier records push fallback invocations.
type stubNotifier struct {
	mu        sync.Mutex
	calls     int
	deepLinks []string
	titles    []string
	kinds     []string
	users     []uuid.UUID
}

func (n *stubNotifier) NotifyIncomingCall(ctx context.Context, userID, callID, chatID, callerID uuid.UUID, callerName string) {
	n.record("incoming", userID, "Incoming Call",
		"voicelink://call?call_id="+callID.String()+"&chat_id="+chatID.String())
}

func (n *stubNotifier) NotifyMissedCall(ctx context.Context, userID, callID, chatID, callerID uuid.UUID, callerName string) {
	n.record("missed", userID, "Missed Call",
		"voicelink://call?call_id="+callID.String()+"&chat_id="+chatID.String())
}

func (n *stubNotifier) NotifyIfAbsent(ctx context.Context, userID uuid.UUID, title, body, deepLink string) {
	n.record("generic", userID, title, deepLink)
}

func (n *stubNotifier) record(kind string, userID uuid.UUID, title, deepLink string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.kinds = append(n.kinds, kind)
	n.users = append(n.users, userID)
	n.titles = append(n.titles, title)
	n.deepLinks = append(n.deepLinks, deepLink)
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func (n *stubNotifier) countKind(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

func (n *stubNotifier) kindFor(userID uuid.UUID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for i, u := range n.users {
		if u == userID {
			out = append(out, n.kinds[i])
		}
	}
	return out
}

// manualTimers captures supervisor deadlines so tests can fire them.
type manualTimers struct {
	mu  sync.Mutex
	fns []func()
}

func (m *manualTimers) after(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, f)
	return func() bool { return true }
}

func (m *manualTimers) fire() {
	m.mu.Lock()
	fns := m.fns
	m.fns = nil
	m.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func (m *manualTimers) armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func testCallConfig() config.CallConfig {
	return config.CallConfig{
		RingTimeout:       30 * time.Second,
		OfferWait:         8 * time.Second,
		MicRetries:        5,
		MicRetryDelay:     3 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    3 * time.Second,
		ICERestartBound:   5,
		ProbeInterval:     3 * time.Second,
		PersistRetries:    1,
	}
}

type testRig struct {
	svc      *Service
	repo     *memory.CallRepository
	registry *presence.Registry
	notifier *stubNotifier
	timers   *manualTimers
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		repo:     memory.NewCallRepository(),
		registry: presence.NewRegistry(),
		notifier: &stubNotifier{},
		timers:   &manualTimers{},
	}
	rig.svc = NewService(rig.repo, rig.registry, rig.notifier, testCallConfig(), nil)
	rig.svc.supervisor.after = rig.timers.after
	return rig
}

func (rig *testRig) connect(userID uuid.UUID) *fakeConn {
	conn := newFakeConn(userID)
	rig.registry.Register(userID, conn)
	return conn
}

func (rig *testRig) status(t *testing.T, callID uuid.UUID) domain.CallStatus {
	t.Helper()
	rec, err := rig.repo.GetByID(context.Background(), callID)
	require.NoError(t, err)
	return rec.Status
}

func signal(kind domain.SignalKind, callID, senderID uuid.UUID) *domain.Signal {
	return &domain.Signal{Kind: kind, CallID: callID, SenderID: senderID}
}

func TestInitiateRingsConnectedRecipient(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	conn := rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "Alice")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInitiated, call.Status)

	assert.Eventually(t, func() bool {
		return conn.countOf(EventIncomingCall) == 1
	}, waitFor, tick)

	payload := conn.lastOf(EventIncomingCall)
	assert.Equal(t, call.CallID, payload.CallID)
	assert.Equal(t, chat, payload.ChatID)
	assert.Equal(t, "Alice", payload.CallerName)

	assert.Equal(t, 0, rig.notifier.count())
	assert.Equal(t, 1, rig.timers.armed())
}

func TestInitiateOfflineRecipientPushesOnce(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "Alice")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return rig.notifier.count() == 1
	}, waitFor, tick)

	link := rig.notifier.deepLinks[0]
	assert.Contains(t, link, call.CallID.String())
	assert.Contains(t, link, chat.String())
	assert.True(t, strings.HasPrefix(link, "voicelink://call?"))

	// Ring deadline is armed regardless of presence.
	assert.Equal(t, 1, rig.timers.armed())
}

func TestInitiateDuplicateChatReturnsExistingCall(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()

	first, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	_, err = rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	var inProgress *InProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, first.CallID, inProgress.ExistingCallID)
}

func TestInitiateSelfCallRejected(t *testing.T) {
	rig := newTestRig(t)
	userID := uuid.New()

	_, err := rig.svc.Initiate(context.Background(), userID, userID, uuid.New(), "")
	assert.ErrorIs(t, err, ErrSelfCall)
}

func TestOfferMovesCallToRinging(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	callerConn := rig.connect(caller)
	recipientConn := rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "Alice")
	require.NoError(t, err)

	offer := signal(domain.SignalOffer, call.CallID, caller)
	offer.SDP = "v=0 offer"
	rig.svc.Dispatch(offer)

	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusRinging
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		return recipientConn.countOf(EventCallOffer) == 1 && callerConn.countOf(EventCallOffer) == 1
	}, waitFor, tick)

	payload := recipientConn.lastOf(EventCallOffer)
	assert.Equal(t, "v=0 offer", payload.SDP)
	assert.Equal(t, "Alice", payload.CallerName)
}

func TestAnswerThenCandidateActivates(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	callerConn := rig.connect(caller)
	recipientConn := rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	rig.svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))

	answer := signal(domain.SignalAnswer, call.CallID, recipient)
	answer.SDP = "v=0 answer"
	rig.svc.Dispatch(answer)

	assert.Eventually(t, func() bool {
		return callerConn.countOf(EventCallAccepted) == 1 && recipientConn.countOf(EventCallAccepted) == 1
	}, waitFor, tick)
	assert.Equal(t, domain.CallStatusAccepted, rig.status(t, call.CallID))

	candidate := signal(domain.SignalICECandidate, call.CallID, caller)
	candidate.Candidate = "candidate:0 1 udp"
	rig.svc.Dispatch(candidate)

	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusActive
	}, waitFor, tick)

	rec, err := rig.repo.GetByID(context.Background(), call.CallID)
	require.NoError(t, err)
	require.NotNil(t, rec.StartedAt)

	assert.Eventually(t, func() bool {
		return recipientConn.countOf(EventICECandidate) == 1
	}, waitFor, tick)
}

func TestEndRecordsDurationAndNotifiesBoth(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	callerConn := rig.connect(caller)
	recipientConn := rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	rig.svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))
	rig.svc.Dispatch(signal(domain.SignalAnswer, call.CallID, recipient))
	rig.svc.Dispatch(signal(domain.SignalICECandidate, call.CallID, recipient))

	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusActive
	}, waitFor, tick)

	rig.svc.Dispatch(signal(domain.SignalEnd, call.CallID, caller))

	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusEnded
	}, waitFor, tick)

	rec, err := rig.repo.GetByID(context.Background(), call.CallID)
	require.NoError(t, err)
	require.NotNil(t, rec.EndedAt)
	assert.GreaterOrEqual(t, rec.Duration, 0)
	assert.Equal(t, "hangup", rec.EndReason)

	assert.Eventually(t, func() bool {
		return callerConn.countOf(EventCallEnded) == 1 && recipientConn.countOf(EventCallEnded) == 1
	}, waitFor, tick)
}

func TestDeclineRejectsPendingCall(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	callerConn := rig.connect(caller)
	rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	rig.svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))
	rig.svc.Dispatch(signal(domain.SignalDecline, call.CallID, recipient))

	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusRejected
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		return callerConn.countOf(EventCallDeclined) == 1
	}, waitFor, tick)
}

func TestTimeoutMarksCallMissedExactlyOnce(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	callerConn := rig.connect(caller)
	recipientConn := rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "Alice")
	require.NoError(t, err)

	rig.svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))
	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusRinging
	}, waitFor, tick)

	rig.timers.fire()

	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusMissed
	}, waitFor, tick)

	// A late decline racing the timeout must not move the record again.
	rig.svc.Dispatch(signal(domain.SignalDecline, call.CallID, recipient))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, domain.CallStatusMissed, rig.status(t, call.CallID))
	assert.Equal(t, 1, callerConn.countOf(EventCallMissed))
	assert.Equal(t, 1, recipientConn.countOf(EventCallMissed))
	assert.Equal(t, 0, callerConn.countOf(EventCallDeclined))
}

func TestTimeoutAfterAnswerIsNoOp(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	rig.connect(caller)
	rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	rig.svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))
	rig.svc.Dispatch(signal(domain.SignalAnswer, call.CallID, recipient))

	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusAccepted
	}, waitFor, tick)

	rig.timers.fire()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, domain.CallStatusAccepted, rig.status(t, call.CallID))
}

func TestReplayedOfferIsIgnored(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	rig.connect(caller)
	recipientConn := rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	rig.svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))
	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusRinging
	}, waitFor, tick)

	rig.svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, domain.CallStatusRinging, rig.status(t, call.CallID))
	assert.Equal(t, 1, recipientConn.countOf(EventCallOffer))
}

func TestSignalFromNonParticipantDropped(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	rig.svc.Dispatch(signal(domain.SignalEnd, call.CallID, uuid.New()))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, domain.CallStatusInitiated, rig.status(t, call.CallID))
}

func TestAnswerFromCallerDropped(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
	rig.connect(recipient)

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	rig.svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))
	rig.svc.Dispatch(signal(domain.SignalAnswer, call.CallID, caller))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, domain.CallStatusRinging, rig.status(t, call.CallID))
}

func TestSignalForUnknownCallDropped(t *testing.T) {
	rig := newTestRig(t)

	// Must not panic or create state.
	rig.svc.Dispatch(signal(domain.SignalEnd, uuid.New(), uuid.New()))
	time.Sleep(20 * time.Millisecond)
}

func TestGetCallHiddenFromNonParticipants(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
	require.NoError(t, err)

	got, err := rig.svc.GetCall(context.Background(), call.CallID, caller)
	require.NoError(t, err)
	assert.Equal(t, call.CallID, got.CallID)

	_, err = rig.svc.GetCall(context.Background(), call.CallID, uuid.New())
	assert.ErrorIs(t, err, cockroach.ErrCallNotFound)
}

// slowRepo adds write latency so racing initiates overlap like they would
// against a real database.
type slowRepo struct {
	*memory.CallRepository
	delay time.Duration
}

func (r *slowRepo) Create(ctx context.Context, call *domain.Call) error {
	time.Sleep(r.delay)
	return r.CallRepository.Create(ctx, call)
}

func TestConcurrentInitiatesSameChatYieldOneLiveCall(t *testing.T) {
	repo := &slowRepo{CallRepository: memory.NewCallRepository(), delay: 10 * time.Millisecond}
	registry := presence.NewRegistry()
	svc := NewService(repo, registry, &stubNotifier{}, testCallConfig(), nil)
	svc.supervisor.after = (&manualTimers{}).after

	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()

	var wg sync.WaitGroup
	calls := make([]*domain.Call, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			calls[i], errs[i] = svc.Initiate(context.Background(), caller, recipient, chat, "")
		}(i)
	}
	wg.Wait()

	var winner *domain.Call
	var inProgress *InProgressError
	wins, busies := 0, 0
	for i := range errs {
		switch {
		case errs[i] == nil:
			winner = calls[i]
			wins++
		case errors.As(errs[i], &inProgress):
			busies++
		default:
			t.Fatalf("unexpected initiate error: %v", errs[i])
		}
	}
	require.Equal(t, 1, wins, "exactly one initiate must win")
	require.Equal(t, 1, busies, "the loser must see the live call")
	assert.Equal(t, winner.CallID, inProgress.ExistingCallID)

	live, err := repo.FindLiveByChat(context.Background(), chat)
	require.NoError(t, err)
	assert.Equal(t, winner.CallID, live.CallID)
}

func TestTimeoutPushesToBothAbsentParticipants(t *testing.T) {
	rig := newTestRig(t)
	caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()

	call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "Alice")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return rig.notifier.countKind("incoming") == 1
	}, waitFor, tick)

	rig.timers.fire()

	assert.Eventually(t, func() bool {
		return rig.status(t, call.CallID) == domain.CallStatusMissed
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		return rig.notifier.countKind("missed") == 1 && rig.notifier.countKind("generic") == 1
	}, waitFor, tick)

	// The recipient hears about the missed call, the caller about the
	// unanswered one.
	assert.Equal(t, []string{"incoming", "missed"}, rig.notifier.kindFor(recipient))
	assert.Equal(t, []string{"generic"}, rig.notifier.kindFor(caller))
	assert.Contains(t, rig.notifier.titles, "Call not answered")
}

// MockCallRepository is a mock implementation of Repository
type MockCallRepository struct {
	mock.Mock
}

func (m *MockCallRepository) Create(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) UpdateStatus(ctx context.Context, call *domain.Call) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallRepository) FindLiveByChat(ctx context.Context, chatID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Call), args.Error(1)
}

func (m *MockCallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func TestPersistFailureForcesCallEnded(t *testing.T) {
	repo := new(MockCallRepository)
	repo.On("FindLiveByChat", mock.Anything, mock.Anything).Return(nil, cockroach.ErrCallNotFound)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdateStatus", mock.Anything, mock.Anything).Return(fmt.Errorf("db down"))

	registry := presence.NewRegistry()
	notifier := &stubNotifier{}
	svc := NewService(repo, registry, notifier, testCallConfig(), nil)
	svc.supervisor.after = (&manualTimers{}).after

	caller, recipient := uuid.New(), uuid.New()
	callerConn := newFakeConn(caller)
	recipientConn := newFakeConn(recipient)
	registry.Register(caller, callerConn)
	registry.Register(recipient, recipientConn)

	call, err := svc.Initiate(context.Background(), caller, recipient, uuid.New(), "")
	require.NoError(t, err)

	svc.Dispatch(signal(domain.SignalOffer, call.CallID, caller))

	// The ringing transition cannot persist, so the relay must force the
	// call to a safe terminal state and tell both parties.
	assert.Eventually(t, func() bool {
		return callerConn.countOf(EventCallEnded) == 1 && recipientConn.countOf(EventCallEnded) == 1
	}, waitFor, tick)

	payload := callerConn.lastOf(EventCallEnded)
	assert.Equal(t, "internal_error", payload.Reason)
	repo.AssertExpectations(t)
}

// Random signal storms must never drive a record outside the transition
// table, whatever the interleaving.
func TestRandomSignalSequencesPreserveTransitionTable(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kinds := []domain.SignalKind{
		domain.SignalOffer, domain.SignalAnswer, domain.SignalICECandidate,
		domain.SignalDecline, domain.SignalEnd, domain.SignalICERestart,
	}

	for run := 0; run < 30; run++ {
		rig := newTestRig(t)
		caller, recipient, chat := uuid.New(), uuid.New(), uuid.New()
		rig.connect(caller)
		rig.connect(recipient)

		call, err := rig.svc.Initiate(context.Background(), caller, recipient, chat, "")
		require.NoError(t, err)

		parties := []uuid.UUID{caller, recipient, uuid.New()}
		for i := 0; i < 25; i++ {
			sig := signal(kinds[rng.Intn(len(kinds))], call.CallID, parties[rng.Intn(len(parties))])
			rig.svc.Dispatch(sig)
			if rng.Intn(10) == 0 {
				rig.timers.fire()
			}
		}
		rig.timers.fire()

		// Let in-flight signals drain before inspecting the record.
		time.Sleep(100 * time.Millisecond)

		history := rig.repo.StatusHistory(call.CallID)
		require.NotEmpty(t, history)
		prev := history[0]
		for _, next := range history[1:] {
			assert.Truef(t, prev.CanTransitionTo(next),
				"run %d observed invalid transition %s -> %s", run, prev, next)
			prev = next
		}
	}
}
