package callclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicelink-backend/internal/domain"
	"voicelink-backend/pkg/config"
)

// fakeClock keys pending waiters by the requested duration so each loop's
// timers can be fired independently of the others.
type fakeClock struct {
	mu      sync.Mutex
	waiters map[time.Duration][]chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{waiters: make(map[time.Duration][]chan time.Time)}
}

func (f *fakeClock) Now() time.Time { return time.Now() }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	f.waiters[d] = append(f.waiters[d], ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeClock) fire(d time.Duration) {
	f.mu.Lock()
	chans := f.waiters[d]
	f.waiters[d] = nil
	f.mu.Unlock()
	for _, ch := range chans {
		ch <- time.Now()
	}
}

type fakeSignaler struct {
	mu             sync.Mutex
	sent           []*domain.Signal
	sendErr        error
	reconnectFails int // -1 means every attempt fails
	reconnects     int
}

func (s *fakeSignaler) Send(ctx context.Context, sig *domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sig)
	return nil
}

func (s *fakeSignaler) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	if s.reconnectFails < 0 || s.reconnects <= s.reconnectFails {
		return errors.New("dial refused")
	}
	return nil
}

func (s *fakeSignaler) countOf(kind domain.SignalKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sig := range s.sent {
		if sig.Kind == kind {
			n++
		}
	}
	return n
}

func (s *fakeSignaler) lastOf(kind domain.SignalKind) *domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Kind == kind {
			return s.sent[i]
		}
	}
	return nil
}

func (s *fakeSignaler) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

type fakeMedia struct {
	mu           sync.Mutex
	micFailures  int // -1 means every attempt fails
	micCalls     int
	restartErr   bool
	restartCalls int
	probeRTT     time.Duration
	probeErr     error
	answers      []string
	candidates   []string
	closed       bool
}

func (m *fakeMedia) AcquireMic(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.micCalls++
	if m.micFailures < 0 || m.micCalls <= m.micFailures {
		return errors.New("permission denied")
	}
	return nil
}

func (m *fakeMedia) CreateOffer(ctx context.Context) (string, error) {
	return "v=0 offer", nil
}

func (m *fakeMedia) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	return "v=0 answer", nil
}

func (m *fakeMedia) AcceptAnswer(ctx context.Context, remoteSDP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, remoteSDP)
	return nil
}

func (m *fakeMedia) AddICECandidate(candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, candidate)
	return nil
}

func (m *fakeMedia) RestartICE(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartCalls++
	if m.restartErr {
		return "", errors.New("restart failed")
	}
	return "v=0 restart", nil
}

func (m *fakeMedia) Probe(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeRTT, m.probeErr
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) micAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micCalls
}

func (m *fakeMedia) restartAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartCalls
}

const (
	offerWait      = 8 * time.Second
	micRetryDelay  = 2 * time.Second
	reconnectDelay = 3 * time.Second
	probeInterval  = time.Second
)

func clientConfig() config.CallConfig {
	return config.CallConfig{
		RingTimeout:       30 * time.Second,
		OfferWait:         offerWait,
		MicRetries:        3,
		MicRetryDelay:     micRetryDelay,
		ReconnectAttempts: 3,
		ReconnectDelay:    reconnectDelay,
		ICERestartBound:   2,
		ProbeInterval:     probeInterval,
		PersistRetries:    1,
	}
}

type clientRig struct {
	client   *Client
	signaler *fakeSignaler
	media    *fakeMedia
	clock    *fakeClock
	callID   uuid.UUID
	chatID   uuid.UUID
	selfID   uuid.UUID
	peerID   uuid.UUID
}

func newClientRig(t *testing.T) *clientRig {
	t.Helper()
	rig := &clientRig{
		signaler: &fakeSignaler{},
		media:    &fakeMedia{},
		clock:    newFakeClock(),
		callID:   uuid.New(),
		chatID:   uuid.New(),
		selfID:   uuid.New(),
		peerID:   uuid.New(),
	}
	rig.client = NewClient(rig.selfID, rig.signaler, rig.media, clientConfig(), WithClock(rig.clock))
	return rig
}

func (rig *clientRig) accepted(sdp string) *RelayEvent {
	return &RelayEvent{Type: "call_accepted", CallID: rig.callID, SDP: sdp}
}

func TestDialSendsOfferAndActivatesOnAccept(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	assert.Equal(t, StateConnecting, rig.client.State())

	offer := rig.signaler.lastOf(domain.SignalOffer)
	require.NotNil(t, offer)
	assert.Equal(t, rig.callID, offer.CallID)
	assert.Equal(t, "v=0 offer", offer.SDP)

	rig.client.HandleEvent(ctx, rig.accepted("v=0 answer"))
	assert.Equal(t, StateActive, rig.client.State())
	assert.Equal(t, []string{"v=0 answer"}, rig.media.answers)
}

func TestDialFromNonInitStateRejected(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	err := rig.client.Dial(ctx, uuid.New(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrBadState)
}

func TestRingAcceptAnswersCall(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Ring(rig.callID, rig.chatID, rig.peerID))
	assert.Equal(t, StateRinging, rig.client.State())

	require.NoError(t, rig.client.Accept(ctx, "v=0 offer"))
	assert.Equal(t, StateAccepting, rig.client.State())

	answer := rig.signaler.lastOf(domain.SignalAnswer)
	require.NotNil(t, answer)
	assert.Equal(t, "v=0 answer", answer.SDP)

	// The relay's echo confirms the accepted transition.
	rig.client.HandleEvent(ctx, rig.accepted(""))
	assert.Equal(t, StateActive, rig.client.State())
}

func TestAcceptWithoutRingRejected(t *testing.T) {
	rig := newClientRig(t)
	err := rig.client.Accept(context.Background(), "v=0 offer")
	assert.ErrorIs(t, err, ErrBadState)
}

func TestMicDenialExhaustsRetriesAndEndsCall(t *testing.T) {
	rig := newClientRig(t)
	rig.media.micFailures = -1

	done := make(chan error, 1)
	go func() {
		done <- rig.client.Dial(context.Background(), rig.callID, rig.chatID, rig.peerID)
	}()

	require.Eventually(t, func() bool {
		rig.clock.fire(micRetryDelay)
		select {
		case err := <-done:
			assert.Error(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateEnded, rig.client.State())
	assert.Equal(t, ReasonMicDenied, rig.client.EndReason())
	assert.Equal(t, 3, rig.media.micAttempts())
	assert.True(t, rig.media.isClosed())
	assert.Equal(t, 0, rig.signaler.countOf(domain.SignalOffer))
}

func TestMicRecoversWithinRetryBudget(t *testing.T) {
	rig := newClientRig(t)
	rig.media.micFailures = 2

	done := make(chan error, 1)
	go func() {
		done <- rig.client.Dial(context.Background(), rig.callID, rig.chatID, rig.peerID)
	}()

	require.Eventually(t, func() bool {
		rig.clock.fire(micRetryDelay)
		select {
		case err := <-done:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateConnecting, rig.client.State())
	assert.Equal(t, 1, rig.signaler.countOf(domain.SignalOffer))
}

func TestMicDenialOnAcceptDeclinesCall(t *testing.T) {
	rig := newClientRig(t)
	rig.media.micFailures = -1

	require.NoError(t, rig.client.Ring(rig.callID, rig.chatID, rig.peerID))

	done := make(chan error, 1)
	go func() {
		done <- rig.client.Accept(context.Background(), "v=0 offer")
	}()

	require.Eventually(t, func() bool {
		rig.clock.fire(micRetryDelay)
		select {
		case err := <-done:
			assert.Error(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateEnded, rig.client.State())
	assert.Equal(t, ReasonMicDenied, rig.client.EndReason())
	assert.Equal(t, 1, rig.signaler.countOf(domain.SignalDecline))
}

func TestUnansweredOfferGivesUpBeforeRelayTimeout(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))

	rig.clock.fire(offerWait)

	require.Eventually(t, func() bool {
		return rig.client.State() == StateEnded
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, ReasonNoAnswer, rig.client.EndReason())
	end := rig.signaler.lastOf(domain.SignalEnd)
	require.NotNil(t, end)
	assert.Equal(t, ReasonNoAnswer, end.Reason)
}

func TestOfferWaitAfterAcceptIsNoOp(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, rig.accepted("v=0 answer"))
	require.Equal(t, StateActive, rig.client.State())

	rig.clock.fire(offerWait)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateActive, rig.client.State())
	assert.Equal(t, 0, rig.signaler.countOf(domain.SignalEnd))
}

func TestDeclineSendsDeclineAndEnds(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Ring(rig.callID, rig.chatID, rig.peerID))
	require.NoError(t, rig.client.Decline(ctx))

	assert.Equal(t, StateEnded, rig.client.State())
	assert.Equal(t, ReasonDeclined, rig.client.EndReason())
	assert.Equal(t, 1, rig.signaler.countOf(domain.SignalDecline))
	assert.True(t, rig.media.isClosed())
}

func TestHangupIsIdempotent(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, rig.accepted("v=0 answer"))

	rig.client.Hangup(ctx)
	rig.client.Hangup(ctx)

	assert.Equal(t, StateEnded, rig.client.State())
	assert.Equal(t, ReasonHangup, rig.client.EndReason())
	assert.Equal(t, 1, rig.signaler.countOf(domain.SignalEnd))
}

func TestReconnectExhaustionEndsCall(t *testing.T) {
	rig := newClientRig(t)
	rig.signaler.reconnectFails = -1
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.OnSignalerDown()

	require.Eventually(t, func() bool {
		rig.clock.fire(reconnectDelay)
		return rig.client.State() == StateEnded
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, ReasonConnectionLost, rig.client.EndReason())
	assert.Equal(t, 3, rig.signaler.reconnectCount())
}

func TestReconnectRecoveryKeepsCallAlive(t *testing.T) {
	rig := newClientRig(t)
	rig.signaler.reconnectFails = 1
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.OnSignalerDown()

	require.Eventually(t, func() bool {
		rig.clock.fire(reconnectDelay)
		return rig.signaler.reconnectCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The second attempt succeeded, so the loop exits without ending the
	// call. Give any stray exhaustion path a moment to misfire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnecting, rig.client.State())
	assert.Equal(t, 2, rig.signaler.reconnectCount())
}

func TestSignalerDropIgnoredWhileRinging(t *testing.T) {
	rig := newClientRig(t)

	require.NoError(t, rig.client.Ring(rig.callID, rig.chatID, rig.peerID))
	rig.client.OnSignalerDown()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateRinging, rig.client.State())
	assert.Equal(t, 0, rig.signaler.reconnectCount())
}

func TestICERestartBoundExhaustionFailsCall(t *testing.T) {
	rig := newClientRig(t)
	rig.media.restartErr = true
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, rig.accepted("v=0 answer"))
	require.Equal(t, StateActive, rig.client.State())

	rig.client.OnMediaDegraded()

	require.Eventually(t, func() bool {
		rig.clock.fire(reconnectDelay)
		return rig.client.State() == StateError
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, ReasonMediaFailed, rig.client.EndReason())
	assert.Equal(t, 2, rig.media.restartAttempts())
}

func TestICERestartRecoverySendsRestartOffer(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, rig.accepted("v=0 answer"))

	rig.client.OnMediaDegraded()

	require.Eventually(t, func() bool {
		return rig.signaler.countOf(domain.SignalICERestart) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateActive, rig.client.State())
	restart := rig.signaler.lastOf(domain.SignalICERestart)
	assert.Equal(t, "v=0 restart", restart.SDP)
}

func TestRemoteDeclineEndsCall(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, &RelayEvent{Type: "call_declined", CallID: rig.callID})

	assert.Equal(t, StateEnded, rig.client.State())
	assert.Equal(t, ReasonDeclined, rig.client.EndReason())
	assert.True(t, rig.media.isClosed())
}

func TestRemoteEndDefaultsToHangupReason(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, rig.accepted("v=0 answer"))
	rig.client.HandleEvent(ctx, &RelayEvent{Type: "call_ended", CallID: rig.callID})

	assert.Equal(t, StateEnded, rig.client.State())
	assert.Equal(t, ReasonHangup, rig.client.EndReason())
}

func TestEventsForOtherCallsIgnored(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, &RelayEvent{Type: "call_ended", CallID: uuid.New()})

	assert.Equal(t, StateConnecting, rig.client.State())
}

func TestRemoteCandidatesFeedMedia(t *testing.T) {
	rig := newClientRig(t)
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, &RelayEvent{
		Type: "ice_candidate", CallID: rig.callID, Candidate: "candidate:0 1 udp",
	})

	assert.Equal(t, []string{"candidate:0 1 udp"}, rig.media.candidates)
}

func TestProbeUpdatesQualityWithoutTransition(t *testing.T) {
	rig := newClientRig(t)
	rig.media.probeRTT = 100 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, rig.client.Dial(ctx, rig.callID, rig.chatID, rig.peerID))
	rig.client.HandleEvent(ctx, rig.accepted("v=0 answer"))

	require.Eventually(t, func() bool {
		rig.clock.fire(probeInterval)
		return rig.client.Quality() == QualityGood
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateActive, rig.client.State())
}

func TestClassifyRTT(t *testing.T) {
	tests := []struct {
		name string
		rtt  time.Duration
		err  error
		want Quality
	}{
		{"sub 150ms is good", 120 * time.Millisecond, nil, QualityGood},
		{"exactly 150ms is fair", 150 * time.Millisecond, nil, QualityFair},
		{"sub 400ms is fair", 399 * time.Millisecond, nil, QualityFair},
		{"400ms and up is poor", 400 * time.Millisecond, nil, QualityPoor},
		{"probe error is poor", 0, errors.New("no stats"), QualityPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRTT(tt.rtt, tt.err))
		})
	}
}
