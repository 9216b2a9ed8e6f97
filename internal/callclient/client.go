// Package callclient is the local mirror of a call: it drives microphone
// acquisition, media negotiation, reconnection, and network-quality
// probing for one end of a 1:1 audio call. All signaling goes through the
// relay; the relay's echoed events are the source of truth for advancing.
package callclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicelink-backend/internal/domain"
	"voicelink-backend/pkg/config"
	"voicelink-backend/pkg/logger"
)

// State is the local call state.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateRinging
	StateAccepting
	StateActive
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateRinging:
		return "ringing"
	case StateAccepting:
		return "accepting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Quality is the coarse network-quality estimate shown to the user. It
// never affects state transitions.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Signaler is the client's path to the relay.
type Signaler interface {
	Send(ctx context.Context, sig *domain.Signal) error
	// Reconnect re-establishes the relay connection after a drop.
	Reconnect(ctx context.Context) error
}

// Media abstracts the audio path: capture, peer connection, and the RTT
// probe. The signaling path and the media path fail independently.
type Media interface {
	AcquireMic(ctx context.Context) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, remoteSDP string) (string, error)
	AcceptAnswer(ctx context.Context, remoteSDP string) error
	AddICECandidate(candidate string) error
	// RestartICE renegotiates the media path and returns the restart offer.
	RestartICE(ctx context.Context) (string, error)
	Probe(ctx context.Context) (time.Duration, error)
	Close() error
}

// RelayEvent is a relayed signaling event as decoded off the wire.
type RelayEvent struct {
	Type       string    `json:"type"`
	CallID     uuid.UUID `json:"call_id"`
	ChatID     uuid.UUID `json:"chat_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	CallerName string    `json:"caller_name,omitempty"`
	SDP        string    `json:"sdp,omitempty"`
	Candidate  string    `json:"candidate,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Duration   int       `json:"duration,omitempty"`
}

// End reasons surfaced to the user.
const (
	ReasonMicDenied      = "microphone access denied"
	ReasonNoAnswer       = "no answer"
	ReasonConnectionLost = "connection lost"
	ReasonMediaFailed    = "media path failed"
	ReasonDeclined       = "declined"
	ReasonMissed         = "missed"
	ReasonHangup         = "hangup"
)

// ErrBadState is returned when an operation is attempted from a state
// that does not allow it.
var ErrBadState = errors.New("operation not allowed in current state")

// Client runs one end of a call. All state is guarded by mu; the retry
// loops, the offer wait, and the prober run on their own goroutines and
// re-check state under the lock before acting.
type Client struct {
	signaler Signaler
	media    Media
	cfg      config.CallConfig
	clock    Clock

	selfID uuid.UUID

	mu        sync.Mutex
	state     State
	callID    uuid.UUID
	chatID    uuid.UUID
	peerID    uuid.UUID
	isCaller  bool
	endReason string
	quality   Quality

	// cancel aborts every pending loop when the call reaches a terminal
	// state.
	cancel      context.CancelFunc
	loopContext context.Context

	// onState is invoked after every transition, outside the lock.
	onState func(State, string)
}

// Option configures a Client.
type Option func(*Client)

// WithClock substitutes the clock, for tests.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithStateListener registers a callback invoked on every transition with
// the new state and, for terminal states, the reason.
func WithStateListener(fn func(State, string)) Option {
	return func(c *Client) { c.onState = fn }
}

// NewClient creates a call client for the given user.
func NewClient(selfID uuid.UUID, signaler Signaler, media Media, cfg config.CallConfig, opts ...Option) *Client {
	c := &Client{
		signaler: signaler,
		media:    media,
		cfg:      cfg,
		clock:    NewRealClock(),
		selfID:   selfID,
		state:    StateInit,
		quality:  QualityUnknown,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current local state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EndReason returns the human-readable reason once the call has ended.
func (c *Client) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// Quality returns the last network-quality estimate.
func (c *Client) Quality() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Dial starts an outgoing call: acquire the microphone, build the offer,
// and send it through the relay. The answer is awaited for a bounded
// interval shorter than the relay's ring timeout; past it the client
// gives up and sends an explicit end.
func (c *Client) Dial(ctx context.Context, callID, chatID, peerID uuid.UUID) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return ErrBadState
	}
	c.callID = callID
	c.chatID = chatID
	c.peerID = peerID
	c.isCaller = true
	loopCtx := c.armLocked()
	c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()

	if err := c.acquireMic(loopCtx); err != nil {
		c.endLocally(ctx, ReasonMicDenied, false)
		return err
	}

	offer, err := c.media.CreateOffer(ctx)
	if err != nil {
		c.endLocally(ctx, ReasonMediaFailed, true)
		return err
	}

	if err := c.signaler.Send(ctx, &domain.Signal{
		Kind:     domain.SignalOffer,
		CallID:   callID,
		SenderID: c.selfID,
		SDP:      offer,
	}); err != nil {
		c.handleSignalerDown(loopCtx)
		return err
	}

	go c.awaitAnswer(loopCtx)
	return nil
}

// Ring marks an incoming call, before the user accepts or declines.
func (c *Client) Ring(callID, chatID, peerID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return ErrBadState
	}
	c.callID = callID
	c.chatID = chatID
	c.peerID = peerID
	c.isCaller = false
	c.armLocked()
	c.setStateLocked(StateRinging, "")
	return nil
}

// Accept answers an incoming call using the offer carried by the relayed
// call_offer event.
func (c *Client) Accept(ctx context.Context, remoteOffer string) error {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return ErrBadState
	}
	loopCtx := c.loopCtx()
	c.setStateLocked(StateAccepting, "")
	c.mu.Unlock()

	if err := c.acquireMic(loopCtx); err != nil {
		c.sendBestEffort(ctx, domain.SignalDecline, ReasonMicDenied)
		c.endLocally(ctx, ReasonMicDenied, false)
		return err
	}

	answer, err := c.media.CreateAnswer(ctx, remoteOffer)
	if err != nil {
		c.sendBestEffort(ctx, domain.SignalEnd, ReasonMediaFailed)
		c.endLocally(ctx, ReasonMediaFailed, true)
		return err
	}

	if err := c.signaler.Send(ctx, &domain.Signal{
		Kind:     domain.SignalAnswer,
		CallID:   c.callIDSnapshot(),
		SenderID: c.selfID,
		SDP:      answer,
	}); err != nil {
		c.handleSignalerDown(loopCtx)
		return err
	}
	return nil
}

// Decline rejects an incoming call.
func (c *Client) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return ErrBadState
	}
	c.mu.Unlock()

	c.sendBestEffort(ctx, domain.SignalDecline, ReasonDeclined)
	c.endLocally(ctx, ReasonDeclined, false)
	return nil
}

// Hangup ends the call from any live state. Idempotent: hanging up an
// already-ended call is a no-op.
func (c *Client) Hangup(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateEnded || c.state == StateError {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.sendBestEffort(ctx, domain.SignalEnd, ReasonHangup)
	c.endLocally(ctx, ReasonHangup, false)
}

// HandleEvent feeds a relayed event into the state machine. Events for
// other calls or unexpected states are ignored.
func (c *Client) HandleEvent(ctx context.Context, ev *RelayEvent) {
	c.mu.Lock()
	if c.callID != uuid.Nil && ev.CallID != c.callID {
		c.mu.Unlock()
		return
	}
	state := c.state
	loopCtx := c.loopCtx()
	c.mu.Unlock()

	switch ev.Type {
	case "call_accepted":
		// The echo for the answering side and the accept notification
		// for the caller both land here; either way the negotiation is
		// complete.
		if state != StateConnecting && state != StateAccepting {
			return
		}
		if c.isCaller && ev.SDP != "" {
			if err := c.media.AcceptAnswer(ctx, ev.SDP); err != nil {
				c.sendBestEffort(ctx, domain.SignalEnd, ReasonMediaFailed)
				c.endLocally(ctx, ReasonMediaFailed, true)
				return
			}
		}
		c.mu.Lock()
		c.setStateLocked(StateActive, "")
		c.mu.Unlock()
		go c.probeLoop(loopCtx)

	case "ice_candidate":
		if state == StateEnded || state == StateError {
			return
		}
		if err := c.media.AddICECandidate(ev.Candidate); err != nil {
			logger.Debug("failed to add remote candidate",
				zap.String("call_id", ev.CallID.String()),
				zap.Error(err))
		}

	case "ice_restart":
		if state != StateActive {
			return
		}
		if err := c.media.AcceptAnswer(ctx, ev.SDP); err != nil {
			logger.Warn("failed to apply restart offer",
				zap.String("call_id", ev.CallID.String()),
				zap.Error(err))
		}

	case "call_declined":
		c.endLocally(ctx, ReasonDeclined, false)

	case "call_missed":
		c.endLocally(ctx, ReasonMissed, false)

	case "call_ended":
		reason := ev.Reason
		if reason == "" {
			reason = ReasonHangup
		}
		c.endLocally(ctx, reason, false)
	}
}

// OnSignalerDown reports loss of the relay connection. From connecting or
// active the client runs the bounded reconnection loop; from any other
// state the drop is ignored because the relay will time the call out.
func (c *Client) OnSignalerDown() {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateActive {
		c.mu.Unlock()
		return
	}
	loopCtx := c.loopCtx()
	c.mu.Unlock()
	go c.handleSignalerDown(loopCtx)
}

// OnMediaDegraded reports degradation of the media path while active.
// The client attempts a bounded number of ICE restart cycles before
// giving up.
func (c *Client) OnMediaDegraded() {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	loopCtx := c.loopCtx()
	c.mu.Unlock()
	go c.restartLoop(loopCtx)
}

// acquireMic retries capture a bounded number of times before giving up.
func (c *Client) acquireMic(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= c.cfg.MicRetries; attempt++ {
		if err = c.media.AcquireMic(ctx); err == nil {
			return nil
		}
		logger.Warn("microphone acquisition failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == c.cfg.MicRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.cfg.MicRetryDelay):
		}
	}
	return err
}

// awaitAnswer abandons an outgoing call that stays unanswered past the
// offer wait. The bound is shorter than the relay's ring timeout so the
// caller gives up before the relay does.
func (c *Client) awaitAnswer(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-c.clock.After(c.cfg.OfferWait):
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.sendBestEffort(sendCtx, domain.SignalEnd, ReasonNoAnswer)
	c.endLocally(sendCtx, ReasonNoAnswer, false)
}

// handleSignalerDown runs the bounded reconnection loop.
func (c *Client) handleSignalerDown(ctx context.Context) {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.ReconnectDelay):
		}

		c.mu.Lock()
		if c.state != StateConnecting && c.state != StateActive {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.signaler.Reconnect(ctx); err == nil {
			logger.Info("relay connection re-established",
				zap.Int("attempt", attempt))
			return
		}
		logger.Warn("relay reconnect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.ReconnectAttempts))
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.sendBestEffort(sendCtx, domain.SignalEnd, ReasonConnectionLost)
	c.endLocally(sendCtx, ReasonConnectionLost, false)
}

// restartLoop attempts bounded ICE restarts for a degraded media path.
func (c *Client) restartLoop(ctx context.Context) {
	for attempt := 1; attempt <= c.cfg.ICERestartBound; attempt++ {
		c.mu.Lock()
		if c.state != StateActive {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		offer, err := c.media.RestartICE(ctx)
		if err == nil {
			err = c.signaler.Send(ctx, &domain.Signal{
				Kind:     domain.SignalICERestart,
				CallID:   c.callIDSnapshot(),
				SenderID: c.selfID,
				SDP:      offer,
			})
		}
		if err == nil {
			logger.Info("ice restart negotiated",
				zap.Int("attempt", attempt))
			return
		}
		logger.Warn("ice restart failed",
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.ReconnectDelay):
		}
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.sendBestEffort(sendCtx, domain.SignalEnd, ReasonMediaFailed)
	c.endLocally(sendCtx, ReasonMediaFailed, true)
}

// probeLoop measures round-trip time while active. Display only: the
// estimate never drives a transition.
func (c *Client) probeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.ProbeInterval):
		}

		c.mu.Lock()
		if c.state != StateActive {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		rtt, err := c.media.Probe(ctx)
		q := classifyRTT(rtt, err)

		c.mu.Lock()
		c.quality = q
		c.mu.Unlock()
	}
}

func classifyRTT(rtt time.Duration, err error) Quality {
	switch {
	case err != nil:
		return QualityPoor
	case rtt < 150*time.Millisecond:
		return QualityGood
	case rtt < 400*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// endLocally drives the machine to its terminal state and releases all
// resources. Idempotent.
func (c *Client) endLocally(ctx context.Context, reason string, isError bool) {
	c.mu.Lock()
	if c.state == StateEnded || c.state == StateError {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	target := StateEnded
	if isError {
		target = StateError
	}
	c.setStateLocked(target, reason)
	c.mu.Unlock()

	if err := c.media.Close(); err != nil {
		logger.Debug("media close failed", zap.Error(err))
	}
}

func (c *Client) sendBestEffort(ctx context.Context, kind domain.SignalKind, reason string) {
	err := c.signaler.Send(ctx, &domain.Signal{
		Kind:     kind,
		CallID:   c.callIDSnapshot(),
		SenderID: c.selfID,
		Reason:   reason,
	})
	if err != nil {
		logger.Debug("best-effort signal not delivered",
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
}

// armLocked creates the loop context for this call. Caller holds mu.
func (c *Client) armLocked() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loopContext = ctx
	return ctx
}

func (c *Client) loopCtx() context.Context {
	if c.loopContext == nil {
		return context.Background()
	}
	return c.loopContext
}

func (c *Client) callIDSnapshot() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

func (c *Client) setStateLocked(next State, reason string) {
	prev := c.state
	c.state = next
	if reason != "" {
		c.endReason = reason
	}
	logger.Debug("call state transition",
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.String("reason", reason))
	if c.onState != nil {
		go c.onState(next, reason)
	}
}
