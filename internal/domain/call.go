package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle status of a call record.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusActive    CallStatus = "active"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
	CallStatusEnded     CallStatus = "ended"
)

// IsTerminal reports whether the status is final. Terminal records are
// never mutated again.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusRejected, CallStatusMissed, CallStatusEnded:
		return true
	}
	return false
}

// IsLive reports whether a call with this status still counts against the
// one-live-call-per-chat invariant.
func (s CallStatus) IsLive() bool {
	return !s.IsTerminal()
}

// validCallTransitions defines which status transitions are allowed.
// Every mutation of a call record must move along one of these edges.
var validCallTransitions = map[CallStatus][]CallStatus{
	CallStatusInitiated: {CallStatusRinging, CallStatusRejected, CallStatusMissed, CallStatusEnded},
	CallStatusRinging:   {CallStatusAccepted, CallStatusRejected, CallStatusMissed, CallStatusEnded},
	CallStatusAccepted:  {CallStatusActive, CallStatusEnded},
	CallStatusActive:    {CallStatusEnded},
	CallStatusRejected:  {},
	CallStatusMissed:    {},
	CallStatusEnded:     {},
}

// CanTransitionTo checks whether moving from s to next is a valid edge.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range validCallTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Call is the durable record of a single 1:1 audio call attempt.
// Records are append-only: they are created at initiation and mutated only
// through validated transitions, never deleted.
type Call struct {
	CallID      uuid.UUID  `json:"call_id"`
	ChatID      uuid.UUID  `json:"chat_id"`
	CallerID    uuid.UUID  `json:"caller_id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	Status      CallStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Duration    int        `json:"duration,omitempty"` // seconds, set at end only if StartedAt was set
	EndReason   string     `json:"end_reason,omitempty"`
}

// IsParticipant reports whether userID is one of the two recorded parties.
func (c *Call) IsParticipant(userID uuid.UUID) bool {
	return userID == c.CallerID || userID == c.RecipientID
}

// OtherParticipant returns the counterpart of userID on this call.
// Callers must check IsParticipant first.
func (c *Call) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if userID == c.CallerID {
		return c.RecipientID
	}
	return c.CallerID
}

// SignalKind identifies one of the closed set of signaling message kinds.
// New kinds are a compile-time-checked addition: every switch over
// SignalKind lists all constants explicitly.
type SignalKind int

const (
	SignalOffer SignalKind = iota
	SignalAnswer
	SignalICECandidate
	SignalDecline
	SignalEnd
	SignalICERestart
)

// String returns the wire name of the signal kind.
func (k SignalKind) String() string {
	switch k {
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalICECandidate:
		return "ice_candidate"
	case SignalDecline:
		return "decline"
	case SignalEnd:
		return "end"
	case SignalICERestart:
		return "ice_restart"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseSignalKind maps a wire name back to its SignalKind.
func ParseSignalKind(s string) (SignalKind, error) {
	switch s {
	case "offer":
		return SignalOffer, nil
	case "answer":
		return SignalAnswer, nil
	case "ice_candidate":
		return SignalICECandidate, nil
	case "decline":
		return SignalDecline, nil
	case "end":
		return SignalEnd, nil
	case "ice_restart":
		return SignalICERestart, nil
	default:
		return 0, fmt.Errorf("unknown signal kind %q", s)
	}
}

// Signal is a transient signaling message flowing through the relay.
// It is never persisted. SenderID is always stamped by the transport from
// the authenticated connection, never trusted from the payload.
type Signal struct {
	Kind        SignalKind
	CallID      uuid.UUID
	SenderID    uuid.UUID
	RecipientID uuid.UUID // offer only: who is being called
	SDP         string    // offer, answer, ice_restart
	Candidate   string    // ice_candidate: serialized candidate
	Reason      string    // end: human-readable reason
}
