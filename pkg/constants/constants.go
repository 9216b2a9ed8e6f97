// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single outbound WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 24 * time.Hour
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Call signaling constants. The ring timeout is enforced relay-side; the
// client-side waits must stay shorter so the relay never wins a race the
// client already gave up on.
const (
	// CallRingTimeout is how long a call may stay initiated/ringing before
	// the relay forces it to missed
	CallRingTimeout = 30 * time.Second

	// CallOfferWaitTimeout is the client-side wait for the counterpart's
	// negotiation message before abandoning the attempt
	CallOfferWaitTimeout = 8 * time.Second

	// CallMicRetries is the bound on microphone acquisition attempts
	CallMicRetries = 5

	// CallMicRetryDelay is the backoff between microphone attempts
	CallMicRetryDelay = 3 * time.Second

	// CallReconnectAttempts is the bound on relay reconnection attempts
	CallReconnectAttempts = 5

	// CallReconnectDelay is the fixed backoff between reconnection attempts
	CallReconnectDelay = 3 * time.Second

	// CallICERestartAttempts is the bound on media-path renegotiation cycles
	CallICERestartAttempts = 5

	// CallProbeInterval is the period of the network-quality round trips
	CallProbeInterval = 3 * time.Second

	// CallPersistRetries is the bound on call record write attempts before
	// the call is force-ended
	CallPersistRetries = 3

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
