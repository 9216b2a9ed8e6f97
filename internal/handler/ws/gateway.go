// Package ws is the signaling gateway: authenticated WebSocket connections
// are registered in the presence registry and inbound frames are decoded
// into signaling messages for the relay.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicelink-backend/internal/domain"
	"voicelink-backend/internal/presence"
	redisrepo "voicelink-backend/internal/repository/redis"
	"voicelink-backend/pkg/constants"
	"voicelink-backend/pkg/logger"
	"voicelink-backend/pkg/metrics"
)

// Relay consumes inbound signaling messages. Invalid messages are the
// relay's problem; the gateway only authenticates, decodes, and stamps
// the sender.
type Relay interface {
	Dispatch(sig *domain.Signal)
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	// Add production origins from environment if set
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}

		allowedOrigins := GetAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// Gateway upgrades authenticated requests and owns the per-connection
// read/write pumps. One connection per user; a newer connection for the
// same user supersedes the old one.
type Gateway struct {
	registry *presence.Registry
	mirror   *redisrepo.PresenceRepository
	relay    Relay
	metrics  *metrics.Metrics

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// NewGateway creates the signaling gateway. mirror may be nil when Redis
// is not configured; metrics may be nil in tests.
func NewGateway(registry *presence.Registry, mirror *redisrepo.PresenceRepository, relay Relay, m *metrics.Metrics) *Gateway {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_SIGNALING_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &Gateway{
		registry:       registry,
		mirror:         mirror,
		relay:          relay,
		metrics:        m,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// inboundMessage is the wire form of a client signaling frame. sender_id
// is never read from the payload; it is stamped from the authenticated
// connection.
type inboundMessage struct {
	Type      string    `json:"type"`
	CallID    uuid.UUID `json:"call_id"`
	SDP       string    `json:"sdp,omitempty"`
	Candidate string    `json:"candidate,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// outboundEvent is the wire form of a relayed event.
type outboundEvent struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// wsClient is one user's live connection. It implements presence.Conn so
// the relay can push events without knowing about WebSockets.
type wsClient struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan *presence.Event
	userID uuid.UUID

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsClient) UserID() uuid.UUID { return c.userID }

// Send queues an event for delivery. Non-blocking: a full buffer means
// the client is not draining and the event is dropped.
func (c *wsClient) Send(event *presence.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

// Close tears the connection down. Safe to call more than once; used when
// a newer connection supersedes this one.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ServeWS handles WebSocket upgrade requests for signaling
func (g *Gateway) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case g.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", g.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	// Get user ID from context (set by auth middleware)
	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-g.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-g.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-g.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &wsClient{
		gw:     g,
		conn:   conn,
		send:   make(chan *presence.Event, 64),
		userID: userID,
		done:   make(chan struct{}),
	}

	if superseded := g.registry.Register(userID, client); superseded != nil {
		logger.Info("superseding existing connection",
			zap.String("user_id", userID.String()))
		superseded.Close()
	}
	g.mirrorOnline(userID)

	if g.metrics != nil {
		g.metrics.SetWebSocketConnections(g.registry.Count())
	}
	logger.Info("signaling connection established",
		zap.String("user_id", userID.String()))

	go client.writePump()
	go client.readPump()
}

// readPump reads signaling frames until the connection drops, then
// deregisters. A stale client that was already superseded must not knock
// the newer connection out of the registry, hence the guarded unregister.
func (c *wsClient) readPump() {
	defer func() {
		if c.gw.registry.Unregister(c.userID, c) {
			c.gw.mirrorOffline(c.userID)
		}
		c.Close()
		c.conn.Close()
		<-c.gw.semaphore
		if c.gw.metrics != nil {
			c.gw.metrics.SetWebSocketConnections(c.gw.registry.Count())
		}
		logger.Info("signaling connection closed",
			zap.String("user_id", c.userID.String()))
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		c.gw.mirrorRefresh(c.userID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		kind, err := domain.ParseSignalKind(msg.Type)
		if err != nil {
			logger.Warn("unknown signal type",
				zap.String("user_id", c.userID.String()),
				zap.String("type", msg.Type))
			if c.gw.metrics != nil {
				c.gw.metrics.RecordWebSocketError("unknown_signal_type")
			}
			continue
		}
		if msg.CallID == uuid.Nil {
			logger.Warn("signal missing call_id",
				zap.String("user_id", c.userID.String()),
				zap.String("type", msg.Type))
			continue
		}

		if c.gw.metrics != nil {
			c.gw.metrics.RecordWebSocketMessage(msg.Type, "inbound")
		}

		c.gw.relay.Dispatch(&domain.Signal{
			Kind:      kind,
			CallID:    msg.CallID,
			SenderID:  c.userID,
			SDP:       msg.SDP,
			Candidate: msg.Candidate,
			Reason:    msg.Reason,
		})
	}
}

// writePump writes relayed events and keepalive pings to the WebSocket
func (c *wsClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			frame, err := json.Marshal(outboundEvent{
				Type:      event.Type,
				Payload:   event.Payload,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				logger.Error("failed to marshal outbound event",
					zap.String("user_id", c.userID.String()),
					zap.String("type", event.Type),
					zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if c.gw.metrics != nil {
				c.gw.metrics.RecordWebSocketMessage(event.Type, "outbound")
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) mirrorOnline(userID uuid.UUID) {
	if g.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.mirror.SetUserOnline(ctx, userID); err != nil {
		logger.Warn("failed to mirror presence online",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (g *Gateway) mirrorOffline(userID uuid.UUID) {
	if g.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.mirror.SetUserOffline(ctx, userID); err != nil {
		logger.Warn("failed to mirror presence offline",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (g *Gateway) mirrorRefresh(userID uuid.UUID) {
	if g.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.mirror.RefreshPresence(ctx, userID); err != nil {
		logger.Debug("failed to refresh mirrored presence",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}
