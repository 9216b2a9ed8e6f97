package callclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicelink-backend/internal/domain"
	"voicelink-backend/pkg/logger"
)

// wireSignal is the outbound frame a client writes to the gateway.
type wireSignal struct {
	Type      string    `json:"type"`
	CallID    uuid.UUID `json:"call_id"`
	SDP       string    `json:"sdp,omitempty"`
	Candidate string    `json:"candidate,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// wireFrame is an inbound frame relayed by the gateway.
type wireFrame struct {
	Type    string     `json:"type"`
	Payload RelayEvent `json:"payload"`
}

// WSSignaler talks to the signaling gateway over a WebSocket. Events are
// delivered through onEvent; a dropped connection is reported through
// onDown so the state machine can run its reconnection loop.
type WSSignaler struct {
	url   string
	token string

	onEvent func(*RelayEvent)
	onDown  func()

	mu   sync.Mutex
	conn *websocket.Conn
	gen  int
}

func NewWSSignaler(url, token string, onEvent func(*RelayEvent), onDown func()) *WSSignaler {
	return &WSSignaler{
		url:     url,
		token:   token,
		onEvent: onEvent,
		onDown:  onDown,
	}
}

// Connect dials the gateway and starts the read loop.
func (s *WSSignaler) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	return nil
}

// Reconnect re-establishes the gateway connection after a drop.
func (s *WSSignaler) Reconnect(ctx context.Context) error {
	return s.Connect(ctx)
}

// Send writes one signaling message. Fails when no connection is up.
func (s *WSSignaler) Send(ctx context.Context, sig *domain.Signal) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}

	frame := wireSignal{
		Type:      sig.Kind.String(),
		CallID:    sig.CallID,
		SDP:       sig.SDP,
		Candidate: sig.Candidate,
		Reason:    sig.Reason,
	}
	return conn.WriteJSON(frame)
}

// Close shuts the connection down without triggering onDown.
func (s *WSSignaler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// readLoop decodes relayed frames until the connection dies. The
// generation check keeps a superseded loop from reporting a drop for a
// connection that was already replaced.
func (s *WSSignaler) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			stale := gen != s.gen
			if !stale && s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			if !stale && s.onDown != nil {
				s.onDown()
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("failed to decode relayed frame", zap.Error(err))
			continue
		}
		frame.Payload.Type = frame.Type
		if s.onEvent != nil {
			s.onEvent(&frame.Payload)
		}
	}
}
