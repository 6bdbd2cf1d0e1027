package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. Gorilla permits one concurrent writer, so every write goes
// through mu.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{ws: ws}
}

func (t *wsTransport) Push(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// Session owns one websocket connection's read loop and its registry entry.
type Session struct {
	registry  *Registry
	conn      *Conn
	transport *wsTransport
	logger    *zap.Logger
}

// NewSession registers a websocket connection and returns its session.
// Returns ErrConnectionLimit (with the socket still open, caller closes) when
// the user is at the cap.
func NewSession(registry *Registry, ws *websocket.Conn, userID, appID string, subscriptions []string, logger *zap.Logger) (*Session, error) {
	transport := newWSTransport(ws)

	conn, err := registry.Register(userID, appID, transport, subscriptions)
	if err != nil {
		return nil, err
	}

	return &Session{
		registry:  registry,
		conn:      conn,
		transport: transport,
		logger:    logger,
	}, nil
}

// Serve runs the read loop until the socket closes or errors, then
// deregisters the connection. Pong frames refresh the heartbeat; text frames
// carry the subscribe/update_subscriptions protocol.
func (s *Session) Serve() {
	defer s.registry.Deregister(s.conn.UserID, s.conn.ID)

	s.transport.ws.SetPongHandler(func(string) error {
		s.conn.Touch()
		return nil
	})

	for {
		_, data, err := s.transport.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error",
					zap.String("connection_id", s.conn.ID.String()),
					zap.Error(err),
				)
			}
			return
		}
		s.conn.Touch()
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError("malformed frame")
		return
	}

	switch frame.Type {
	case frameSubscribe:
		if frame.EventCategory == "" {
			s.sendError("subscribe requires event_category")
			return
		}
		subs := append(s.conn.Subscriptions(), frame.EventCategory)
		s.registry.UpdateSubscriptions(s.conn.UserID, s.conn.ID, subs)
		s.sendSubscribed(subs)

	case frameUpdateSubscriptions:
		subs := frame.Subscriptions
		if len(subs) == 0 {
			subs = frame.AppIDs
		}
		s.registry.UpdateSubscriptions(s.conn.UserID, s.conn.ID, subs)
		s.sendSubscribed(subs)

	default:
		s.sendError("unknown frame type: " + frame.Type)
	}
}

func (s *Session) sendSubscribed(subscriptions []string) {
	if frame, err := marshalSubscribed(subscriptions); err == nil {
		_ = s.transport.Push(frame)
	}
}

func (s *Session) sendError(message string) {
	if frame, err := marshalError(message); err == nil {
		_ = s.transport.Push(frame)
	}
}
