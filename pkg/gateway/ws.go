package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/convogrid/convogrid/pkg/auth"
	"github.com/convogrid/convogrid/pkg/models"
	"github.com/convogrid/convogrid/pkg/orchestrator"
	"github.com/convogrid/convogrid/pkg/session"
)

// DefaultWriteTimeout bounds one WebSocket send.
const DefaultWriteTimeout = 10 * time.Second

// Handler is the orchestrator surface the gateway dispatches into.
type Handler interface {
	HandleMessage(ctx context.Context, in *orchestrator.Inbound) (*models.Reply, error)
}

// clientFrame is any inbound WebSocket frame. Type selects which fields
// apply.
type clientFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Text      string         `json:"text,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	Token     string         `json:"token,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Platform  string         `json:"platform,omitempty"`
	Lat       float64        `json:"lat,omitempty"`
	Lng       float64        `json:"lng,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Connection is one WebSocket client bound to a session.
type Connection struct {
	ID        string
	SessionID string
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
}

// ConnectionManager owns the WebSocket side of the gateway: per-connection
// read loops, the session index for targeted pushes, and the auth pub/sub
// bridge that keeps live clients in sync with logins on other channels.
type ConnectionManager struct {
	handler  Handler
	sessions session.Store
	auth     auth.Service

	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*Connection
	bySession   map[string]map[string]bool // session_id → connection ids
}

// NewConnectionManager creates the manager. writeTimeout <= 0 selects
// DefaultWriteTimeout.
func NewConnectionManager(handler Handler, sessions session.Store, authSvc auth.Service, writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &ConnectionManager{
		handler:      handler,
		sessions:     sessions,
		auth:         authSvc,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*Connection),
		bySession:    make(map[string]map[string]bool),
	}
}

// HandleConnection runs the lifecycle of one WebSocket connection. Blocks
// until the connection closes. An empty sessionID gets a fresh one, announced
// in the connection.established frame.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, sessionID string) {
	if sessionID == "" {
		sessionID = "ws-" + uuid.NewString()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]any{
		"type":      "connection.established",
		"sessionId": sessionID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid WebSocket frame", "connection_id", c.ID, "error", err)
			m.sendError(c, "bad_frame", "frame is not valid JSON")
			continue
		}
		m.handleFrame(ctx, c, &frame)
	}
}

func (m *ConnectionManager) handleFrame(ctx context.Context, c *Connection, frame *clientFrame) {
	switch frame.Type {
	case "message:send":
		m.handleMessageSend(ctx, c, frame)

	case "location:update":
		if _, err := m.sessions.Mutate(ctx, c.SessionID, func(d *models.SessionData) {
			d.Location = &models.Location{Lat: frame.Lat, Lng: frame.Lng, UpdatedAt: time.Now()}
		}); err != nil {
			m.sendError(c, "session_error", "failed to store location")
		}

	case "auth:login":
		// The client already holds a token (web app login); adopt it.
		if frame.Token == "" || frame.Phone == "" {
			m.sendError(c, "bad_frame", "auth:login requires phone and token")
			return
		}
		if err := m.auth.AuthenticateUser(ctx, &models.AuthUser{
			UserID: frame.UserID, Phone: frame.Phone, Token: frame.Token,
		}, frame.Platform); err != nil {
			m.sendError(c, "auth_error", "login failed")
			return
		}
		phone := auth.NormalizePhone(frame.Phone)
		if _, err := m.sessions.Mutate(ctx, c.SessionID, func(d *models.SessionData) {
			d.Authenticated = true
			d.Phone = phone
			d.AuthToken = frame.Token
			d.UserID = frame.UserID
		}); err != nil {
			slog.Error("Failed to adopt login into session", "session_id", c.SessionID, "error", err)
		}
		m.pushAuthStatus(ctx, c)

	case "auth:logout":
		phone := frame.Phone
		if phone == "" {
			if sess, err := m.sessions.Get(ctx, c.SessionID); err == nil {
				phone = sess.Data.Phone
			}
		}
		if phone != "" {
			if err := m.auth.LogoutUser(ctx, phone, "websocket"); err != nil {
				m.sendError(c, "auth_error", "logout failed")
				return
			}
		}
		if _, err := m.sessions.Mutate(ctx, c.SessionID, func(d *models.SessionData) {
			d.Authenticated = false
			d.AuthToken = ""
			d.UserID = ""
		}); err != nil {
			slog.Error("Failed to clear session auth", "session_id", c.SessionID, "error", err)
		}
		m.sendJSON(c, map[string]any{
			"type": "auth:logged_out", "phone": auth.NormalizePhone(phone), "timestamp": time.Now(),
		})

	case "auth:check":
		m.pushAuthStatus(ctx, c)

	case "session:clear":
		// Routed through the orchestrator's reset path so the active run is
		// cancelled too.
		reply, err := m.handler.HandleMessage(ctx, &orchestrator.Inbound{
			SessionID: c.SessionID, Identifier: c.SessionID, Text: "/reset", Channel: "websocket",
		})
		if err != nil {
			m.sendError(c, "session_error", "failed to clear session")
			return
		}
		m.sendReply(c, reply)

	case "ping":
		m.sendJSON(c, map[string]any{"type": "pong"})

	default:
		m.sendError(c, "unknown_type", "unsupported frame type "+frame.Type)
	}
}

func (m *ConnectionManager) handleMessageSend(ctx context.Context, c *Connection, frame *clientFrame) {
	m.sendJSON(c, map[string]any{"type": "typing", "sessionId": c.SessionID, "isTyping": true})
	defer m.sendJSON(c, map[string]any{"type": "typing", "sessionId": c.SessionID, "isTyping": false})

	in := &orchestrator.Inbound{
		SessionID:  c.SessionID,
		Identifier: c.SessionID,
		Text:       frame.Text,
		Channel:    "websocket",
		Meta:       frame.Meta,
	}
	if frame.Lat != 0 || frame.Lng != 0 {
		in.Location = &models.Location{Lat: frame.Lat, Lng: frame.Lng}
	}
	reply, err := m.handler.HandleMessage(ctx, in)
	if err != nil {
		slog.Error("Turn dispatch failed", "session_id", c.SessionID, "error", err)
		m.sendError(c, "turn_failed", "could not process the message")
		return
	}
	m.sendReply(c, reply)
}

func (m *ConnectionManager) pushAuthStatus(ctx context.Context, c *Connection) {
	status := map[string]any{"type": "auth:status", "authenticated": false}
	if sess, err := m.sessions.Get(ctx, c.SessionID); err == nil && sess.Data.Authenticated {
		status["authenticated"] = true
		status["userId"] = sess.Data.UserID
	}
	m.sendJSON(c, status)
}

// RunAuthBridge subscribes to auth events and pushes login/logout sync frames
// to live connections whose sessions share the phone. Blocks until ctx ends.
func (m *ConnectionManager) RunAuthBridge(ctx context.Context) error {
	events, stop, err := m.auth.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			m.fanOutAuthEvent(ctx, event)
		}
	}
}

func (m *ConnectionManager) fanOutAuthEvent(ctx context.Context, event models.AuthEvent) {
	sessionIDs, err := m.sessions.ByPhone(ctx, event.Phone)
	if err != nil {
		slog.Warn("Auth event fan-out: phone index lookup failed", "phone", event.Phone, "error", err)
		return
	}

	var frame map[string]any
	switch event.Kind {
	case models.AuthLogin:
		frame = map[string]any{
			"type": "auth:synced", "userId": event.UserID, "phone": event.Phone,
			"token": event.Token, "platform": event.Channel, "timestamp": event.Timestamp,
		}
	case models.AuthLogout:
		frame = map[string]any{"type": "auth:logged_out", "phone": event.Phone, "timestamp": event.Timestamp}
	default:
		return
	}

	for _, sessionID := range sessionIDs {
		// Idempotent on the receiver: re-applying the same record is a no-op.
		if _, err := m.sessions.Mutate(ctx, sessionID, func(d *models.SessionData) {
			if event.Kind == models.AuthLogin {
				d.Authenticated = true
				d.AuthToken = event.Token
				d.UserID = event.UserID
				d.Phone = event.Phone
			} else {
				d.Authenticated = false
				d.AuthToken = ""
				d.UserID = ""
			}
		}); err != nil {
			slog.Warn("Auth event fan-out: session update failed", "session_id", sessionID, "error", err)
		}
		m.BroadcastToSession(sessionID, frame)
	}
}

// BroadcastToSession sends a frame to every connection bound to the session.
func (m *ConnectionManager) BroadcastToSession(sessionID string, v any) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.sendJSON(c, v)
	}
}

// ActiveConnections reports the live connection count.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) sendReply(c *Connection, reply *models.Reply) {
	if reply == nil || reply.Empty() {
		return
	}
	m.sendJSON(c, map[string]any{
		"type":      "message:receive",
		"sessionId": reply.SessionID,
		"text":      reply.Text,
		"cards":     reply.Cards,
		"buttons":   reply.Buttons,
		"meta":      reply.Meta,
	})
}

func (m *ConnectionManager) sendError(c *Connection, code, message string) {
	m.sendJSON(c, map[string]any{"type": "error", "code": code, "message": message})
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
	if m.bySession[c.SessionID] == nil {
		m.bySession[c.SessionID] = make(map[string]bool)
	}
	m.bySession[c.SessionID][c.ID] = true
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	if subs := m.bySession[c.SessionID]; subs != nil {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.bySession, c.SessionID)
		}
	}
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket frame", "connection_id", c.ID, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send WebSocket frame", "connection_id", c.ID, "error", err)
	}
}
