package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alim08/fin_advisor/pkg/bus"
	"github.com/alim08/fin_advisor/pkg/chat"
	"github.com/alim08/fin_advisor/pkg/history"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
	"github.com/alim08/fin_advisor/pkg/validation"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 16 * 1024
	sendBufferSize = 64
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// wsConn is one websocket client. Only writePump writes to the socket.
type wsConn struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan models.Envelope
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]struct{}
}

var _ bus.Conn = (*wsConn)(nil)

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) UserID() string { return c.userID }

// Send queues env without blocking; a slow client loses events rather than
// stalling the bus.
func (c *wsConn) Send(env models.Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) sendError(msg string) {
	env, err := models.NewEnvelope(models.EventError, models.ErrorEvent{Message: msg})
	if err != nil {
		return
	}
	if err := c.Send(env); err != nil {
		c.log.Debug("error event dropped", zap.Error(err))
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Warn("failed to write message", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// wsHandler upgrades an authenticated request and serves the channel
// until the client goes away.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := &wsConn{
		id:       uuid.NewString(),
		userID:   user,
		conn:     conn,
		send:     make(chan models.Envelope, sendBufferSize),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(s.msgRate, s.msgBurst),
		sessions: make(map[string]struct{}),
	}
	c.log = s.log.With(zap.String("user", user), zap.String("conn", c.id))
	metrics.ActiveConnections.Inc()
	c.log.Info("websocket connected")

	go c.writePump()
	s.readPump(r.Context(), c)

	c.close()
	c.mu.Lock()
	for sid := range c.sessions {
		s.registry.Unregister(sid, c.id)
	}
	c.mu.Unlock()
	metrics.ActiveConnections.Dec()
	c.log.Info("websocket disconnected")
}

func (s *Server) readPump(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("invalid message format")
			continue
		}
		s.dispatch(ctx, c, env)
	}
}

func (s *Server) dispatch(ctx context.Context, c *wsConn, env models.Envelope) {
	switch env.Event {
	case models.EventSendMessage:
		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			return
		}
		var req models.SendMessage
		if !decodeEvent(c, env, &req) {
			return
		}
		if err := s.join(ctx, c, req.SessionID); err != nil {
			c.sendError(sessionErrorMessage(err))
			return
		}
		done, err := s.chat.Submit(ctx, chat.Inbound{SessionID: req.SessionID, UserID: c.userID, Text: req.Text})
		switch {
		case errors.Is(err, chat.ErrSessionBusy):
			c.sendError("session has too many pending messages")
			return
		case err != nil:
			c.sendError("server is shutting down")
			return
		}
		// The reply itself arrives through the bus.
		go func() {
			res := <-done
			switch {
			case res.Err == nil:
			case errors.Is(res.Err, history.ErrForbidden):
				s.leave(c, req.SessionID)
				c.sendError("access denied")
			case errors.Is(res.Err, chat.ErrOwnerUnknown):
				c.sendError("chat history unavailable")
			default:
				c.sendError("failed to save message")
			}
		}()

	case models.EventReplay:
		var req models.ReplayRequest
		if !decodeEvent(c, env, &req) {
			return
		}
		if err := s.join(ctx, c, req.SessionID); err != nil {
			c.sendError(sessionErrorMessage(err))
			return
		}
		limit := req.Limit
		if limit == 0 {
			limit = s.replayLimit
		}
		if _, err := bus.Replay(ctx, s.history, req.SessionID, c, limit); err != nil {
			c.log.Warn("replay failed", zap.String("session", req.SessionID), zap.Error(err))
			c.sendError("chat history unavailable")
		}

	default:
		c.sendError(fmt.Sprintf("unknown event %q", env.Event))
	}
}

func decodeEvent(c *wsConn, env models.Envelope, v interface{}) bool {
	if err := env.Decode(v); err != nil {
		c.sendError("invalid " + env.Event + " payload")
		return false
	}
	if errs := validation.ValidateStruct(v); len(errs) > 0 {
		c.sendError(errs.Error())
		return false
	}
	return true
}

// join checks ownership and attaches the connection to the session so it
// receives the session's events.
func (s *Server) join(ctx context.Context, c *wsConn, sessionID string) error {
	if err := s.authorizeSession(ctx, sessionID, c.userID); err != nil {
		return err
	}
	c.mu.Lock()
	_, joined := c.sessions[sessionID]
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()
	if !joined {
		s.registry.Register(sessionID, c)
	}
	return nil
}

// leave detaches the connection from a session it lost the claim to.
func (s *Server) leave(c *wsConn, sessionID string) {
	c.mu.Lock()
	_, joined := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if joined {
		s.registry.Unregister(sessionID, c.id)
	}
}

func sessionErrorMessage(err error) string {
	switch {
	case errors.Is(err, history.ErrForbidden):
		return "access denied"
	case errors.Is(err, history.ErrNotFound):
		return "session not found"
	}
	return "chat history unavailable"
}
