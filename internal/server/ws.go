package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/user/hexe/internal/event"
	"github.com/user/hexe/internal/runtime"
	"github.com/user/hexe/internal/types"
)

const wsWriteTimeout = 10 * time.Second

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeEvent(ev event.Event) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// handleWebsocket follows the user's thread over a websocket. Text frames
// from the client are sent as user messages.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, user types.UserID) {
	t, ok := s.thread(w, r, user)
	if !ok {
		return
	}
	stream, err := t.Stream()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down.")
		return
	}
	defer stream.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", string(user), "error", err)
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}
	logger := s.logger.With("user_id", string(user))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket read ended", "error", err)
				}
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			if _, err := s.inbound.HandleInbound(ctx, user, string(data), "websocket"); err != nil {
				if err := ws.writeEvent(event.NewError("", err.Error())); err != nil {
					return
				}
			}
		}
	}()

	for {
		ev, err := stream.Next(ctx, s.heartbeat)
		switch {
		case errors.Is(err, runtime.ErrHeartbeat):
			err = ws.ping()
		case errors.Is(err, runtime.ErrThreadClosed):
			ws.mu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			ws.mu.Unlock()
			return
		case err != nil:
			return
		default:
			err = ws.writeEvent(ev)
		}
		if err != nil {
			logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}
