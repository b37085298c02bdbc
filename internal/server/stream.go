package server

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/fedlog/internal/wire"
)

// stream upgrades to a WebSocket and serves the engine's event stream
// on it. The client sends nothing; reading only detects its close.
func (s *Server) stream(c *gin.Context) {
	since, ok := queryInt(c, "since_seq", 0)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	session := uuid.NewString()
	s.logger.Debug("stream opened", "session", session, "remote", c.Request.RemoteAddr, "since", since)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.engine.ServeStream(ctx, since, &wsSink{conn: conn, timeout: s.writeTimeout})

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("stream ended", "session", session, "error", err)
		return
	}
	s.logger.Debug("stream closed", "session", session)
}

// wsSink writes stream frames as JSON text messages.
type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// Send implements syncer.StreamSink.
func (w *wsSink) Send(msg wire.StreamMessage) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(msg)
}
