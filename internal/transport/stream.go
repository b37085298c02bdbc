package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/fedlog/internal/wire"
)

const closeTimeout = time.Second

// StreamEvents implements syncer.Client. ctx bounds the dial only; the
// returned stream lives until Close.
func (c *Client) StreamEvents(ctx context.Context, endpoint string, sinceSeq int64) (wire.EventStream, error) {
	u, err := streamURL(endpoint, sinceSeq)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: %w", &StatusError{StatusCode: resp.StatusCode, Message: resp.Status})
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	conn.SetReadLimit(c.readLimit)
	return &wsStream{conn: conn}, nil
}

func streamURL(endpoint string, sinceSeq int64) (string, error) {
	q := url.Values{}
	q.Set("since_seq", strconv.FormatInt(sinceSeq, 10))
	raw, err := resolve(endpoint, wire.PathStream, q)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("endpoint %q: %w", endpoint, ErrBadEndpoint)
	}
	return u.String(), nil
}

// wsStream reads StreamMessages from a WebSocket. Recv must not be
// called concurrently with itself; Close may be called from any
// goroutine.
type wsStream struct {
	conn *websocket.Conn
	once sync.Once
}

// Recv implements wire.EventStream.
func (s *wsStream) Recv() (wire.StreamMessage, error) {
	var msg wire.StreamMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, websocket.ErrCloseSent) {
			return msg, wire.ErrStreamClosed
		}
		return msg, err
	}
	return msg, nil
}

// Close implements wire.EventStream.
func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		err = s.conn.Close()
	})
	return err
}
