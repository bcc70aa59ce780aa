package ws

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is one websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn, buffer int) *Client {
	return &Client{id: uuid.NewString(), conn: conn, send: make(chan []byte, buffer)}
}

// ID returns the connection id handed to the coordinator.
func (c *Client) ID() string { return c.id }

// writeLoop drains the send queue and pings on an interval. It returns when
// the queue is closed, ctx is done or a write fails.
func (c *Client) writeLoop(ctx context.Context, ping, timeout time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(ctx, timeout, msg); err != nil {
				logger.Debug("write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				logger.Debug("ping failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, timeout time.Duration, msg []byte) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, msg)
}
