package ws

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okeefe/valet-agent/internal/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may go silent before the read
	// side gives up. Pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps inbound frames. Chat text is capped well
	// below this downstream.
	maxMessageSize = 128 << 10
	// sendQueueSize buffers outbound frames per connection. A client
	// that stops reading fills the queue and gets dropped.
	sendQueueSize = 32
)

// conn wraps one websocket connection with a write pump so frame sends
// from any goroutine serialize onto the socket.
type conn struct {
	ws     *websocket.Conn
	userID string
	logger *slog.Logger

	send chan protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, userID string, logger *slog.Logger) *conn {
	return &conn{
		ws:     ws,
		userID: userID,
		logger: logger,
		send:   make(chan protocol.Frame, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// Send queues a frame for the write pump. It fails rather than blocks
// when the client has stopped draining its queue.
func (c *conn) Send(f protocol.Frame) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}

	select {
	case c.send <- f:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send queue full")
	}
}

func (c *conn) UserID() string     { return c.userID }
func (c *conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Close tears the connection down. Safe to call from any goroutine and
// more than once.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
	return nil
}

// writePump owns all writes to the socket: queued frames plus the
// keepalive pings. Runs until the connection closes.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Debug("frame write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readPump feeds inbound frames to handle until the client goes away.
func (c *conn) readPump(handle func(raw []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		handle(raw)
	}
}
