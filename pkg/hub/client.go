package hub

import (
	"time"

	"github.com/gofiber/contrib/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Conn is the part of a websocket connection a client uses.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Client is one websocket connection registered with a hub.
type Client struct {
	hub  *Hub
	conn Conn
	send chan Message
}

// NewClient registers conn with h. h must be running.
func NewClient(h *Hub, conn Conn) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan Message, 256)}
	h.register <- c
	return c
}

// Run pumps messages until the connection closes.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump only detects disconnects and pongs; clients send nothing.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind := websocket.TextMessage
			if msg.Type == BinaryMessage {
				kind = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(kind, msg.Data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
