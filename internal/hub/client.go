package hub

import (
	"log/slog"
	"time"

	"code-with-me/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // must stay below pongWait

	// Full-state updates of large files arrive in one frame.
	maxFrameSize = 8 * 1024 * 1024
	sendBuffer   = 256
)

// Client is one provider connected to a room. ReadPump feeds the hub,
// WritePump drains send; each runs on its own goroutine.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	room string
	id   string
	log  *slog.Logger
}

// NewClient wraps conn for the given room.
func NewClient(hub *Hub, conn *websocket.Conn, room string) *Client {
	id := uuid.NewString()
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		room: room,
		id:   id,
		log:  hub.log.With("room", room, "client", id),
	}
}

// ID returns the relay-assigned connection id.
func (c *Client) ID() string {
	return c.id
}

// Room returns the room the client joined.
func (c *Client) Room() string {
	return c.room
}

// ReadPump forwards every message of every incoming frame to the hub
// until the connection fails, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected websocket close", "err", err)
			}
			return
		}
		for _, msg := range protocol.SplitFrame(frame) {
			c.hub.Broadcast(msg, c)
		}
	}
}

// WritePump writes queued messages and keeps the connection alive with
// pings. It returns when send is closed or a write fails.
func (c *Client) WritePump() {
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
			if err := c.writeBatch(msg); err != nil {
				c.log.Debug("write failed", "err", err)
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

// writeBatch sends first plus whatever is already queued as one
// newline-separated frame.
func (c *Client) writeBatch(first []byte) error {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(first)

	for queued := len(c.send); queued > 0; queued-- {
		msg, ok := <-c.send
		if !ok {
			break
		}
		w.Write([]byte{'\n'})
		w.Write(msg)
	}
	return w.Close()
}
