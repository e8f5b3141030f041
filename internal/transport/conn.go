package transport

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// conn is one live websocket connection bound to a user identity and the
// set of sessions it has joined. The hub owns the sessions set under its
// own lock; lastActive is atomic so delivery can pick the freshest
// connection without locking.
type conn struct {
	id          string
	userID      string
	workspaceID string

	ws   *websocket.Conn
	send chan []byte
	// done signals the write pump to shut the socket. The send channel is
	// never closed, so late deliveries fail soft instead of panicking.
	done       chan struct{}
	hub        *Hub
	sessions   map[string]struct{}
	lastActive atomic.Int64
}

func (c *conn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// enqueue hands a frame to the write pump. A full buffer means the client
// stopped draining; the connection is reported dead rather than blocking
// everyone else's delivery.
func (c *conn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// readPump delivers inbound frames to the hub until the connection dies,
// then triggers disconnect cleanup.
func (c *conn) readPump() {
	defer c.hub.drop(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		c.hub.dispatch(c, message)
	}
}

// writePump serializes all socket writes: queued frames and keepalive
// pings. The hub closes done to shut the socket gracefully.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
