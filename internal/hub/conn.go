package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

// Conn is one websocket client. The read loop is the only goroutine that
// touches subs, so the set needs no lock.
type Conn struct {
	id   string
	sock *websocket.Conn
	send chan []byte
	subs map[string]bool
	done chan struct{}
	once sync.Once
}

func newConn(sock *websocket.Conn) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		sock: sock,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]bool),
		done: make(chan struct{}),
	}
}

// enqueue hands a frame to the writer without ever blocking the caller.
// A full buffer means the client cannot keep up; the caller decides
// whether that is a drop.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}

// writeLoop is the single writer for the socket: queued frames plus
// keepalive pings, each under a write deadline so a stuck peer cannot
// wedge the goroutine.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes control messages until the peer goes away.
func (c *Conn) readLoop(h *Hub) {
	defer h.drop(c)

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[hub] read error on %s: %v", c.id, err)
			}
			return
		}
		h.handleMessage(c, string(data))
	}
}
