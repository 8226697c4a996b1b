package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Client is one session connection. Outbound frames go through a bounded
// queue drained by a single writer, so frames reach the socket in the order
// they were enqueued.
type Client struct {
	Info ConnInfo

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	mu    sync.Mutex
	rooms map[int]struct{}
}

// NewClient builds a client with an outbound queue of the given size. conn
// may be nil for in-process sessions; their frames are read from Outbound.
func NewClient(info ConnInfo, conn *websocket.Conn, buffer int, limiter *rate.Limiter) *Client {
	if info.ConnID == "" {
		info.ConnID = newConnID()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	return &Client{
		Info:    info,
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		limiter: limiter,
		rooms:   make(map[int]struct{}),
	}
}

// ID returns the connection handle.
func (c *Client) ID() string { return c.Info.ConnID }

// UserID returns the authenticated user of the connection.
func (c *Client) UserID() int { return c.Info.UserID }

// Outbound exposes the frame queue for in-process sessions.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Allow applies the per-connection rate limit.
func (c *Client) Allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// Enqueue queues a frame without blocking. It returns false when the client
// is closed or its queue is full; the frame is then dropped.
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the writer. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// Rooms returns the conversations the client joined.
func (c *Client) Rooms() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// InRoom reports whether the client joined conversationID.
func (c *Client) InRoom(conversationID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[conversationID]
	return ok
}

func (c *Client) trackRoom(conversationID int, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.rooms[conversationID] = struct{}{}
		return
	}
	delete(c.rooms, conversationID)
}

// writePump drains the queue onto the socket and keeps it alive with pings.
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithFields(log.Fields{"conn_id": c.Info.ConnID, "user_id": c.Info.UserID}).
					WithError(err).Debug("websocket write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
