package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"group-chat/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	closeAuthTimeout = 4001
)

// Conn is one live websocket. Reads happen on the handler goroutine, writes
// only on writePump; everything else hands frames over through send.
type Conn struct {
	ws   *websocket.Conn
	info ConnInfo

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	identity *auth.Identity
	groups   map[int]struct{}
	closed   bool
}

func newConn(ws *websocket.Conn, info ConnInfo) *Conn {
	return &Conn{
		ws:     ws,
		info:   info,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		groups: make(map[int]struct{}),
	}
}

func (c *Conn) ID() string {
	return c.info.ConnID
}

// Send queues frame without blocking. A full buffer marks a slow consumer and
// closes the connection.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.Close()
		return false
	}
}

func (c *Conn) sendEvent(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return
	}
	c.Send(frame)
}

// Close is idempotent and safe from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// closeWith sends a close frame with code before closing.
func (c *Conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.Close()
}

func (c *Conn) Identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return auth.Identity{}, false
	}
	return *c.identity, true
}

func (c *Conn) setIdentity(id auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &id
}

// addGroup records a joined room. It fails once the connection has been
// torn down so cleanup never misses a room.
func (c *Conn) addGroup(groupID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.groups[groupID] = struct{}{}
	return true
}

func (c *Conn) removeGroup(groupID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[groupID]
	delete(c.groups, groupID)
	return ok
}

func (c *Conn) inGroup(groupID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[groupID]
	return ok
}

// detach marks the connection closed and returns the rooms it was in.
func (c *Conn) detach() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	ids := make([]int, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	c.groups = map[int]struct{}{}
	return ids
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
