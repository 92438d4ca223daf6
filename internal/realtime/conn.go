package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/pairline/internal/metrics"
)

// Conn is one websocket connection. Only writePump writes data frames; every
// other goroutine hands frames over through the send queue.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeCode int
	closeText string

	mu     sync.Mutex
	userID string
}

func newConn(id string, ws *websocket.Conn, queue int) *Conn {
	return &Conn{
		id:        id,
		ws:        ws,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Conn) ID() string { return c.id }

// User returns the joined user, or "" before join.
func (c *Conn) User() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) setUser(id string) (prev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, c.userID = c.userID, id
	return prev
}

// deliver queues frame without blocking. A full queue means the client cannot
// keep up; the connection is told to close and the read loop cleans up.
func (c *Conn) deliver(frame []byte) bool {
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
		metrics.FramesDropped.Inc()
		log.Warnf("conn %s: send queue full, closing", c.id)
		c.shutdown(websocket.ClosePolicyViolation, "too slow")
		return false
	}
}

// shutdown asks writePump to send a close frame and drop the socket. Safe to
// call from any goroutine and more than once.
func (c *Conn) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.done)
	})
}

func (c *Conn) writePump(ping, writeTimeout time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame, writeTimeout); err != nil {
				log.Debugf("conn %s: write: %v", c.id, err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debugf("conn %s: ping: %v", c.id, err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			// Flush what was queued before the close so final hangups arrive.
		drain:
			for {
				select {
				case frame := <-c.send:
					if c.write(frame, writeTimeout) != nil {
						return
					}
				default:
					break drain
				}
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeText),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

func (c *Conn) write(frame []byte, timeout time.Duration) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
