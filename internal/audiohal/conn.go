// ABOUTME: One audio subsystem channel connection with credit-based reads and async writes
// ABOUTME: Socket I/O runs on goroutines; everything touching stream state is posted to the loop
package audiohal

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendQueueLen  = 64
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	// maxPending bounds PCM held back when the engine consumed a partial write
	maxPending = 64 * 1024
)

var (
	errClosed     = errors.New("audiohal: channel closed")
	errBufferFull = errors.New("audiohal: send buffer full")
)

type outbound struct {
	data []byte
	done func()
}

type conn struct {
	id      string
	srv     *Server
	role    device.Role
	channel string
	ws      *websocket.Conn

	send      chan outbound
	quit      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	credit int
	wake   chan struct{}

	// loop-owned
	pending []byte
}

func newConn(srv *Server, role device.Role, channel string, ws *websocket.Conn) *conn {
	return &conn{
		id:      uuid.New().String(),
		srv:     srv,
		role:    role,
		channel: channel,
		ws:      ws,
		send:    make(chan outbound, sendQueueLen),
		quit:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (c *conn) serve() {
	c.srv.wg.Add(1)
	go func() {
		defer c.srv.wg.Done()
		c.writer()
	}()

	c.srv.sched.Post(c.attach)
	switch {
	case c.channel == protocol.ChannelCtrl:
		c.readCtrl()
	case c.role == device.RoleSource:
		c.readPCM()
	default:
		c.discardReads()
	}
	c.close()
	c.srv.sched.Post(c.detach)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.ws.Close()
	})
}

func (c *conn) attach() {
	var err error
	if c.channel == protocol.ChannelCtrl {
		err = c.srv.backend.AttachCtrl(c.role, c)
	} else {
		err = c.srv.backend.AttachData(c.role, c)
	}
	if err != nil {
		log.Printf("Channel %s/%s rejected: %v", c.role, c.channel, err)
		c.close()
	}
}

func (c *conn) detach() {
	if c.channel == protocol.ChannelCtrl {
		c.srv.backend.DetachCtrl(c.role)
	} else {
		c.srv.backend.DetachData(c.role)
	}
	c.pending = nil
}

func (c *conn) readCtrl() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		if c.srv.config.Debug {
			log.Printf("[DEBUG] Ctrl %s: % x", c.role, msg)
		}
		c.srv.sched.Post(func() { c.srv.backend.OnCtrlData(c.role, msg) })
	}
}

// readPCM only reads while the engine has granted credit
func (c *conn) readPCM() {
	for {
		if !c.waitCredit() {
			return
		}
		messageType, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			log.Printf("Unexpected data channel message type: %d", messageType)
			continue
		}

		c.mu.Lock()
		c.credit -= len(msg)
		if c.credit < 0 {
			c.credit = 0
		}
		c.mu.Unlock()

		c.srv.sched.Post(func() { c.deliver(msg) })
	}
}

func (c *conn) discardReads() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *conn) waitCredit() bool {
	for {
		c.mu.Lock()
		ok := c.credit > 0
		c.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-c.wake:
		case <-c.quit:
			return false
		}
	}
}

// deliver runs on the loop
func (c *conn) deliver(msg []byte) {
	if len(c.pending) > 0 {
		msg = append(c.pending, msg...)
		c.pending = nil
	}
	n := c.srv.backend.OnData(c.role, msg)
	if n >= len(msg) {
		return
	}
	rest := msg[n:]
	if len(rest) > maxPending {
		if c.srv.config.Debug {
			log.Printf("[DEBUG] Data %s: dropping %d held bytes", c.role, len(rest)-maxPending)
		}
		rest = rest[len(rest)-maxPending:]
	}
	c.pending = append([]byte(nil), rest...)
}

// RequestRead grants the reader max bytes. Called on the loop.
func (c *conn) RequestRead(max int) {
	c.mu.Lock()
	c.credit = max
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	if len(c.pending) > 0 {
		c.srv.sched.Post(func() {
			if len(c.pending) > 0 {
				p := c.pending
				c.pending = nil
				c.deliver(p)
			}
		})
	}
}

// StopRead withdraws read credit. Called on the loop.
func (c *conn) StopRead() {
	c.mu.Lock()
	c.credit = 0
	c.mu.Unlock()
}

// Write queues a control message. Called on the loop.
func (c *conn) Write(p []byte) error {
	return c.enqueue(outbound{data: append([]byte(nil), p...)})
}

// WriteAsync queues a data message; done is posted to the loop once written
func (c *conn) WriteAsync(p []byte, done func()) error {
	return c.enqueue(outbound{data: p, done: done})
}

func (c *conn) enqueue(o outbound) error {
	select {
	case <-c.quit:
		return errClosed
	default:
	}
	select {
	case c.send <- o:
		return nil
	default:
		return errBufferFull
	}
}

func (c *conn) writer() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case o := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := c.ws.WriteMessage(websocket.BinaryMessage, o.data)
			if o.done != nil {
				c.srv.sched.Post(o.done)
			}
			if err != nil {
				log.Printf("Error writing %s/%s message: %v", c.role, c.channel, err)
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				c.close()
				return
			}

		case <-c.quit:
			return
		}
	}
}
