// ABOUTME: Acquired media transport socket carrying RTP media packets
// ABOUTME: Writes go through a bounded queue drained by one writer goroutine
package bluez

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
)

const mediaQueueLen = 32

var (
	errMediaClosed = errors.New("bluez: media transport closed")
	errCongested   = errors.New("bluez: media transport congested")
)

type mediaConn struct {
	file     *os.File
	mtuRead  int
	mtuWrite int

	send      chan []byte
	quit      chan struct{}
	closeOnce sync.Once
}

func newMediaConn(fd, mtuRead, mtuWrite int) *mediaConn {
	// Non-blocking so Close interrupts a pending read through the runtime poller.
	if err := syscall.SetNonblock(fd, true); err != nil {
		log.Printf("BlueZ: set non-blocking on fd %d: %v", fd, err)
	}
	c := &mediaConn{
		file:     os.NewFile(uintptr(fd), "a2dp-transport"),
		mtuRead:  mtuRead,
		mtuWrite: mtuWrite,
		send:     make(chan []byte, mediaQueueLen),
		quit:     make(chan struct{}),
	}
	go c.writer()
	return c
}

// Send queues one packet; it never blocks the caller
func (c *mediaConn) Send(p []byte) error {
	if c.mtuWrite > 0 && len(p) > c.mtuWrite {
		return fmt.Errorf("packet of %d bytes exceeds MTU %d", len(p), c.mtuWrite)
	}
	select {
	case <-c.quit:
		return errMediaClosed
	default:
	}
	select {
	case c.send <- p:
		return nil
	default:
		return errCongested
	}
}

func (c *mediaConn) writer() {
	for {
		select {
		case p := <-c.send:
			if _, err := c.file.Write(p); err != nil {
				log.Printf("BlueZ: media write failed: %v", err)
				c.Close()
				return
			}
		case <-c.quit:
			return
		}
	}
}

// readLoop delivers every inbound packet until the transport closes
func (c *mediaConn) readLoop(deliver func([]byte)) {
	size := c.mtuRead
	if size < 1024 {
		size = 1024
	}
	buf := make([]byte, size)
	for {
		n, err := c.file.Read(buf)
		if err != nil {
			select {
			case <-c.quit:
			default:
				log.Printf("BlueZ: media read failed: %v", err)
			}
			return
		}
		if n > 0 {
			deliver(append([]byte(nil), buf[:n]...))
		}
	}
}

func (c *mediaConn) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.file.Close()
	})
}
