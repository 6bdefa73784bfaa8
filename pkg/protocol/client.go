// ABOUTME: WebSocket client for the audio subsystem side of the A2DP channels
// ABOUTME: Dials the control and data endpoints of one role and routes events
package protocol

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Channel names used in endpoint paths
const (
	ChannelCtrl = "ctrl"
	ChannelData = "data"
)

// ChannelPath returns the HTTP path serving a role's channel
func ChannelPath(role, channel string) string {
	return "/a2dp/" + role + "/" + channel
}

// Config holds client configuration
type Config struct {
	ServerAddr string
	Role       string // "source" or "sink"
}

// Client holds the control and data connections of one role
type Client struct {
	config Config
	ctrl   *websocket.Conn
	data   *websocket.Conn
	mu     sync.Mutex

	// Events carries decoded control channel events
	Events chan Notification
	// Media carries data channel packets (sink role)
	Media chan []byte

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new client
func NewClient(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config: config,
		Events: make(chan Notification, 16),
		Media:  make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) dial(channel string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: ChannelPath(c.config.Role, channel)}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", channel, err)
	}
	return conn, nil
}

// Connect opens the control channel, then the data channel
func (c *Client) Connect() error {
	ctrl, err := c.dial(ChannelCtrl)
	if err != nil {
		return err
	}
	data, err := c.dial(ChannelData)
	if err != nil {
		ctrl.Close()
		return err
	}

	c.mu.Lock()
	c.ctrl = ctrl
	c.data = data
	c.connected = true
	c.mu.Unlock()

	go c.readCtrl()
	go c.readData()

	return nil
}

func (c *Client) readCtrl() {
	defer c.Close()

	for {
		_, msg, err := c.ctrl.ReadMessage()
		if err != nil {
			log.Printf("Control read error: %v", err)
			return
		}

		events, err := DecodeEvents(msg)
		if err != nil {
			log.Printf("Failed to decode control events: %v", err)
			continue
		}
		for _, ev := range events {
			select {
			case c.Events <- ev:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *Client) readData() {
	for {
		messageType, msg, err := c.data.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			log.Printf("Unexpected data channel message type: %d", messageType)
			continue
		}

		select {
		case c.Media <- msg:
		case <-c.ctx.Done():
			return
		default:
			log.Printf("Media channel full, dropping packet")
		}
	}
}

// SendCommand writes one or more commands as a single control channel write
func (c *Client) SendCommand(cmds ...Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return c.ctrl.WriteMessage(websocket.BinaryMessage, EncodeCommands(cmds...))
}

// WriteData writes one PCM chunk to the data channel (source role)
func (c *Client) WriteData(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return c.data.WriteMessage(websocket.BinaryMessage, p)
}

// Done is closed once the client has been closed
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes both connections
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.ctrl.Close()
		c.data.Close()
		log.Printf("Connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
