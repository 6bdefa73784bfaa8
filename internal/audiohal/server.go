// ABOUTME: WebSocket endpoint for the audio subsystem's control and data channels
// ABOUTME: Serves /a2dp/{role}/{ctrl|data} and hands channel traffic to the service loop
package audiohal

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Sendspin/bluestream/internal/bridge"
	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/discovery"
	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/internal/stream"
	"github.com/Sendspin/bluestream/pkg/protocol"
	"github.com/gorilla/websocket"
)

// Backend receives channel traffic. Every call is made on the service loop.
type Backend interface {
	AttachCtrl(role device.Role, ch bridge.CtrlChannel) error
	DetachCtrl(role device.Role)
	OnCtrlData(role device.Role, data []byte)
	AttachData(role device.Role, ep stream.DataEndpoint) error
	DetachData(role device.Role)
	OnData(role device.Role, p []byte) int
}

// Config holds server configuration
type Config struct {
	Port       int
	Name       string
	Roles      []device.Role
	EnableMDNS bool
	Debug      bool
}

// Server accepts audio subsystem channel connections
type Server struct {
	config  Config
	sched   loop.Scheduler
	backend Backend

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
	listener   net.Listener

	conns   map[string]*conn // keyed by endpoint path
	connsMu sync.Mutex

	mdnsManager *discovery.Manager
	wg          sync.WaitGroup
}

// New creates a server for the configured roles
func New(config Config, sched loop.Scheduler, backend Backend) *Server {
	s := &Server{
		config:  config,
		sched:   sched,
		backend: backend,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The audio subsystem is a local process, not a browser.
				return r.Header.Get("Origin") == ""
			},
		},
		conns: make(map[string]*conn),
	}
	for _, role := range config.Roles {
		for _, ch := range []string{protocol.ChannelCtrl, protocol.ChannelData} {
			s.mux.HandleFunc(protocol.ChannelPath(role.String(), ch), s.handler(role, ch))
		}
	}
	return s
}

// Handler returns the HTTP handler serving every endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Listen binds the configured port. Run calls it when needed.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Roles:       s.config.Roles,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		}
	}

	s.httpServer = &http.Server{Handler: s.mux}
	log.Printf("Audio channel server listening on %s", s.listener.Addr())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		log.Printf("Audio channel server shutting down...")
	case err := <-errChan:
		serverErr = err
	}

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	s.connsMu.Lock()
	for _, c := range s.conns {
		c.close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Connections returns the endpoint paths with a connected channel
func (s *Server) Connections() []string {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]string, 0, len(s.conns))
	for path := range s.conns {
		out = append(out, path)
	}
	return out
}

func (s *Server) handler(role device.Role, channel string) http.HandlerFunc {
	path := protocol.ChannelPath(role.String(), channel)
	return func(w http.ResponseWriter, r *http.Request) {
		s.connsMu.Lock()
		if _, exists := s.conns[path]; exists {
			s.connsMu.Unlock()
			log.Printf("Rejecting second %s connection from %s", path, r.RemoteAddr)
			http.Error(w, "channel already connected", http.StatusConflict)
			return
		}
		s.connsMu.Unlock()

		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}

		c := newConn(s, role, channel, ws)
		s.connsMu.Lock()
		if _, exists := s.conns[path]; exists {
			s.connsMu.Unlock()
			ws.Close()
			return
		}
		s.conns[path] = c
		s.connsMu.Unlock()

		log.Printf("Channel %s connected from %s (%s)", path, r.RemoteAddr, c.id)
		c.serve()

		s.connsMu.Lock()
		delete(s.conns, path)
		s.connsMu.Unlock()
		log.Printf("Channel %s disconnected (%s)", path, c.id)
	}
}
