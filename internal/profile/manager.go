// ABOUTME: A2DP profile manager: owns the device registry, state machines and stream service
// ABOUTME: Routes link-layer events to per-peer machines and their results to the streams
package profile

import (
	"fmt"
	"log"
	"time"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/loop"
	"github.com/Sendspin/bluestream/internal/statemachine"
	"github.com/Sendspin/bluestream/internal/stream"
)

// Link is the link-layer stack: radio connections and stream signalling
type Link interface {
	Connect(addr device.Address, role device.Role) error
	Disconnect(addr device.Address) error
	StartStream(addr device.Address) error
	SuspendStream(addr device.Address) error
}

// Config tunes the manager
type Config struct {
	Stream stream.Config
	// ConnectTimeout bounds OPENING; zero waits forever
	ConnectTimeout time.Duration
	// StartTimeout bounds a stream start; zero waits forever
	StartTimeout time.Duration
	Debug        bool
}

// Manager is the profile entry point. Methods ending in Async are safe from
// any goroutine; everything else runs on the service loop.
type Manager struct {
	cfg      Config
	sched    loop.Scheduler
	link     Link
	registry *device.Registry
	service  *stream.Service
	peers    map[device.Handle]*peer
}

// New creates a manager and its stream service
func New(cfg Config, sched loop.Scheduler, link Link, sender stream.MediaSender) *Manager {
	m := &Manager{
		cfg:      cfg,
		sched:    sched,
		link:     link,
		registry: device.NewRegistry(),
		peers:    make(map[device.Handle]*peer),
	}
	m.service = stream.New(cfg.Stream, sched, m.registry, m, sender)
	return m
}

// Service returns the stream service
func (m *Manager) Service() *stream.Service { return m.service }

// Registry returns the device registry
func (m *Manager) Registry() *device.Registry { return m.registry }

// Init initialises the given roles
func (m *Manager) Init(roles []device.Role, offload bool) error {
	for _, r := range roles {
		if err := m.service.Init(r, offload); err != nil {
			return err
		}
	}
	return nil
}

// peerFor returns the peer for addr, creating the record when create is set
func (m *Manager) peerFor(addr device.Address, role device.Role, create bool) (*peer, bool) {
	if dev, ok := m.registry.Lookup(addr); ok {
		return m.peers[dev.Handle], true
	}
	if !create {
		return nil, false
	}
	dev, _ := m.registry.Create(addr, role)
	p := &peer{m: m, dev: dev}
	dev.Machine = statemachine.New(addr.String(), m.sched, p, p, m.cfg.Debug)
	m.peers[dev.Handle] = p
	log.Printf("Profile: new %s peer %s (%s)", role, addr, dev.Handle)
	return p, true
}

// Connect starts an outgoing connection to addr
func (m *Manager) Connect(addr device.Address, role device.Role) {
	p, _ := m.peerFor(addr, role, true)
	p.dev.DisconnectRequested = false
	p.dev.Machine.Post(statemachine.Event{Type: statemachine.ConnectReq})
}

// Disconnect runs the first phase of a local disconnect; the record is
// removed once the link confirms
func (m *Manager) Disconnect(addr device.Address) error {
	p, ok := m.peerFor(addr, 0, false)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotFound, addr)
	}
	p.dev.DisconnectRequested = true
	p.dev.Machine.Post(statemachine.Event{Type: statemachine.DisconnectReq})
	return nil
}

// LinkEvent feeds a link-layer event for addr into its state machine.
// Records are created for connection events only.
func (m *Manager) LinkEvent(addr device.Address, role device.Role, ev statemachine.Event) {
	create := ev.Type == statemachine.ConnectedEvt || ev.Type == statemachine.ConnectReq
	p, ok := m.peerFor(addr, role, create)
	if !ok {
		if m.cfg.Debug {
			log.Printf("[DEBUG] Profile: dropping %s for unknown peer %s", ev.Type, addr)
		}
		return
	}
	p.dev.Machine.Post(ev)
}

// ConnectAsync posts Connect to the service loop
func (m *Manager) ConnectAsync(addr device.Address, role device.Role) {
	m.sched.Post(func() { m.Connect(addr, role) })
}

// DisconnectAsync posts Disconnect to the service loop
func (m *Manager) DisconnectAsync(addr device.Address) {
	m.sched.Post(func() {
		if err := m.Disconnect(addr); err != nil {
			log.Printf("Profile: %v", err)
		}
	})
}

// LinkEventAsync posts LinkEvent to the service loop
func (m *Manager) LinkEventAsync(addr device.Address, role device.Role, ev statemachine.Event) {
	m.sched.Post(func() { m.LinkEvent(addr, role, ev) })
}

// RequestStart asks the peer's machine to start its stream
func (m *Manager) RequestStart(role device.Role, addr device.Address) error {
	p, ok := m.peerFor(addr, role, false)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotFound, addr)
	}
	if p.dev.Machine.State() != statemachine.StateOpened && p.dev.Machine.State() != statemachine.StateStarted {
		return fmt.Errorf("%w: %s is %s", stream.ErrNotReady, addr, p.dev.Machine.State())
	}
	p.dev.Machine.Post(statemachine.Event{Type: statemachine.StreamStartReq})
	return nil
}

// RequestSuspend asks the peer's machine to suspend its stream
func (m *Manager) RequestSuspend(role device.Role, addr device.Address) {
	p, ok := m.peerFor(addr, role, false)
	if !ok {
		log.Printf("Profile: suspend for unknown peer %s", addr)
		return
	}
	p.dev.Machine.Post(statemachine.Event{Type: statemachine.StreamSuspendReq})
}

// Shutdown destroys every peer with the forced two-step disconnect and
// cleans up the stream sessions
func (m *Manager) Shutdown() {
	var peers []*peer
	m.registry.Each(func(d *device.Device) {
		peers = append(peers, m.peers[d.Handle])
	})
	for _, p := range peers {
		p.dev.DisconnectRequested = true
		p.dev.Machine.Destroy()
	}
	m.service.Cleanup(device.RoleSource)
	m.service.Cleanup(device.RoleSink)
	log.Printf("Profile: shut down, %d peers released", len(peers))
}

func (m *Manager) remove(p *peer) {
	if _, ok := m.registry.Get(p.dev.Handle); !ok {
		return
	}
	delete(m.peers, p.dev.Handle)
	if err := m.registry.Remove(p.dev.Handle); err != nil {
		log.Printf("Profile: %v", err)
	}
}
