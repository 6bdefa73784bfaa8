// ABOUTME: BlueZ D-Bus link layer for A2DP peers
// ABOUTME: Drives Device1 and MediaTransport1 and reports link events to the profile manager
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/statemachine"
	"github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
	deviceIface     = "org.bluez.Device1"
	transportIface  = "org.bluez.MediaTransport1"

	// AudioSourceUUID is advertised by peers that stream to us
	AudioSourceUUID = "0000110a-0000-1000-8000-00805f9b34fb"
	// AudioSinkUUID is advertised by peers that play what we stream
	AudioSinkUUID = "0000110b-0000-1000-8000-00805f9b34fb"
)

var (
	ErrNoTransport = errors.New("bluez: no media transport")
	ErrNotAcquired = errors.New("bluez: media transport not acquired")
)

// EventSink receives link events from any goroutine
type EventSink interface {
	LinkEventAsync(addr device.Address, role device.Role, ev statemachine.Event)
}

// Config holds link layer configuration
type Config struct {
	Adapter string
	Roles   []device.Role
	Debug   bool
}

type peerLink struct {
	addr      device.Address
	role      device.Role
	roleKnown bool
	transport dbus.ObjectPath
	codecID   byte
	media     *mediaConn
}

// Link implements the profile link interface and the media sender over BlueZ
type Link struct {
	config Config
	sink   EventSink

	conn  *dbus.Conn
	mu    sync.Mutex
	peers map[device.Address]*peerLink
	wg    sync.WaitGroup
}

// New creates a link layer; Run connects it to the system bus
func New(config Config, sink EventSink) *Link {
	if config.Adapter == "" {
		config.Adapter = "hci0"
	}
	if len(config.Roles) == 0 {
		config.Roles = []device.Role{device.RoleSource}
	}
	return &Link{
		config: config,
		sink:   sink,
		peers:  make(map[device.Address]*peerLink),
	}
}

func (l *Link) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + l.config.Adapter)
}

// DevicePath returns the BlueZ object path of addr on adapter
func DevicePath(adapter string, addr device.Address) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(addr.String(), ":", "_"))
}

func (l *Link) post(addr device.Address, role device.Role, ev statemachine.Event) {
	if l.config.Debug {
		log.Printf("[DEBUG] BlueZ: %s %s", addr, ev.Type)
	}
	l.sink.LinkEventAsync(addr, role, ev)
}

// peer returns the entry for addr, creating it when missing. Caller holds mu.
func (l *Link) peer(addr device.Address) *peerLink {
	p, ok := l.peers[addr]
	if !ok {
		p = &peerLink{addr: addr, role: l.config.Roles[0]}
		l.peers[addr] = p
	}
	return p
}

// Run connects to the system bus and translates BlueZ signals until ctx is done
func (l *Link) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	defer conn.Close()

	sigCh := make(chan *dbus.Signal, 64)
	conn.Signal(sigCh)
	defer conn.RemoveSignal(sigCh)

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(l.adapterPath())},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	if err := l.prime(); err != nil {
		return err
	}
	log.Printf("BlueZ: link layer ready on %s", l.adapterPath())

	for {
		select {
		case <-ctx.Done():
			l.releaseAll()
			l.wg.Wait()
			return nil
		case sig := <-sigCh:
			if sig != nil {
				l.handleSignal(sig)
			}
		}
	}
}

// prime replays the current object tree as if every object had just appeared
func (l *Link) prime() error {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := l.conn.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	// Devices first so transports find their peer's role.
	for path, ifaces := range objs {
		if _, ok := ifaces[deviceIface]; ok {
			l.interfacesAdded(path, ifaces)
		}
	}
	for path, ifaces := range objs {
		if _, ok := ifaces[deviceIface]; !ok {
			l.interfacesAdded(path, ifaces)
		}
	}
	return nil
}

func (l *Link) object(path dbus.ObjectPath) (dbus.BusObject, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil, errors.New("bluez: not connected to the system bus")
	}
	return conn.Object(bluezService, path), nil
}

// call runs a D-Bus method off the service loop and reports failure via onErr
func (l *Link) call(path dbus.ObjectPath, method string, onErr func(error)) error {
	obj, err := l.object(path)
	if err != nil {
		return err
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := obj.Call(method, 0).Err; err != nil {
			onErr(err)
		}
	}()
	return nil
}

// Connect asks BlueZ to connect the peer's profiles
func (l *Link) Connect(addr device.Address, role device.Role) error {
	l.mu.Lock()
	p := l.peer(addr)
	p.role, p.roleKnown = role, true
	l.mu.Unlock()

	return l.call(DevicePath(l.config.Adapter, addr), deviceIface+".Connect", func(err error) {
		log.Printf("BlueZ: connect %s failed: %v", addr, err)
		l.post(addr, role, statemachine.Event{Type: statemachine.DisconnectedEvt})
	})
}

// Disconnect drops the peer's connection
func (l *Link) Disconnect(addr device.Address) error {
	l.mu.Lock()
	p := l.peer(addr)
	role := p.role
	media := p.media
	p.media = nil
	l.mu.Unlock()
	if media != nil {
		media.Close()
	}

	return l.call(DevicePath(l.config.Adapter, addr), deviceIface+".Disconnect", func(err error) {
		log.Printf("BlueZ: disconnect %s failed: %v", addr, err)
		l.post(addr, role, statemachine.Event{Type: statemachine.DisconnectedEvt})
	})
}

// StartStream acquires the media transport, which starts streaming
func (l *Link) StartStream(addr device.Address) error {
	l.mu.Lock()
	p, ok := l.peers[addr]
	var transport dbus.ObjectPath
	if ok {
		transport = p.transport
	}
	l.mu.Unlock()
	if transport == "" {
		return fmt.Errorf("%w for %s", ErrNoTransport, addr)
	}
	obj, err := l.object(transport)
	if err != nil {
		return err
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acquire(obj, p)
	}()
	return nil
}

// acquire takes the transport fd and reports the write MTU
func (l *Link) acquire(obj dbus.BusObject, p *peerLink) {
	l.mu.Lock()
	role := p.role
	l.mu.Unlock()

	var (
		fd       dbus.UnixFD
		mtuRead  uint16
		mtuWrite uint16
	)
	call := obj.Call(transportIface+".Acquire", 0)
	if call.Err == nil {
		call.Err = call.Store(&fd, &mtuRead, &mtuWrite)
	}
	if call.Err != nil {
		log.Printf("BlueZ: acquire %s failed: %v", p.addr, call.Err)
		// Reported as a start timeout so the stream sees START_FAIL.
		l.post(p.addr, role, statemachine.Event{Type: statemachine.StreamStartTimeout})
		return
	}

	media := newMediaConn(int(fd), int(mtuRead), int(mtuWrite))
	l.mu.Lock()
	old := p.media
	p.media = media
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}

	log.Printf("BlueZ: acquired %s (read MTU %d, write MTU %d)", p.addr, mtuRead, mtuWrite)
	if role == device.RoleSink {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			media.readLoop(func(pkt []byte) {
				l.post(p.addr, role, statemachine.Event{Type: statemachine.DataIndEvt, Media: pkt})
			})
		}()
	}
	l.post(p.addr, role, statemachine.Event{Type: statemachine.StreamMTUConfigEvt, MTU: int(mtuWrite)})
}

// SuspendStream releases the media transport, which suspends streaming
func (l *Link) SuspendStream(addr device.Address) error {
	l.mu.Lock()
	p, ok := l.peers[addr]
	if !ok || p.transport == "" {
		l.mu.Unlock()
		return fmt.Errorf("%w for %s", ErrNoTransport, addr)
	}
	media, transport, role := p.media, p.transport, p.role
	p.media = nil
	l.mu.Unlock()
	if media != nil {
		media.Close()
	}

	return l.call(transport, transportIface+".Release", func(err error) {
		log.Printf("BlueZ: release %s failed: %v", addr, err)
		l.post(addr, role, statemachine.Event{Type: statemachine.StreamSuspendedEvt})
	})
}

// SendMedia queues one media packet on the peer's transport
func (l *Link) SendMedia(addr device.Address, packet []byte) error {
	l.mu.Lock()
	p, ok := l.peers[addr]
	var media *mediaConn
	if ok {
		media = p.media
	}
	l.mu.Unlock()
	if media == nil {
		return fmt.Errorf("%w: %s", ErrNotAcquired, addr)
	}
	return media.Send(packet)
}

func (l *Link) releaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.peers {
		if p.media != nil {
			p.media.Close()
			p.media = nil
		}
	}
}
