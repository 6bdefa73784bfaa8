// ABOUTME: Translation of BlueZ object signals into state machine events
// ABOUTME: Device1 Connected and MediaTransport1 State/Configuration drive the peer machines
package bluez

import (
	"log"
	"strings"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/internal/statemachine"
	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/godbus/dbus/v5"
)

// AddressFromPath extracts the peer address from a device or transport path
// such as /org/bluez/hci0/dev_00_11_22_33_44_55/sep1/fd0
func AddressFromPath(path dbus.ObjectPath) (device.Address, bool) {
	for _, seg := range strings.Split(string(path), "/") {
		if mac, ok := strings.CutPrefix(seg, "dev_"); ok {
			addr, err := device.ParseAddress(strings.ReplaceAll(mac, "_", ":"))
			return addr, err == nil
		}
	}
	return device.Address{}, false
}

// RoleFor picks the local role toward a peer from its service UUIDs. A peer
// that plays audio makes us a source; a peer that streams makes us a sink.
func RoleFor(uuids []string, roles []device.Role) (device.Role, bool) {
	has := func(target string) bool {
		for _, u := range uuids {
			if strings.EqualFold(u, target) {
				return true
			}
		}
		return false
	}
	for _, r := range roles {
		if r == device.RoleSource && has(AudioSinkUUID) {
			return r, true
		}
		if r == device.RoleSink && has(AudioSourceUUID) {
			return r, true
		}
	}
	return 0, false
}

// transportEvents maps changed MediaTransport1 properties to machine events.
// codecID is the last known Codec property; the updated value is returned.
func transportEvents(props map[string]dbus.Variant, codecID byte) ([]statemachine.Event, byte) {
	var evs []statemachine.Event
	if v, ok := props["Codec"]; ok {
		if id, ok := v.Value().(byte); ok {
			codecID = id
		}
	}
	if v, ok := props["Configuration"]; ok {
		if elem, ok := v.Value().([]byte); ok {
			evs = append(evs, statemachine.Event{
				Type:       statemachine.CodecConfigEvt,
				CodecType:  codec.Type(codecID),
				Capability: append([]byte(nil), elem...),
			})
		}
	}
	if v, ok := props["State"]; ok {
		switch state, _ := v.Value().(string); state {
		case "active":
			evs = append(evs, statemachine.Event{Type: statemachine.StreamStartedEvt})
		case "idle":
			evs = append(evs, statemachine.Event{Type: statemachine.StreamSuspendedEvt})
		}
	}
	return evs, codecID
}

func (l *Link) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		l.propertiesChanged(sig.Path, iface, changed)

	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		l.interfacesAdded(path, ifaces)

	case objManagerIface + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		for _, iface := range ifaces {
			if iface == transportIface {
				l.transportRemoved(path)
			}
		}
	}
}

// onAdapter filters out objects of other adapters
func (l *Link) onAdapter(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(l.adapterPath())+"/")
}

func (l *Link) interfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	if !l.onAdapter(path) {
		return
	}
	if props, ok := ifaces[deviceIface]; ok {
		l.deviceAdded(path, props)
	}
	if props, ok := ifaces[transportIface]; ok {
		l.transportAdded(path, props)
	}
}

func (l *Link) deviceAdded(path dbus.ObjectPath, props map[string]dbus.Variant) {
	addr, ok := AddressFromPath(path)
	if !ok {
		return
	}
	var uuids []string
	if v, ok := props["UUIDs"]; ok {
		uuids, _ = v.Value().([]string)
	}
	role, known := RoleFor(uuids, l.config.Roles)
	if !known {
		return
	}

	l.mu.Lock()
	p := l.peer(addr)
	if !p.roleKnown {
		p.role, p.roleKnown = role, true
	}
	role = p.role
	l.mu.Unlock()

	if v, ok := props["Connected"]; ok {
		if connected, _ := v.Value().(bool); connected {
			l.post(addr, role, statemachine.Event{Type: statemachine.ConnectedEvt})
		}
	}
}

func (l *Link) transportAdded(path dbus.ObjectPath, props map[string]dbus.Variant) {
	addr, ok := AddressFromPath(path)
	if !ok {
		return
	}
	l.mu.Lock()
	p := l.peer(addr)
	p.transport = path
	role := p.role
	l.mu.Unlock()

	log.Printf("BlueZ: media transport %s for %s", path, addr)
	l.transportChanged(p, role, props)
}

func (l *Link) transportRemoved(path dbus.ObjectPath) {
	addr, ok := AddressFromPath(path)
	if !ok {
		return
	}
	l.mu.Lock()
	p, ok := l.peers[addr]
	if !ok || p.transport != path {
		l.mu.Unlock()
		return
	}
	p.transport = ""
	media := p.media
	p.media = nil
	role := p.role
	l.mu.Unlock()
	if media != nil {
		media.Close()
	}
	l.post(addr, role, statemachine.Event{Type: statemachine.StreamClosedEvt})
}

func (l *Link) propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	addr, ok := AddressFromPath(path)
	if !ok {
		return
	}

	switch iface {
	case deviceIface:
		v, ok := changed["Connected"]
		if !ok {
			return
		}
		connected, _ := v.Value().(bool)
		l.mu.Lock()
		p := l.peer(addr)
		role, known := p.role, p.roleKnown
		if !connected && p.media != nil {
			p.media.Close()
			p.media = nil
		}
		l.mu.Unlock()
		if !known {
			if l.config.Debug {
				log.Printf("[DEBUG] BlueZ: ignoring %s, no audio profile", addr)
			}
			return
		}
		if connected {
			l.post(addr, role, statemachine.Event{Type: statemachine.ConnectedEvt})
		} else {
			l.post(addr, role, statemachine.Event{Type: statemachine.DisconnectedEvt})
		}

	case transportIface:
		l.mu.Lock()
		p, ok := l.peers[addr]
		var role device.Role
		if ok {
			role = p.role
		}
		l.mu.Unlock()
		if ok {
			l.transportChanged(p, role, changed)
		}
	}
}

func (l *Link) transportChanged(p *peerLink, role device.Role, props map[string]dbus.Variant) {
	// A peer source starting its stream leaves the transport pending until we acquire it.
	if v, ok := props["State"]; ok && role == device.RoleSink {
		if state, _ := v.Value().(string); state == "pending" {
			l.mu.Lock()
			transport := p.transport
			l.mu.Unlock()
			if obj, err := l.object(transport); err == nil {
				l.wg.Add(1)
				go func() {
					defer l.wg.Done()
					l.acquire(obj, p)
				}()
			}
		}
	}

	l.mu.Lock()
	evs, id := transportEvents(props, p.codecID)
	p.codecID = id
	l.mu.Unlock()

	for _, ev := range evs {
		l.post(p.addr, role, ev)
	}
}
