// ABOUTME: Per-peer A2DP connection state machine with an ordered event queue
// ABOUTME: Events drain one at a time on the service loop, never re-entrantly
package statemachine

import (
	"log"

	"github.com/Sendspin/bluestream/internal/loop"
)

// Machine is the connection state machine of one peer. All methods must be
// called on the service loop.
type Machine struct {
	name  string
	state State
	sched loop.Scheduler
	link  Link
	obs   Observer
	debug bool

	queue     []Event
	scheduled bool
	draining  bool
	destroyed bool

	startDelay loop.Timer
}

// New creates a machine in StateIdle
func New(name string, sched loop.Scheduler, link Link, obs Observer, debug bool) *Machine {
	return &Machine{
		name:  name,
		state: StateIdle,
		sched: sched,
		link:  link,
		obs:   obs,
		debug: debug,
	}
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Pending returns the number of queued events
func (m *Machine) Pending() int {
	return len(m.queue)
}

// Post appends ev to the queue and schedules a drain on the loop
func (m *Machine) Post(ev Event) {
	if m.destroyed {
		if m.debug {
			log.Printf("[DEBUG] SM %s: dropping %s after destroy", m.name, ev.Type)
		}
		return
	}
	m.queue = append(m.queue, ev)
	if !m.scheduled {
		m.scheduled = true
		m.sched.Post(m.drain)
	}
}

func (m *Machine) drain() {
	m.scheduled = false
	if m.draining {
		return
	}
	m.draining = true
	for len(m.queue) > 0 && !m.destroyed {
		ev := m.queue[0]
		m.queue[0] = Event{}
		m.queue = m.queue[1:]
		m.handle(ev)
	}
	m.draining = false
}

// Destroy runs the forced two-step disconnect so cleanup completes even
// when the peer never confirms, then cancels timers. Later posts are dropped.
func (m *Machine) Destroy() {
	if m.destroyed {
		return
	}
	log.Printf("SM %s: destroying in state %s", m.name, m.state)
	m.queue = nil
	m.handle(Event{Type: DisconnectReq})
	m.handle(Event{Type: DisconnectedEvt})
	m.cancelStartDelay()
	m.destroyed = true
}

func (m *Machine) setState(s State) {
	if s == m.state {
		return
	}
	log.Printf("SM %s: %s -> %s", m.name, m.state, s)
	m.state = s
}

func (m *Machine) cancelStartDelay() {
	if m.startDelay != nil {
		m.startDelay.Stop()
		m.startDelay = nil
	}
}

func (m *Machine) ignore(ev Event) {
	if m.debug {
		log.Printf("[DEBUG] SM %s: ignoring %s in %s", m.name, ev.Type, m.state)
	}
}

func (m *Machine) handle(ev Event) {
	if m.debug {
		log.Printf("[DEBUG] SM %s: %s in %s", m.name, ev.Type, m.state)
	}
	if ev.Type == Shutdown {
		m.Destroy()
		return
	}

	switch m.state {
	case StateIdle:
		m.handleIdle(ev)
	case StateOpening:
		m.handleOpening(ev)
	case StateOpened:
		m.handleOpened(ev)
	case StateStarted:
		m.handleStarted(ev)
	case StateClosing:
		m.handleClosing(ev)
	}
}

// handleLinkInfo forwards link facts that may arrive in any connected state
func (m *Machine) handleLinkInfo(ev Event) bool {
	switch ev.Type {
	case StreamMTUConfigEvt:
		m.obs.OnMTU(ev.MTU)
	case CodecConfigEvt:
		m.obs.OnCodecConfig(ev.CodecType, ev.Capability)
	case DeviceCodecStateChangeEvt:
		m.obs.OnCodecStateChange()
	default:
		return false
	}
	return true
}

func (m *Machine) disconnect() {
	m.cancelStartDelay()
	if err := m.link.Disconnect(); err != nil {
		log.Printf("SM %s: disconnect request failed: %v", m.name, err)
	}
	m.setState(StateClosing)
}

func (m *Machine) disconnected() {
	m.cancelStartDelay()
	m.setState(StateIdle)
	m.obs.OnDisconnected()
}

func (m *Machine) handleIdle(ev Event) {
	switch ev.Type {
	case Startup:
		log.Printf("SM %s: started", m.name)
	case ConnectReq:
		if err := m.link.Connect(); err != nil {
			log.Printf("SM %s: connect request failed: %v", m.name, err)
			m.obs.OnDisconnected()
			return
		}
		m.setState(StateOpening)
	case ConnectedEvt:
		m.setState(StateOpened)
		m.obs.OnConnected(ev)
	case DisconnectReq:
		// Nothing to tear down; confirm right away.
		m.obs.OnDisconnected()
	default:
		m.ignore(ev)
	}
}

func (m *Machine) handleOpening(ev Event) {
	if m.handleLinkInfo(ev) {
		return
	}
	switch ev.Type {
	case ConnectedEvt:
		m.setState(StateOpened)
		m.obs.OnConnected(ev)
	case DisconnectedEvt, ConnectTimeout:
		m.disconnected()
	case DisconnectReq:
		m.disconnect()
	default:
		m.ignore(ev)
	}
}

func (m *Machine) startStream() {
	if err := m.link.StartStream(); err != nil {
		log.Printf("SM %s: start stream failed: %v", m.name, err)
		m.obs.OnStreamStarted(false)
	}
}

func (m *Machine) handleOpened(ev Event) {
	if m.handleLinkInfo(ev) {
		return
	}
	switch ev.Type {
	case StreamStartReq, PeerStreamStartReq:
		m.cancelStartDelay()
		m.startStream()
	case DelayStreamStartReq:
		delay := ev.Delay
		if delay <= 0 {
			delay = DefaultStartDelay
		}
		m.cancelStartDelay()
		m.startDelay = m.sched.AfterFunc(delay, func() {
			m.startDelay = nil
			m.Post(Event{Type: StreamStartReq})
		})
	case StreamStartedEvt:
		m.cancelStartDelay()
		m.setState(StateStarted)
		m.obs.OnStreamStarted(true)
	case StreamStartTimeout:
		m.obs.OnStreamStarted(false)
	case StreamSuspendReq, StreamSuspendedEvt, StreamClosedEvt:
		// Already suspended; acknowledge so a draining stream can finish.
		m.obs.OnStreamSuspended()
	case DisconnectReq:
		m.disconnect()
	case DisconnectedEvt:
		m.disconnected()
	default:
		m.ignore(ev)
	}
}

func (m *Machine) handleStarted(ev Event) {
	if m.handleLinkInfo(ev) {
		return
	}
	switch ev.Type {
	case StreamSuspendReq:
		if err := m.link.SuspendStream(); err != nil {
			log.Printf("SM %s: suspend stream failed: %v", m.name, err)
			m.setState(StateOpened)
			m.obs.OnStreamSuspended()
		}
	case StreamSuspendedEvt, StreamClosedEvt, StreamSuspendTimeout:
		m.setState(StateOpened)
		m.obs.OnStreamSuspended()
	case StreamStartReq, PeerStreamStartReq, StreamStartedEvt:
		m.obs.OnStreamStarted(true)
	case DataIndEvt:
		m.obs.OnMedia(ev.Media)
	case OffloadStartReq:
		m.obs.OnOffload(true)
	case OffloadStopReq:
		m.obs.OnOffload(false)
	case DisconnectReq:
		m.obs.OnStreamSuspended()
		m.disconnect()
	case DisconnectedEvt:
		m.obs.OnStreamSuspended()
		m.disconnected()
	default:
		m.ignore(ev)
	}
}

func (m *Machine) handleClosing(ev Event) {
	switch ev.Type {
	case DisconnectedEvt, DisconnectTimeout:
		m.disconnected()
	default:
		m.ignore(ev)
	}
}
