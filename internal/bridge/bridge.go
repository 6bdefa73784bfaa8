// ABOUTME: Control channel bridge between the audio subsystem and one streaming role
// ABOUTME: Turns START/STOP/CONFIG_DONE commands into stream calls and writes events back
package bridge

import (
	"errors"
	"log"

	"github.com/Sendspin/bluestream/internal/device"
	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/Sendspin/bluestream/pkg/protocol"
)

// ErrNoChannel is returned when writing with no control channel attached
var ErrNoChannel = errors.New("bridge: control channel not connected")

// Stream is the streaming session a bridge drives
type Stream interface {
	// Ready reports a connected peer with a configured codec
	Ready() bool
	// Running reports an active stream (source running, sink started)
	Running() bool
	// RequestStart asks the link to start the stream (source)
	RequestStart() error
	// Resume starts forwarding received media (sink)
	Resume()
	// PrepareSuspend drains and then suspends the stream (source)
	PrepareSuspend()
	// Mute stops forwarding received media (sink)
	Mute()
	// CodecStateChanged re-runs codec setup for the role
	CodecStateChanged()
	// Config returns the active codec configuration, if any
	Config() *codec.Config
}

// CtrlChannel writes one control channel message
type CtrlChannel interface {
	Write(p []byte) error
}

// Bridge is the control endpoint of one role. All methods run on the
// service loop.
type Bridge struct {
	role   device.Role
	stream Stream
	debug  bool

	ctrl          CtrlChannel
	dataOpen      bool
	configPending bool
}

// New creates a bridge for role
func New(role device.Role, stream Stream, debug bool) *Bridge {
	return &Bridge{role: role, stream: stream, debug: debug}
}

// Role returns the bridged role
func (b *Bridge) Role() device.Role { return b.role }

// CtrlOpen reports whether a control channel is attached
func (b *Bridge) CtrlOpen() bool { return b.ctrl != nil }

// DataOpen reports whether a data channel is attached
func (b *Bridge) DataOpen() bool { return b.dataOpen }

// ConfigPending reports that the audio subsystem has not seen a valid config
func (b *Bridge) ConfigPending() bool { return b.configPending }

// OnCtrlOpen attaches a control channel and pushes the current config
func (b *Bridge) OnCtrlOpen(ch CtrlChannel) {
	if b.ctrl != nil {
		log.Printf("Bridge %s: replacing control channel", b.role)
	}
	b.ctrl = ch
	log.Printf("Bridge %s: control channel open", b.role)

	if b.stream.Ready() {
		b.SendConfig(b.stream.Config())
		return
	}
	b.SendConfig(nil)
}

// OnCtrlClose detaches the control channel
func (b *Bridge) OnCtrlClose() {
	if b.ctrl == nil {
		return
	}
	b.ctrl = nil
	log.Printf("Bridge %s: control channel closed", b.role)
}

// OnDataOpen records the data channel as attached
func (b *Bridge) OnDataOpen() {
	b.dataOpen = true
	log.Printf("Bridge %s: data channel open", b.role)
}

// OnDataClose records the data channel as detached
func (b *Bridge) OnDataClose() {
	if !b.dataOpen {
		return
	}
	b.dataOpen = false
	log.Printf("Bridge %s: data channel closed", b.role)
}

// OnCtrlData handles one control channel read of concatenated commands
func (b *Bridge) OnCtrlData(data []byte) {
	for _, cmd := range protocol.ParseCommands(data) {
		if !cmd.Valid() {
			log.Printf("Bridge %s: skipping unknown command %d", b.role, uint8(cmd))
			continue
		}
		if b.debug {
			log.Printf("[DEBUG] Bridge %s: %s", b.role, cmd)
		}
		b.handle(cmd)
	}
}

func (b *Bridge) handle(cmd protocol.Command) {
	switch cmd {
	case protocol.CommandStart:
		if b.role == device.RoleSink {
			b.startSink()
		} else {
			b.startSource()
		}
	case protocol.CommandStop:
		if b.role == device.RoleSink {
			b.stream.Mute()
			b.SendEvent(protocol.EventStopped)
		} else {
			b.stream.PrepareSuspend()
		}
	case protocol.CommandConfigDone:
		b.stream.CodecStateChanged()
	}
}

func (b *Bridge) startSource() {
	if !b.stream.Ready() {
		log.Printf("Bridge %s: start with no configured peer", b.role)
		b.SendEvent(protocol.EventStartFail)
		return
	}
	if b.stream.Running() {
		b.SendEvent(protocol.EventStarted)
		return
	}
	if err := b.stream.RequestStart(); err != nil {
		log.Printf("Bridge %s: %v", b.role, err)
		b.SendEvent(protocol.EventStartFail)
	}
}

func (b *Bridge) startSink() {
	if !b.stream.Ready() && !b.stream.Running() {
		log.Printf("Bridge %s: start with no connected peer", b.role)
		b.SendEvent(protocol.EventStartFail)
		return
	}
	b.SendEvent(protocol.EventStarted)
	b.stream.Resume()
}

// SendEvent writes a single-byte event
func (b *Bridge) SendEvent(ev protocol.Event) {
	if err := b.write(protocol.Notification{Event: ev}.Encode()); err != nil {
		log.Printf("Bridge %s: dropping %s: %v", b.role, ev, err)
	}
}

// SendConfig writes an UPDATE_CONFIG event. A nil config is sent as invalid
// and leaves the config pending.
func (b *Bridge) SendConfig(cfg *codec.Config) {
	b.configPending = cfg == nil
	if err := b.write(protocol.NewAudioConfig(cfg).Encode()); err != nil {
		b.configPending = true
		log.Printf("Bridge %s: dropping %s: %v", b.role, protocol.EventUpdateConfig, err)
		return
	}
	if cfg != nil {
		log.Printf("Bridge %s: config pushed: %s", b.role, cfg)
	}
}

func (b *Bridge) write(p []byte) error {
	if b.ctrl == nil {
		return ErrNoChannel
	}
	return b.ctrl.Write(p)
}
