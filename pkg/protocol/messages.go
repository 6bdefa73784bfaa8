// ABOUTME: Control channel command and event definitions
// ABOUTME: Encodes and decodes the UPDATE_CONFIG audio format frame
package protocol

import (
	"errors"
	"fmt"

	"github.com/Sendspin/bluestream/pkg/codec"
)

// ErrUnknownEvent is returned when an event stream holds an undefined code
var ErrUnknownEvent = errors.New("protocol: unknown event code")

// Command is sent by the audio subsystem on the control channel
type Command uint8

const (
	CommandStart      Command = 0
	CommandStop       Command = 1
	CommandConfigDone Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "START"
	case CommandStop:
		return "STOP"
	case CommandConfigDone:
		return "CONFIG_DONE"
	default:
		return fmt.Sprintf("COMMAND(%d)", uint8(c))
	}
}

// Valid reports whether c is a defined command
func (c Command) Valid() bool {
	return c <= CommandConfigDone
}

// Event is sent by the daemon on the control channel
type Event uint8

const (
	EventStarted      Event = 0
	EventStartFail    Event = 1
	EventStopped      Event = 2
	EventUpdateConfig Event = 3
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "STARTED"
	case EventStartFail:
		return "START_FAIL"
	case EventStopped:
		return "STOPPED"
	case EventUpdateConfig:
		return "UPDATE_CONFIG"
	default:
		return fmt.Sprintf("EVENT(%d)", uint8(e))
	}
}

// ParseCommands splits a control channel read into its commands, in
// arrival order. Undefined codes are returned as-is for the caller to skip.
func ParseCommands(data []byte) []Command {
	cmds := make([]Command, len(data))
	for i, b := range data {
		cmds[i] = Command(b)
	}
	return cmds
}

// EncodeCommands returns the wire form of one or more commands
func EncodeCommands(cmds ...Command) []byte {
	out := make([]byte, len(cmds))
	for i, c := range cmds {
		out[i] = byte(c)
	}
	return out
}

// SBCFields are the SBC-specific UPDATE_CONFIG fields
type SBCFields struct {
	ChannelMode uint32
	Blocks      uint32
	Subbands    uint32
	AllocMethod uint32
	Bitpool     uint32
}

// AACFields are the AAC-specific UPDATE_CONFIG fields
type AACFields struct {
	ObjectType      uint32
	VariableBitRate uint32
}

// AudioConfig is the payload of an UPDATE_CONFIG event
type AudioConfig struct {
	Valid         bool
	CodecType     uint32
	SampleRate    uint32
	BitsPerSample uint32
	ChannelMode   uint32
	BitRate       uint32
	FrameSize     uint32
	PacketSize    uint32

	SBC *SBCFields
	AAC *AACFields
}

// NewAudioConfig builds the UPDATE_CONFIG payload for a negotiated codec.
// A nil config produces an invalid (placeholder) payload.
func NewAudioConfig(cfg *codec.Config) AudioConfig {
	if cfg == nil {
		return AudioConfig{}
	}
	ac := AudioConfig{
		Valid:         true,
		CodecType:     uint32(cfg.Type),
		SampleRate:    uint32(cfg.SampleRate),
		BitsPerSample: uint32(cfg.BitsPerSample),
		ChannelMode:   uint32(cfg.ChannelMode),
		BitRate:       uint32(cfg.BitRate),
		FrameSize:     uint32(cfg.FrameSize),
		PacketSize:    uint32(cfg.PacketSize),
	}
	switch {
	case cfg.SBC != nil:
		ac.SBC = &SBCFields{
			ChannelMode: uint32(cfg.SBC.ChannelMode),
			Blocks:      uint32(cfg.SBC.Blocks),
			Subbands:    uint32(cfg.SBC.Subbands),
			AllocMethod: uint32(cfg.SBC.Allocation),
			Bitpool:     uint32(cfg.SBC.Bitpool),
		}
	case cfg.AAC != nil:
		vbr := uint32(0)
		if cfg.AAC.VBR {
			vbr = 1
		}
		ac.AAC = &AACFields{ObjectType: uint32(cfg.AAC.ObjectType), VariableBitRate: vbr}
	}
	return ac
}

// Encode returns the full UPDATE_CONFIG frame including the event byte
func (c AudioConfig) Encode() []byte {
	out := make([]byte, 0, 2+12*4)
	out = append(out, byte(EventUpdateConfig))
	if !c.Valid {
		return append(out, 0)
	}
	out = append(out, 1)
	out = appendUint32s(out, c.CodecType, c.SampleRate, c.BitsPerSample,
		c.ChannelMode, c.BitRate, c.FrameSize, c.PacketSize)
	switch codec.Type(c.CodecType) {
	case codec.TypeSBC:
		s := c.SBC
		if s == nil {
			s = &SBCFields{}
		}
		out = appendUint32s(out, s.ChannelMode, s.Blocks, s.Subbands, s.AllocMethod, s.Bitpool)
	case codec.TypeAAC:
		a := c.AAC
		if a == nil {
			a = &AACFields{}
		}
		out = appendUint32s(out, a.ObjectType, a.VariableBitRate)
	}
	return out
}

// decodeConfig reads an UPDATE_CONFIG payload, after the event byte
func decodeConfig(r *Reader) (*AudioConfig, error) {
	valid, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	c := &AudioConfig{}
	if valid == 0 {
		return c, nil
	}
	c.Valid = true
	if err := r.readUint32s(&c.CodecType, &c.SampleRate, &c.BitsPerSample,
		&c.ChannelMode, &c.BitRate, &c.FrameSize, &c.PacketSize); err != nil {
		return nil, err
	}
	switch codec.Type(c.CodecType) {
	case codec.TypeSBC:
		c.SBC = &SBCFields{}
		if err := r.readUint32s(&c.SBC.ChannelMode, &c.SBC.Blocks, &c.SBC.Subbands,
			&c.SBC.AllocMethod, &c.SBC.Bitpool); err != nil {
			return nil, err
		}
	case codec.TypeAAC:
		c.AAC = &AACFields{}
		if err := r.readUint32s(&c.AAC.ObjectType, &c.AAC.VariableBitRate); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Notification is one decoded control channel event
type Notification struct {
	Event  Event
	Config *AudioConfig // set for EventUpdateConfig
}

// Encode returns the wire form of the notification
func (n Notification) Encode() []byte {
	if n.Event == EventUpdateConfig {
		if n.Config == nil {
			return AudioConfig{}.Encode()
		}
		return n.Config.Encode()
	}
	return []byte{byte(n.Event)}
}

// DecodeEvents parses a control channel read holding one or more events
func DecodeEvents(data []byte) ([]Notification, error) {
	r := NewReader(data)
	var out []Notification
	for r.Remaining() > 0 {
		b, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		ev := Event(b)
		switch ev {
		case EventStarted, EventStartFail, EventStopped:
			out = append(out, Notification{Event: ev})
		case EventUpdateConfig:
			cfg, err := decodeConfig(r)
			if err != nil {
				return nil, fmt.Errorf("update config at offset %d: %w", r.Offset(), err)
			}
			out = append(out, Notification{Event: ev, Config: cfg})
		default:
			return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, b)
		}
	}
	return out, nil
}
