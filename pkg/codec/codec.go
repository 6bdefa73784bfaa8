// ABOUTME: Negotiated A2DP codec configuration and derived stream parameters
// ABOUTME: Dispatches capability elements to the SBC and AAC parsers
package codec

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProtocolMismatch is returned for capability elements that cannot be parsed
	ErrProtocolMismatch = errors.New("codec: malformed capability element")
	// ErrUnsupportedCodec is returned for codec types other than SBC and AAC
	ErrUnsupportedCodec = errors.New("codec: unsupported codec type")
)

// Type is the A2DP media codec type
type Type uint8

const (
	TypeSBC Type = 0x00
	TypeAAC Type = 0x02
)

func (t Type) String() string {
	switch t {
	case TypeSBC:
		return "sbc"
	case TypeAAC:
		return "aac"
	default:
		return fmt.Sprintf("codec(0x%02x)", uint8(t))
	}
}

// ChannelMode uses the SBC capability bit values for all codecs
type ChannelMode uint8

const (
	ChannelModeJoint  ChannelMode = 0x01
	ChannelModeStereo ChannelMode = 0x02
	ChannelModeDual   ChannelMode = 0x04
	ChannelModeMono   ChannelMode = 0x08
)

func (m ChannelMode) String() string {
	switch m {
	case ChannelModeJoint:
		return "joint-stereo"
	case ChannelModeStereo:
		return "stereo"
	case ChannelModeDual:
		return "dual-channel"
	case ChannelModeMono:
		return "mono"
	default:
		return fmt.Sprintf("mode(0x%02x)", uint8(m))
	}
}

// Channels returns the PCM channel count for the mode
func (m ChannelMode) Channels() int {
	if m == ChannelModeMono {
		return 1
	}
	return 2
}

const (
	// BitsPerSample is the PCM sample width exchanged with the audio subsystem
	BitsPerSample = 16

	// MaxSBCFramesPerPacket bounds frames packed into one SBC media packet
	MaxSBCFramesPerPacket = 14
	// MaxAACFramesPerPacket bounds frames packed into one AAC media packet
	MaxAACFramesPerPacket = 3

	// AACFrameSamples is the PCM samples per channel in one AAC frame
	AACFrameSamples = 1024

	// SBCTickInterval is the fixed pacing interval for SBC streams
	SBCTickInterval = 20 * time.Millisecond

	// RTP fixed header carried ahead of every media payload
	mediaHeaderLen = 12
	// LOAS sync and length header ahead of each AAC frame
	loasHeaderLen = 3
)

// Config is the normalized result of a capability negotiation
type Config struct {
	Type          Type
	SampleRate    int
	BitsPerSample int
	ChannelMode   ChannelMode
	Channels      int
	BitRate       int // bits per second
	FrameSize     int // encoded bytes per codec frame
	PacketSize    int // media payload budget in bytes

	SBC *SBCParams
	AAC *AACParams

	// Raw is the capability element the config was negotiated from
	Raw []byte

	// Link facts recorded at setup time
	MTU       int
	ACLHandle uint16
	L2CAPCID  uint16
}

// Negotiate parses a capability element for the given codec type.
// mtu is the transmit MTU, or 0 when unknown.
func Negotiate(t Type, elem []byte, mtu int) (*Config, error) {
	switch t {
	case TypeSBC:
		return ParseSBC(elem, mtu)
	case TypeAAC:
		return ParseAAC(elem, mtu)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, t)
	}
}

// FrameSamples returns PCM samples per channel in one codec frame
func (c *Config) FrameSamples() int {
	switch c.Type {
	case TypeSBC:
		return c.SBC.Blocks * c.SBC.Subbands
	case TypeAAC:
		return AACFrameSamples
	}
	return 0
}

// PCMBytesPerFrame returns the PCM bytes consumed to produce one codec frame
func (c *Config) PCMBytesPerFrame() int {
	return c.FrameSamples() * c.Channels * c.BitsPerSample / 8
}

// TickInterval returns the pacing interval of the source engine. The AAC
// frame duration is truncated to whole milliseconds; pacing scales bytes by
// elapsed time, so the truncation does not drift.
func (c *Config) TickInterval() time.Duration {
	if c.Type == TypeAAC && c.SampleRate > 0 {
		frame := time.Duration(AACFrameSamples*1000/c.SampleRate) * time.Millisecond
		if frame > SBCTickInterval {
			return frame
		}
	}
	return SBCTickInterval
}

// MaxFramesPerPacket returns the codec cap on frames per media packet
func (c *Config) MaxFramesPerPacket() int {
	if c.Type == TypeAAC {
		return MaxAACFramesPerPacket
	}
	return MaxSBCFramesPerPacket
}

// FramesPerPacket returns how many frames fit one packet, honouring the MTU
func (c *Config) FramesPerPacket() int {
	max := c.MaxFramesPerPacket()
	if c.FrameSize <= 0 || c.PacketSize <= 0 {
		return max
	}
	per := c.FrameSize
	budget := c.PacketSize
	if c.Type == TypeSBC {
		budget-- // frame count byte
	} else {
		per += loasHeaderLen
	}
	n := budget / per
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}

// PCMBytesPerSecond returns the raw PCM byte rate
func (c *Config) PCMBytesPerSecond() int {
	return c.SampleRate * c.Channels * c.BitsPerSample / 8
}

func (c *Config) String() string {
	return fmt.Sprintf("%s %dHz %s bitrate=%d frame=%d packet=%d",
		c.Type, c.SampleRate, c.ChannelMode, c.BitRate, c.FrameSize, c.PacketSize)
}

// packetSize bounds a packet of frames by the MTU when one is known
func packetSize(full, mtu int) int {
	if mtu > mediaHeaderLen && mtu-mediaHeaderLen < full {
		return mtu - mediaHeaderLen
	}
	return full
}
