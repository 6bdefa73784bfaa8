// ABOUTME: MPEG-2/4 AAC capability element parsing
// ABOUTME: Reads the 6-byte element MSB first and clamps bitrate to the MTU
package codec

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

// AACCapabilityLen is the size of the AAC capability element
const AACCapabilityLen = 6

// AAC object types (byte 0)
const (
	AACObjectMPEG2LC   uint8 = 0x80
	AACObjectMPEG4LC   uint8 = 0x40
	AACObjectMPEG4LTP  uint8 = 0x20
	AACObjectMPEG4Scal uint8 = 0x10
)

// aacFreqs lists the 12-bit sampling frequency mask from its MSB.
// Only the first nine (8 kHz to 48 kHz) are supported.
var aacFreqs = []int{8000, 11025, 12000, 16000, 22050, 24000, 32000, 44100, 48000}

const (
	aacFreqBits     = 12
	aacChannels1    = 0x2
	aacChannels2    = 0x1
	aacMaxBitRate   = 1<<23 - 1
	aacFreqPrefer44 = 44100
	aacFreqPrefer48 = 48000
)

// AACParams are the selected AAC parameters
type AACParams struct {
	ObjectType uint8
	SampleRate int
	Channels   int
	VBR        bool
	BitRate    int // peer maximum, before MTU clamping
}

func aacFreqBit(rate int) uint64 {
	for i, f := range aacFreqs {
		if f == rate {
			return 1 << (aacFreqBits - 1 - i)
		}
	}
	return 0
}

func pickAACFreq(mask uint64) (int, bool) {
	for _, pref := range []int{aacFreqPrefer44, aacFreqPrefer48} {
		if mask&aacFreqBit(pref) != 0 {
			return pref, true
		}
	}
	for i := len(aacFreqs) - 1; i >= 0; i-- {
		if mask&aacFreqBit(aacFreqs[i]) != 0 {
			return aacFreqs[i], true
		}
	}
	return 0, false
}

func pickAACObject(mask uint8) (uint8, bool) {
	for _, o := range []uint8{AACObjectMPEG2LC, AACObjectMPEG4LC, AACObjectMPEG4LTP, AACObjectMPEG4Scal} {
		if mask&o != 0 {
			return o, true
		}
	}
	return 0, false
}

// ParseAAC parses a 6-byte AAC capability element into a configuration
func ParseAAC(elem []byte, mtu int) (*Config, error) {
	if len(elem) < AACCapabilityLen {
		return nil, fmt.Errorf("%w: aac element is %d bytes", ErrProtocolMismatch, len(elem))
	}

	r := bitio.NewReader(bytes.NewReader(elem[:AACCapabilityLen]))
	objMask := uint8(r.TryReadBits(8))
	freqMask := r.TryReadBits(aacFreqBits)
	chanMask := uint8(r.TryReadBits(2))
	r.TryReadBits(2) // reserved
	vbr := r.TryReadBool()
	peerRate := int(r.TryReadBits(23))
	if r.TryError != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, r.TryError)
	}

	p := &AACParams{VBR: vbr, BitRate: peerRate}
	var ok bool
	if p.ObjectType, ok = pickAACObject(objMask); !ok {
		return nil, fmt.Errorf("%w: no object type in 0x%02x", ErrProtocolMismatch, objMask)
	}
	if p.SampleRate, ok = pickAACFreq(freqMask); !ok {
		return nil, fmt.Errorf("%w: no supported sampling frequency in 0x%03x", ErrProtocolMismatch, freqMask)
	}
	switch {
	case chanMask&aacChannels2 != 0:
		p.Channels = 2
	case chanMask&aacChannels1 != 0:
		p.Channels = 1
	default:
		return nil, fmt.Errorf("%w: no channel count in 0x%x", ErrProtocolMismatch, chanMask)
	}

	mode := ChannelModeStereo
	if p.Channels == 1 {
		mode = ChannelModeMono
	}

	bitRate := AACBitRate(peerRate, p.SampleRate, mtu)
	frameSize := (bitRate*AACFrameSamples/p.SampleRate + 7) / 8
	cfg := &Config{
		Type:          TypeAAC,
		SampleRate:    p.SampleRate,
		BitsPerSample: BitsPerSample,
		ChannelMode:   mode,
		Channels:      p.Channels,
		BitRate:       bitRate,
		FrameSize:     frameSize,
		PacketSize:    packetSize(MaxAACFramesPerPacket*(loasHeaderLen+frameSize), mtu),
		AAC:           p,
		Raw:           append([]byte(nil), elem[:AACCapabilityLen]...),
		MTU:           mtu,
	}
	return cfg, nil
}

// AACBitRate clamps the peer bit rate so one frame fits the MTU.
// A peer rate of 0 means unbounded.
func AACBitRate(peer, sampleRate, mtu int) int {
	rate := peer
	if rate == 0 {
		rate = aacMaxBitRate
	}
	if mtu > 0 {
		limit := 8 * mtu * sampleRate / AACFrameSamples
		if limit < rate {
			rate = limit
		}
	}
	return rate
}

// BuildAAC writes a capability element selecting exactly the given parameters
func BuildAAC(p AACParams) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	w.TryWriteBits(uint64(p.ObjectType), 8)
	w.TryWriteBits(aacFreqBit(p.SampleRate), aacFreqBits)
	ch := uint64(aacChannels2)
	if p.Channels == 1 {
		ch = aacChannels1
	}
	w.TryWriteBits(ch, 2)
	w.TryWriteBits(0, 2)
	w.TryWriteBool(p.VBR)
	w.TryWriteBits(uint64(p.BitRate)&aacMaxBitRate, 23)
	if w.TryError != nil {
		return nil, fmt.Errorf("failed to build aac element: %w", w.TryError)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush aac element: %w", err)
	}
	return buf.Bytes(), nil
}
