// ABOUTME: SBC capability element parsing and frame length math
// ABOUTME: Reads the 4-byte element with a bit reader and selects preferred options
package codec

import (
	"bytes"
	"fmt"

	"github.com/icza/bitio"
)

// SBCCapabilityLen is the size of the SBC capability element
const SBCCapabilityLen = 4

// Sampling frequency bits (byte 0, high nibble)
const (
	SBCFreq16000 uint8 = 0x8
	SBCFreq32000 uint8 = 0x4
	SBCFreq44100 uint8 = 0x2
	SBCFreq48000 uint8 = 0x1
)

// Block length bits (byte 1, high nibble)
const (
	SBCBlocks4  uint8 = 0x8
	SBCBlocks8  uint8 = 0x4
	SBCBlocks12 uint8 = 0x2
	SBCBlocks16 uint8 = 0x1
)

// Subband bits (byte 1, bits 3-2)
const (
	SBCSubbands4 uint8 = 0x2
	SBCSubbands8 uint8 = 0x1
)

// Allocation is the SBC bit allocation method
type Allocation uint8

const (
	AllocationLoudness Allocation = 0x1
	AllocationSNR      Allocation = 0x2
)

func (a Allocation) String() string {
	if a == AllocationSNR {
		return "snr"
	}
	return "loudness"
}

const (
	sbcMinBitpool = 2
	sbcMaxBitpool = 250
)

// SBCParams are the selected SBC parameters
type SBCParams struct {
	SampleRate  int
	ChannelMode ChannelMode
	Blocks      int
	Subbands    int
	Allocation  Allocation
	MinBitpool  int
	MaxBitpool  int
	Bitpool     int
}

type option struct {
	bit   uint8
	value int
}

// Preference order when a field carries more than one option
var (
	sbcFreqs = []option{
		{SBCFreq44100, 44100}, {SBCFreq48000, 48000}, {SBCFreq32000, 32000}, {SBCFreq16000, 16000},
	}
	sbcModes = []option{
		{uint8(ChannelModeJoint), int(ChannelModeJoint)},
		{uint8(ChannelModeStereo), int(ChannelModeStereo)},
		{uint8(ChannelModeDual), int(ChannelModeDual)},
		{uint8(ChannelModeMono), int(ChannelModeMono)},
	}
	sbcBlocks = []option{
		{SBCBlocks16, 16}, {SBCBlocks12, 12}, {SBCBlocks8, 8}, {SBCBlocks4, 4},
	}
	sbcSubbands = []option{
		{SBCSubbands8, 8}, {SBCSubbands4, 4},
	}
	sbcAllocs = []option{
		{uint8(AllocationLoudness), int(AllocationLoudness)},
		{uint8(AllocationSNR), int(AllocationSNR)},
	}
)

func pick(mask uint8, opts []option) (int, bool) {
	for _, o := range opts {
		if mask&o.bit != 0 {
			return o.value, true
		}
	}
	return 0, false
}

func bitFor(value int, opts []option) uint8 {
	for _, o := range opts {
		if o.value == value {
			return o.bit
		}
	}
	return 0
}

// ParseSBC parses a 4-byte SBC capability element into a configuration
func ParseSBC(elem []byte, mtu int) (*Config, error) {
	if len(elem) < SBCCapabilityLen {
		return nil, fmt.Errorf("%w: sbc element is %d bytes", ErrProtocolMismatch, len(elem))
	}

	r := bitio.NewReader(bytes.NewReader(elem[:SBCCapabilityLen]))
	freqMask := uint8(r.TryReadBits(4))
	modeMask := uint8(r.TryReadBits(4))
	blockMask := uint8(r.TryReadBits(4))
	subbandMask := uint8(r.TryReadBits(2))
	allocMask := uint8(r.TryReadBits(2))
	minBitpool := int(r.TryReadBits(8))
	maxBitpool := int(r.TryReadBits(8))
	if r.TryError != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, r.TryError)
	}

	p := &SBCParams{MinBitpool: minBitpool, MaxBitpool: maxBitpool}
	var ok bool
	if p.SampleRate, ok = pick(freqMask, sbcFreqs); !ok {
		return nil, fmt.Errorf("%w: no sampling frequency in 0x%x", ErrProtocolMismatch, freqMask)
	}
	mode, ok := pick(modeMask, sbcModes)
	if !ok {
		return nil, fmt.Errorf("%w: no channel mode in 0x%x", ErrProtocolMismatch, modeMask)
	}
	p.ChannelMode = ChannelMode(mode)
	if p.Blocks, ok = pick(blockMask, sbcBlocks); !ok {
		return nil, fmt.Errorf("%w: no block length in 0x%x", ErrProtocolMismatch, blockMask)
	}
	if p.Subbands, ok = pick(subbandMask, sbcSubbands); !ok {
		return nil, fmt.Errorf("%w: no subbands in 0x%x", ErrProtocolMismatch, subbandMask)
	}
	alloc, ok := pick(allocMask, sbcAllocs)
	if !ok {
		return nil, fmt.Errorf("%w: no allocation method in 0x%x", ErrProtocolMismatch, allocMask)
	}
	p.Allocation = Allocation(alloc)
	if minBitpool < sbcMinBitpool || maxBitpool > sbcMaxBitpool || minBitpool > maxBitpool {
		return nil, fmt.Errorf("%w: bitpool range %d..%d", ErrProtocolMismatch, minBitpool, maxBitpool)
	}
	p.Bitpool = maxBitpool
	if limit := SBCMaxBitpool(p.ChannelMode, p.Subbands); p.Bitpool > limit {
		if minBitpool > limit {
			return nil, fmt.Errorf("%w: bitpool %d above %d for %s", ErrProtocolMismatch, minBitpool, limit, p.ChannelMode)
		}
		p.Bitpool = limit
	}

	frameLen := SBCFrameLength(p)
	cfg := &Config{
		Type:          TypeSBC,
		SampleRate:    p.SampleRate,
		BitsPerSample: BitsPerSample,
		ChannelMode:   p.ChannelMode,
		Channels:      p.ChannelMode.Channels(),
		BitRate:       SBCBitRate(p),
		FrameSize:     frameLen,
		PacketSize:    packetSize(1+MaxSBCFramesPerPacket*frameLen, mtu),
		SBC:           p,
		Raw:           append([]byte(nil), elem[:SBCCapabilityLen]...),
		MTU:           mtu,
	}
	return cfg, nil
}

// SBCMaxBitpool returns the largest bitpool a frame can carry for the mode
func SBCMaxBitpool(mode ChannelMode, subbands int) int {
	limit := 16 * subbands
	if mode == ChannelModeStereo || mode == ChannelModeJoint {
		limit *= 2
	}
	return min(limit, sbcMaxBitpool)
}

// SBCFrameLength returns the encoded length of one SBC frame in bytes
func SBCFrameLength(p *SBCParams) int {
	channels := p.ChannelMode.Channels()
	dual, joint := 0, 0
	switch p.ChannelMode {
	case ChannelModeDual:
		dual = 1
	case ChannelModeJoint:
		joint = 1
	}
	bits := p.Blocks*p.Bitpool*(1+dual) + joint*p.Subbands
	return 4 + (4*p.Subbands*channels)/8 + (bits+7)/8
}

// SBCBitRate returns the encoded bit rate in bits per second
func SBCBitRate(p *SBCParams) int {
	return 8 * SBCFrameLength(p) * p.SampleRate / (p.Subbands * p.Blocks)
}

// BuildSBC writes a capability element selecting exactly the given parameters
func BuildSBC(p SBCParams) ([]byte, error) {
	var buf bytes.Buffer
	w := bitio.NewWriter(&buf)
	w.TryWriteBits(uint64(bitFor(p.SampleRate, sbcFreqs)), 4)
	w.TryWriteBits(uint64(p.ChannelMode), 4)
	w.TryWriteBits(uint64(bitFor(p.Blocks, sbcBlocks)), 4)
	w.TryWriteBits(uint64(bitFor(p.Subbands, sbcSubbands)), 2)
	w.TryWriteBits(uint64(p.Allocation), 2)
	w.TryWriteBits(uint64(p.MinBitpool), 8)
	w.TryWriteBits(uint64(p.MaxBitpool), 8)
	if w.TryError != nil {
		return nil, fmt.Errorf("failed to build sbc element: %w", w.TryError)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush sbc element: %w", err)
	}
	return buf.Bytes(), nil
}
