// ABOUTME: SBC frame encoder
// ABOUTME: Polyphase analysis, scale factors, bit allocation and frame packing with CRC
package encode

import (
	"bytes"
	"fmt"
	"math"

	"github.com/Sendspin/bluestream/pkg/codec"
	"github.com/icza/bitio"
)

const (
	sbcSyncword = 0x9C
	sbcCRCInit  = 0x0F
	sbcCRCPoly  = 0x1D
	sbcMaxScale = 15
	sbcMaxBits  = 16
)

// Analysis windows with the odd polyphase segments negated
var sbcProto4 = [40]float64{
	0.00000000e+00, 5.36548976e-04, 1.49188357e-03, 2.73370904e-03,
	3.83720193e-03, 3.89205149e-03, 1.86581691e-03, -3.06012286e-03,
	1.09137620e-02, 2.04385087e-02, 2.88757392e-02, 3.21939290e-02,
	2.58767811e-02, 6.13245186e-03, -2.88217274e-02, -7.76463494e-02,
	1.35593274e-01, 1.94987841e-01, 2.46636662e-01, 2.81828203e-01,
	2.94315332e-01, 2.81828203e-01, 2.46636662e-01, 1.94987841e-01,
	-1.35593274e-01, -7.76463494e-02, -2.88217274e-02, 6.13245186e-03,
	2.58767811e-02, 3.21939290e-02, 2.88757392e-02, 2.04385087e-02,
	-1.09137620e-02, -3.06012286e-03, 1.86581691e-03, 3.89205149e-03,
	3.83720193e-03, 2.73370904e-03, 1.49188357e-03, 5.36548976e-04,
}

var sbcProto8 = [80]float64{
	0.00000000e+00, 1.56575398e-04, 3.43256425e-04, 5.54620202e-04,
	8.23919506e-04, 1.13992507e-03, 1.47640169e-03, 1.78371725e-03,
	2.01182542e-03, 2.10371989e-03, 1.99454554e-03, 1.61656283e-03,
	9.02154502e-04, -1.78805361e-04, -1.64973098e-03, -3.49717454e-03,
	5.65949473e-03, 8.02941163e-03, 1.04584443e-02, 1.27472335e-02,
	1.46525263e-02, 1.59045603e-02, 1.62208471e-02, 1.53184106e-02,
	1.29371806e-02, 8.85757540e-03, 2.92408442e-03, -4.91578024e-03,
	-1.46404076e-02, -2.61098752e-02, -3.90751381e-02, -5.31873032e-02,
	6.79989431e-02, 8.29847578e-02, 9.75753918e-02, 1.11196689e-01,
	1.23264548e-01, 1.33264415e-01, 1.40753505e-01, 1.45389847e-01,
	1.46955068e-01, 1.45389847e-01, 1.40753505e-01, 1.33264415e-01,
	1.23264548e-01, 1.11196689e-01, 9.75753918e-02, 8.29847578e-02,
	-6.79989431e-02, -5.31873032e-02, -3.90751381e-02, -2.61098752e-02,
	-1.46404076e-02, -4.91578024e-03, 2.92408442e-03, 8.85757540e-03,
	1.29371806e-02, 1.53184106e-02, 1.62208471e-02, 1.59045603e-02,
	1.46525263e-02, 1.27472335e-02, 1.04584443e-02, 8.02941163e-03,
	-5.65949473e-03, -3.49717454e-03, -1.64973098e-03, -1.78805361e-04,
	9.02154502e-04, 1.61656283e-03, 1.99454554e-03, 2.10371989e-03,
	2.01182542e-03, 1.78371725e-03, 1.47640169e-03, 1.13992507e-03,
	8.23919506e-04, 5.54620202e-04, 3.43256425e-04, 1.56575398e-04,
}

// Loudness offsets indexed by sampling frequency (16k, 32k, 44.1k, 48k)
var (
	sbcOffset4 = [4][4]int{
		{-1, 0, 0, 0}, {-2, 0, 0, 1}, {-2, 0, 0, 1}, {-2, 0, 0, 1},
	}
	sbcOffset8 = [4][8]int{
		{-2, 0, 0, 0, 0, 0, 0, 1},
		{-3, 0, 0, 0, 0, 0, 1, 2},
		{-4, 0, 0, 0, 0, 0, 1, 2},
		{-4, 0, 0, 0, 0, 0, 1, 2},
	}
)

// SBCEncoder encodes PCM into SBC frames for one parameter set. It keeps
// the analysis history between frames, so one encoder serves one stream.
type SBCEncoder struct {
	params   codec.SBCParams
	channels int
	frameLen int
	freq     int
	proto    []float64
	offsets  []int
	cos      [][]float64

	hist  [][]float64   // [channel][10*subbands]
	sb    [][][]float64 // [channel][block][subband]
	scale [2][8]int
	bits  [2][8]int
	join  [8]bool
}

// NewSBC creates an encoder for the given parameters
func NewSBC(p codec.SBCParams) (*SBCEncoder, error) {
	freq := -1
	switch p.SampleRate {
	case 16000:
		freq = 0
	case 32000:
		freq = 1
	case 44100:
		freq = 2
	case 48000:
		freq = 3
	}
	if freq < 0 {
		return nil, fmt.Errorf("unsupported sbc sample rate: %d", p.SampleRate)
	}

	e := &SBCEncoder{params: p, freq: freq, channels: p.ChannelMode.Channels()}
	switch p.Subbands {
	case 4:
		e.proto = sbcProto4[:]
		e.offsets = sbcOffset4[freq][:]
	case 8:
		e.proto = sbcProto8[:]
		e.offsets = sbcOffset8[freq][:]
	default:
		return nil, fmt.Errorf("unsupported sbc subbands: %d", p.Subbands)
	}
	switch p.Blocks {
	case 4, 8, 12, 16:
	default:
		return nil, fmt.Errorf("unsupported sbc block length: %d", p.Blocks)
	}
	switch p.ChannelMode {
	case codec.ChannelModeMono, codec.ChannelModeDual, codec.ChannelModeStereo, codec.ChannelModeJoint:
	default:
		return nil, fmt.Errorf("unsupported sbc channel mode: %s", p.ChannelMode)
	}
	if p.Allocation != codec.AllocationLoudness && p.Allocation != codec.AllocationSNR {
		return nil, fmt.Errorf("unsupported sbc allocation: %d", p.Allocation)
	}
	if limit := codec.SBCMaxBitpool(p.ChannelMode, p.Subbands); p.Bitpool < 2 || p.Bitpool > limit {
		return nil, fmt.Errorf("sbc bitpool %d outside 2..%d", p.Bitpool, limit)
	}

	m := p.Subbands
	e.cos = make([][]float64, m)
	for k := range e.cos {
		e.cos[k] = make([]float64, 2*m)
		for i := range e.cos[k] {
			e.cos[k][i] = math.Cos((float64(k) + 0.5) * (float64(i) - float64(m)/2) * math.Pi / float64(m))
		}
	}
	e.hist = make([][]float64, e.channels)
	e.sb = make([][][]float64, e.channels)
	for ch := range e.hist {
		e.hist[ch] = make([]float64, 10*m)
		e.sb[ch] = make([][]float64, p.Blocks)
		for blk := range e.sb[ch] {
			e.sb[ch][blk] = make([]float64, m)
		}
	}
	e.frameLen = codec.SBCFrameLength(&p)
	return e, nil
}

// FrameSamples returns samples per channel in one frame
func (e *SBCEncoder) FrameSamples() int {
	return e.params.Blocks * e.params.Subbands
}

// FrameLength returns the encoded size of every frame in bytes
func (e *SBCEncoder) FrameLength() int {
	return e.frameLen
}

// Encode converts one frame of interleaved samples to an SBC frame
func (e *SBCEncoder) Encode(samples []int32) ([]byte, error) {
	if want := e.FrameSamples() * e.channels; len(samples) != want {
		return nil, fmt.Errorf("frame has %d samples, want %d", len(samples), want)
	}
	for blk := 0; blk < e.params.Blocks; blk++ {
		for ch := 0; ch < e.channels; ch++ {
			e.analyze(samples, blk, ch)
		}
	}
	e.stereoDecision()
	for ch := 0; ch < e.channels; ch++ {
		for sb := 0; sb < e.params.Subbands; sb++ {
			e.scale[ch][sb] = scaleFactor(e.sb[ch], sb)
		}
	}
	e.allocate()
	return e.pack()
}

// Close releases resources
func (e *SBCEncoder) Close() error {
	return nil
}

// analyze runs one block of one channel through the polyphase filter bank
func (e *SBCEncoder) analyze(samples []int32, blk, ch int) {
	m := e.params.Subbands
	x := e.hist[ch]
	copy(x[m:], x[:9*m])
	base := blk * m
	for i := 0; i < m; i++ {
		// 16-bit scale
		x[m-1-i] = float64(samples[(base+i)*e.channels+ch]) / 256
	}

	var y [16]float64
	for i := 0; i < 2*m; i++ {
		var sum float64
		for j := 0; j < 5; j++ {
			n := i + j*2*m
			sum += e.proto[n] * x[n]
		}
		y[i] = sum
	}
	out := e.sb[ch][blk]
	for k := 0; k < m; k++ {
		var s float64
		for i := 0; i < 2*m; i++ {
			s += e.cos[k][i] * y[i]
		}
		out[k] = s
	}
}

func scaleFactor(blocks [][]float64, sb int) int {
	var peak float64
	for _, b := range blocks {
		if v := math.Abs(b[sb]); v > peak {
			peak = v
		}
	}
	x := 0
	for x < sbcMaxScale && peak >= float64(int(2)<<x) {
		x++
	}
	return x
}

// stereoDecision switches a subband to mid/side when that needs fewer
// scale factor steps. The top subband is never joined.
func (e *SBCEncoder) stereoDecision() {
	e.join = [8]bool{}
	if e.params.ChannelMode != codec.ChannelModeJoint {
		return
	}
	blocks := e.params.Blocks
	mid := make([][]float64, blocks)
	side := make([][]float64, blocks)
	for sb := 0; sb < e.params.Subbands-1; sb++ {
		for blk := 0; blk < blocks; blk++ {
			l, r := e.sb[0][blk][sb], e.sb[1][blk][sb]
			mid[blk] = []float64{(l + r) / 2}
			side[blk] = []float64{(l - r) / 2}
		}
		if scaleFactor(mid, 0)+scaleFactor(side, 0) >= scaleFactor(e.sb[0], sb)+scaleFactor(e.sb[1], sb) {
			continue
		}
		e.join[sb] = true
		for blk := 0; blk < blocks; blk++ {
			e.sb[0][blk][sb] = mid[blk][0]
			e.sb[1][blk][sb] = side[blk][0]
		}
	}
}

func (e *SBCEncoder) bitneed(ch int) []int {
	m := e.params.Subbands
	need := make([]int, m)
	for sb := 0; sb < m; sb++ {
		scf := e.scale[ch][sb]
		if e.params.Allocation == codec.AllocationSNR {
			need[sb] = scf
			continue
		}
		if scf == 0 {
			need[sb] = -5
			continue
		}
		loudness := scf - e.offsets[sb]
		if loudness > 0 {
			need[sb] = loudness / 2
		} else {
			need[sb] = loudness
		}
	}
	return need
}

func (e *SBCEncoder) allocate() {
	switch e.params.ChannelMode {
	case codec.ChannelModeMono, codec.ChannelModeDual:
		for ch := 0; ch < e.channels; ch++ {
			bits := allocateBits([][]int{e.bitneed(ch)}, e.params.Bitpool)
			copy(e.bits[ch][:], bits[0])
		}
	default:
		bits := allocateBits([][]int{e.bitneed(0), e.bitneed(1)}, e.params.Bitpool)
		copy(e.bits[0][:], bits[0])
		copy(e.bits[1][:], bits[1])
	}
}

// allocateBits shares bitpool across the given channels. The decoder runs
// the same procedure on the scale factors, so it must stay bit exact.
func allocateBits(needs [][]int, bitpool int) [][]int {
	maxNeed := math.MinInt
	for _, ch := range needs {
		for _, n := range ch {
			if n > maxNeed {
				maxNeed = n
			}
		}
	}

	bitcount, slicecount := 0, 0
	bitslice := maxNeed + 1
	for {
		bitslice--
		bitcount += slicecount
		slicecount = 0
		for _, ch := range needs {
			for _, n := range ch {
				switch {
				case n > bitslice+1 && n < bitslice+sbcMaxBits:
					slicecount++
				case n == bitslice+1:
					slicecount += 2
				}
			}
		}
		if bitcount+slicecount >= bitpool || bitslice < -2*sbcMaxBits {
			break
		}
	}
	if bitcount+slicecount == bitpool {
		bitcount += slicecount
		bitslice--
	}

	bits := make([][]int, len(needs))
	for c, ch := range needs {
		bits[c] = make([]int, len(ch))
		for sb, n := range ch {
			if n >= bitslice+2 {
				bits[c][sb] = min(n-bitslice, sbcMaxBits)
			}
		}
	}

	subbands := len(needs[0])
	for sb := 0; bitcount < bitpool && sb < subbands; sb++ {
		for c := range needs {
			if bitcount >= bitpool {
				break
			}
			switch {
			case bits[c][sb] >= 2 && bits[c][sb] < sbcMaxBits:
				bits[c][sb]++
				bitcount++
			case needs[c][sb] == bitslice+1 && bitpool > bitcount+1:
				bits[c][sb] = 2
				bitcount += 2
			}
		}
	}
	for sb := 0; bitcount < bitpool && sb < subbands; sb++ {
		for c := range needs {
			if bitcount >= bitpool {
				break
			}
			if bits[c][sb] < sbcMaxBits {
				bits[c][sb]++
				bitcount++
			}
		}
	}
	return bits
}

func sbcCRC(crc byte, value uint64, n int) byte {
	for i := n - 1; i >= 0; i-- {
		top := (crc>>7)&1 ^ byte(value>>uint(i))&1
		crc <<= 1
		if top != 0 {
			crc ^= sbcCRCPoly
		}
	}
	return crc
}

func (e *SBCEncoder) headerByte() byte {
	var mode byte
	switch e.params.ChannelMode {
	case codec.ChannelModeDual:
		mode = 1
	case codec.ChannelModeStereo:
		mode = 2
	case codec.ChannelModeJoint:
		mode = 3
	}
	b := byte(e.freq)<<6 | byte(e.params.Blocks/4-1)<<4 | mode<<2
	if e.params.Allocation == codec.AllocationSNR {
		b |= 0x02
	}
	if e.params.Subbands == 8 {
		b |= 0x01
	}
	return b
}

func (e *SBCEncoder) pack() ([]byte, error) {
	m := e.params.Subbands
	joint := e.params.ChannelMode == codec.ChannelModeJoint
	header := e.headerByte()

	crc := sbcCRC(sbcCRCInit, uint64(header), 8)
	crc = sbcCRC(crc, uint64(e.params.Bitpool), 8)
	if joint {
		for sb := 0; sb < m; sb++ {
			crc = sbcCRC(crc, boolBit(e.join[sb]), 1)
		}
	}
	for ch := 0; ch < e.channels; ch++ {
		for sb := 0; sb < m; sb++ {
			crc = sbcCRC(crc, uint64(e.scale[ch][sb]), 4)
		}
	}

	var buf bytes.Buffer
	buf.Grow(e.frameLen)
	w := bitio.NewWriter(&buf)
	w.TryWriteBits(sbcSyncword, 8)
	w.TryWriteBits(uint64(header), 8)
	w.TryWriteBits(uint64(e.params.Bitpool), 8)
	w.TryWriteBits(uint64(crc), 8)
	if joint {
		for sb := 0; sb < m; sb++ {
			w.TryWriteBool(e.join[sb])
		}
	}
	for ch := 0; ch < e.channels; ch++ {
		for sb := 0; sb < m; sb++ {
			w.TryWriteBits(uint64(e.scale[ch][sb]), 4)
		}
	}

	for blk := 0; blk < e.params.Blocks; blk++ {
		for ch := 0; ch < e.channels; ch++ {
			for sb := 0; sb < m; sb++ {
				n := e.bits[ch][sb]
				if n == 0 {
					continue
				}
				levels := float64(int(1)<<n - 1)
				step := float64(int(2) << e.scale[ch][sb])
				q := math.Floor((e.sb[ch][blk][sb]/step + 1) * levels / 2)
				q = math.Max(0, math.Min(levels, q))
				w.TryWriteBits(uint64(q), uint8(n))
			}
		}
	}
	if w.TryError != nil {
		return nil, fmt.Errorf("failed to write sbc frame: %w", w.TryError)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush sbc frame: %w", err)
	}

	if buf.Len() > e.frameLen {
		return nil, fmt.Errorf("sbc frame of %d bytes exceeds %d", buf.Len(), e.frameLen)
	}
	frame := buf.Bytes()
	for len(frame) < e.frameLen {
		frame = append(frame, 0)
	}
	return frame, nil
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
