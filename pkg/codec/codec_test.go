// ABOUTME: Tests for SBC and AAC capability negotiation
// ABOUTME: Checks bit masks, derived frame length and bitrate, MTU clamping
package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestParseSBC(t *testing.T) {
	tests := []struct {
		name       string
		elem       []byte
		sampleRate int
		mode       ChannelMode
		blocks     int
		subbands   int
		alloc      Allocation
		bitpool    int
		frameLen   int
		bitRate    int
	}{
		{"44.1k stereo bitpool 35", []byte{0x22, 0x15, 0x02, 0x23}, 44100, ChannelModeStereo, 16, 8, AllocationLoudness, 35, 82, 226012},
		{"44.1k joint bitpool 35", []byte{0x21, 0x15, 0x02, 0x23}, 44100, ChannelModeJoint, 16, 8, AllocationLoudness, 35, 83, 228768},
		{"all options prefers 44.1k joint", []byte{0xFF, 0xFF, 0x02, 0x35}, 44100, ChannelModeJoint, 16, 8, AllocationLoudness, 53, 119, 327993},
		{"48k mono", []byte{0x18, 0x15, 0x02, 0x1F}, 48000, ChannelModeMono, 16, 8, AllocationLoudness, 31, 70, 210000},
		{"32k dual snr", []byte{0x44, 0x4A, 0x02, 0x14}, 32000, ChannelModeDual, 8, 4, AllocationSNR, 20, 48, 384000},
		{"mono 4 subbands clamps bitpool", []byte{0x18, 0x19, 0x02, 0xFA}, 48000, ChannelModeMono, 16, 4, AllocationLoudness, 64, 134, 804000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseSBC(tt.elem, 0)
			if err != nil {
				t.Fatalf("ParseSBC() unexpected error: %v", err)
			}
			p := cfg.SBC
			if p.SampleRate != tt.sampleRate || cfg.SampleRate != tt.sampleRate {
				t.Errorf("expected sample rate %d, got %d", tt.sampleRate, p.SampleRate)
			}
			if p.ChannelMode != tt.mode {
				t.Errorf("expected mode %s, got %s", tt.mode, p.ChannelMode)
			}
			if p.Blocks != tt.blocks {
				t.Errorf("expected %d blocks, got %d", tt.blocks, p.Blocks)
			}
			if p.Subbands != tt.subbands {
				t.Errorf("expected %d subbands, got %d", tt.subbands, p.Subbands)
			}
			if p.Allocation != tt.alloc {
				t.Errorf("expected allocation %s, got %s", tt.alloc, p.Allocation)
			}
			if p.Bitpool != tt.bitpool {
				t.Errorf("expected bitpool %d, got %d", tt.bitpool, p.Bitpool)
			}
			if cfg.FrameSize != tt.frameLen {
				t.Errorf("expected frame length %d, got %d", tt.frameLen, cfg.FrameSize)
			}
			if cfg.BitRate != tt.bitRate {
				t.Errorf("expected bit rate %d, got %d", tt.bitRate, cfg.BitRate)
			}
			if !bytes.Equal(cfg.Raw, tt.elem) {
				t.Errorf("expected raw %x, got %x", tt.elem, cfg.Raw)
			}
		})
	}
}

func TestSBCBitRateMatchesFormula(t *testing.T) {
	modes := []ChannelMode{ChannelModeMono, ChannelModeDual, ChannelModeStereo, ChannelModeJoint}
	for _, rate := range []int{16000, 32000, 44100, 48000} {
		for _, mode := range modes {
			for _, blocks := range []int{4, 8, 12, 16} {
				for _, subbands := range []int{4, 8} {
					for bitpool := sbcMinBitpool; bitpool <= 64; bitpool += 7 {
						p := SBCParams{
							SampleRate: rate, ChannelMode: mode, Blocks: blocks, Subbands: subbands,
							Allocation: AllocationLoudness, MinBitpool: sbcMinBitpool, MaxBitpool: bitpool,
						}
						elem, err := BuildSBC(p)
						if err != nil {
							t.Fatalf("BuildSBC() failed: %v", err)
						}
						cfg, err := ParseSBC(elem, 0)
						if err != nil {
							t.Fatalf("ParseSBC(%x) failed: %v", elem, err)
						}

						ch := 2
						if mode == ChannelModeMono {
							ch = 1
						}
						dual, joint := 0, 0
						if mode == ChannelModeDual {
							dual = 1
						}
						if mode == ChannelModeJoint {
							joint = 1
						}
						bits := blocks*bitpool*(1+dual) + joint*subbands
						frameLen := 4 + (4*subbands*ch)/8 + bits/8
						if bits%8 != 0 {
							frameLen++
						}
						want := 8 * frameLen * rate / (subbands * blocks)
						if cfg.BitRate != want {
							t.Errorf("%x: expected bit rate %d, got %d", elem, want, cfg.BitRate)
						}
					}
				}
			}
		}
	}
}

func TestParseSBCErrors(t *testing.T) {
	tests := []struct {
		name string
		elem []byte
	}{
		{"short element", []byte{0x21, 0x15, 0x02}},
		{"no frequency", []byte{0x01, 0x15, 0x02, 0x23}},
		{"no channel mode", []byte{0x20, 0x15, 0x02, 0x23}},
		{"no blocks", []byte{0x21, 0x05, 0x02, 0x23}},
		{"no subbands", []byte{0x21, 0x11, 0x02, 0x23}},
		{"no allocation", []byte{0x21, 0x14, 0x02, 0x23}},
		{"min above max", []byte{0x21, 0x15, 0x30, 0x23}},
		{"min below 2", []byte{0x21, 0x15, 0x01, 0x23}},
		{"max above 250", []byte{0x21, 0x15, 0x02, 0xFB}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSBC(tt.elem, 0)
			if !errors.Is(err, ErrProtocolMismatch) {
				t.Errorf("expected ErrProtocolMismatch, got %v", err)
			}
		})
	}
}

func TestParseAAC(t *testing.T) {
	elem := []byte{0x80, 0x01, 0x04, 0x84, 0xE2, 0x00}

	cfg, err := ParseAAC(elem, 0)
	if err != nil {
		t.Fatalf("ParseAAC() unexpected error: %v", err)
	}
	if cfg.AAC.ObjectType != AACObjectMPEG2LC {
		t.Errorf("expected object type 0x%02x, got 0x%02x", AACObjectMPEG2LC, cfg.AAC.ObjectType)
	}
	if cfg.SampleRate != 44100 {
		t.Errorf("expected 44100, got %d", cfg.SampleRate)
	}
	if cfg.Channels != 2 || cfg.ChannelMode != ChannelModeStereo {
		t.Errorf("expected stereo, got %d channels (%s)", cfg.Channels, cfg.ChannelMode)
	}
	if !cfg.AAC.VBR {
		t.Error("expected VBR flag set")
	}
	if cfg.BitRate != 320000 {
		t.Errorf("expected bit rate 320000, got %d", cfg.BitRate)
	}
	if _, ok := cfg.Offload(); ok {
		t.Error("expected AAC offload to be unsupported")
	}
}

func TestParseAACSampleRates(t *testing.T) {
	tests := []struct {
		b1, b2 byte
		want   int
	}{
		{0x80, 0x00, 8000},
		{0x10, 0x00, 16000},
		{0x02, 0x00, 32000},
		{0x00, 0x80, 48000},
		{0x01, 0x80, 44100},
		{0x12, 0x00, 32000},
	}
	for _, tt := range tests {
		elem := []byte{0x80, tt.b1, tt.b2 | 0x08, 0x00, 0xFA, 0x00}
		cfg, err := ParseAAC(elem, 0)
		if err != nil {
			t.Fatalf("ParseAAC(%x) failed: %v", elem, err)
		}
		if cfg.SampleRate != tt.want {
			t.Errorf("%x: expected %d, got %d", elem, tt.want, cfg.SampleRate)
		}
		if cfg.Channels != 1 {
			t.Errorf("%x: expected mono, got %d channels", elem, cfg.Channels)
		}
	}
}

func TestAACBitRateClamp(t *testing.T) {
	tests := []struct {
		name string
		peer int
		mtu  int
		want int
	}{
		{"no mtu keeps peer rate", 320000, 0, 320000},
		{"small mtu clamps", 320000, 895, 308355},
		{"large mtu keeps peer rate", 320000, 1000, 320000},
		{"zero peer rate uses mtu limit", 0, 895, 308355},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AACBitRate(tt.peer, 44100, tt.mtu)
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestParseAACDeviceElements(t *testing.T) {
	tests := []struct {
		name     string
		elem     []byte
		object   uint8
		rate     int
		channels int
		vbr      bool
		bitRate  int
	}{
		{"headset vbr 256k", []byte{0x80, 0x01, 0x04, 0x83, 0xE8, 0x00}, AACObjectMPEG2LC, 44100, 2, true, 256000},
		{"speaker cbr 320k both rates", []byte{0x80, 0x01, 0x8C, 0x04, 0xE2, 0x00}, AACObjectMPEG2LC, 44100, 2, false, 320000},
		{"mpeg-4 mono 48k unbounded", []byte{0x40, 0x00, 0x88, 0x80, 0x00, 0x00}, AACObjectMPEG4LC, 48000, 1, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseAAC(tt.elem, 0)
			if err != nil {
				t.Fatalf("ParseAAC(%x) failed: %v", tt.elem, err)
			}
			p := cfg.AAC
			if p.ObjectType != tt.object {
				t.Errorf("expected object 0x%02x, got 0x%02x", tt.object, p.ObjectType)
			}
			if p.SampleRate != tt.rate {
				t.Errorf("expected %d Hz, got %d", tt.rate, p.SampleRate)
			}
			if p.Channels != tt.channels {
				t.Errorf("expected %d channels, got %d", tt.channels, p.Channels)
			}
			if p.VBR != tt.vbr {
				t.Errorf("expected vbr %v, got %v", tt.vbr, p.VBR)
			}
			if p.BitRate != tt.bitRate {
				t.Errorf("expected peer bit rate %d, got %d", tt.bitRate, p.BitRate)
			}
		})
	}
}

func TestParseAACErrors(t *testing.T) {
	tests := []struct {
		name string
		elem []byte
	}{
		{"short element", []byte{0x80, 0x01, 0x04}},
		{"no object type", []byte{0x00, 0x01, 0x04, 0x84, 0xE2, 0x00}},
		{"only unsupported rates", []byte{0x80, 0x00, 0x74, 0x84, 0xE2, 0x00}},
		{"no channels", []byte{0x80, 0x01, 0x00, 0x84, 0xE2, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAAC(tt.elem, 0); !errors.Is(err, ErrProtocolMismatch) {
				t.Errorf("expected ErrProtocolMismatch, got %v", err)
			}
		})
	}
}

func TestBuildAACRoundTrip(t *testing.T) {
	p := AACParams{ObjectType: AACObjectMPEG4LC, SampleRate: 48000, Channels: 2, VBR: false, BitRate: 256000}
	elem, err := BuildAAC(p)
	if err != nil {
		t.Fatalf("BuildAAC() failed: %v", err)
	}
	if len(elem) != AACCapabilityLen {
		t.Fatalf("expected %d bytes, got %d", AACCapabilityLen, len(elem))
	}
	cfg, err := ParseAAC(elem, 0)
	if err != nil {
		t.Fatalf("ParseAAC() failed: %v", err)
	}
	if *cfg.AAC != p {
		t.Errorf("expected %+v, got %+v", p, *cfg.AAC)
	}
}

func TestNegotiate(t *testing.T) {
	if _, err := Negotiate(Type(0xFF), []byte{0, 0, 0, 0}, 0); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("expected ErrUnsupportedCodec, got %v", err)
	}
	cfg, err := Negotiate(TypeSBC, []byte{0x21, 0x15, 0x02, 0x23}, 895)
	if err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}
	if cfg.MTU != 895 {
		t.Errorf("expected MTU 895, got %d", cfg.MTU)
	}
	// 14 frames of 83 bytes exceed the MTU, so packets are MTU bound
	if cfg.PacketSize != 895-mediaHeaderLen {
		t.Errorf("expected packet size %d, got %d", 895-mediaHeaderLen, cfg.PacketSize)
	}
	if n := cfg.FramesPerPacket(); n != 10 {
		t.Errorf("expected 10 frames per packet, got %d", n)
	}
}

func TestDerivedTiming(t *testing.T) {
	sbc, _ := ParseSBC([]byte{0x21, 0x15, 0x02, 0x23}, 0)
	if sbc.TickInterval() != 20*time.Millisecond {
		t.Errorf("expected 20ms, got %v", sbc.TickInterval())
	}
	if sbc.PCMBytesPerFrame() != 512 {
		t.Errorf("expected 512 PCM bytes per frame, got %d", sbc.PCMBytesPerFrame())
	}
	if sbc.MaxFramesPerPacket() != 14 {
		t.Errorf("expected 14, got %d", sbc.MaxFramesPerPacket())
	}

	aac, _ := ParseAAC([]byte{0x80, 0x80, 0x08, 0x00, 0xFA, 0x00}, 0)
	if aac.SampleRate != 8000 {
		t.Fatalf("expected 8000, got %d", aac.SampleRate)
	}
	if aac.TickInterval() != 128*time.Millisecond {
		t.Errorf("expected 128ms, got %v", aac.TickInterval())
	}
	for _, tt := range []struct {
		rate int
		want time.Duration
	}{
		{44100, 23 * time.Millisecond},
		{48000, 21 * time.Millisecond},
		{32000, 32 * time.Millisecond},
	} {
		elem, err := BuildAAC(AACParams{ObjectType: AACObjectMPEG2LC, SampleRate: tt.rate, Channels: 2, BitRate: 256000})
		if err != nil {
			t.Fatalf("BuildAAC() failed: %v", err)
		}
		cfg, err := ParseAAC(elem, 0)
		if err != nil {
			t.Fatalf("ParseAAC() failed: %v", err)
		}
		if got := cfg.TickInterval(); got != tt.want {
			t.Errorf("%d Hz: expected %v, got %v", tt.rate, tt.want, got)
		}
	}
	if aac.PCMBytesPerFrame() != 2048 {
		t.Errorf("expected 2048 PCM bytes per frame, got %d", aac.PCMBytesPerFrame())
	}
	if aac.MaxFramesPerPacket() != 3 {
		t.Errorf("expected 3, got %d", aac.MaxFramesPerPacket())
	}
}

func TestSBCOffload(t *testing.T) {
	cfg, _ := ParseSBC([]byte{0x21, 0x15, 0x02, 0x23}, 895)
	cfg.ACLHandle = 0x0042
	cfg.L2CAPCID = 0x0041

	params, ok := cfg.Offload()
	if !ok {
		t.Fatal("expected SBC offload to be supported")
	}
	if params.FrameSamples != 128 {
		t.Errorf("expected 128 frame samples, got %d", params.FrameSamples)
	}
	if params.EncodedBitRate != 228768 {
		t.Errorf("expected 228768, got %d", params.EncodedBitRate)
	}
	if params.MTU != 895 || params.ACLHandle != 0x42 || params.L2CAPCID != 0x41 {
		t.Errorf("unexpected link params %+v", params)
	}
}
