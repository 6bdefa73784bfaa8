// ABOUTME: PCM format description and sample conversions
// ABOUTME: Converts between int32 samples and 16-bit little-endian bytes
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

// Format describes a PCM stream
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// BytesPerSecond returns the PCM byte rate
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	return int32(sample) << 8
}

// Clamp24 limits a sample to the 24-bit range
func Clamp24(sample int32) int32 {
	if sample > Max24Bit {
		return Max24Bit
	}
	if sample < Min24Bit {
		return Min24Bit
	}
	return sample
}

// DecodePCM16 converts 16-bit little-endian PCM into samples and returns
// the number of samples written
func DecodePCM16(pcm []byte, samples []int32) int {
	n := len(pcm) / 2
	if n > len(samples) {
		n = len(samples)
	}
	for i := 0; i < n; i++ {
		samples[i] = SampleFromInt16(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return n
}

// AppendPCM16 appends samples to dst as 16-bit little-endian PCM
func AppendPCM16(dst []byte, samples []int32) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(SampleToInt16(s)))
	}
	return dst
}
