// ABOUTME: Codec payload framing for media packets and the data channel
// ABOUTME: SBC frame-count header and LOAS-style 3-byte sync/length header
package media

import "fmt"

const (
	// LOASHeaderLen is the size of the sync/length header
	LOASHeaderLen = 3
	// LOASMaxLen is the largest payload a 13-bit length can describe
	LOASMaxLen = 1<<13 - 1

	loasSync0    = 0x56
	loasSync1    = 0xE0
	loasSyncMask = 0xE0

	sbcFrameCountMask = 0x0F
)

// AppendLOAS appends a sync/length header and payload to dst
func AppendLOAS(dst, payload []byte) ([]byte, error) {
	n := len(payload)
	if n > LOASMaxLen {
		return dst, fmt.Errorf("%w: %d bytes exceeds loas length", ErrMalformed, n)
	}
	dst = append(dst, loasSync0, loasSync1|byte(n>>8), byte(n))
	return append(dst, payload...), nil
}

// SplitLOAS returns the first framed payload and the bytes that follow it
func SplitLOAS(data []byte) (payload, rest []byte, err error) {
	if len(data) < LOASHeaderLen {
		return nil, nil, fmt.Errorf("%w: short loas header", ErrMalformed)
	}
	if data[0] != loasSync0 || data[1]&loasSyncMask != loasSync1 {
		return nil, nil, fmt.Errorf("%w: bad loas sync 0x%02x%02x", ErrMalformed, data[0], data[1])
	}
	n := int(data[1]&^loasSyncMask)<<8 | int(data[2])
	if len(data) < LOASHeaderLen+n {
		return nil, nil, fmt.Errorf("%w: loas length %d exceeds %d bytes", ErrMalformed, n, len(data)-LOASHeaderLen)
	}
	end := LOASHeaderLen + n
	return data[LOASHeaderLen:end], data[end:], nil
}

// AppendSBC appends an SBC media payload: frame count byte then frames
func AppendSBC(dst []byte, count int, frames []byte) []byte {
	dst = append(dst, byte(count)&sbcFrameCountMask)
	return append(dst, frames...)
}

// SplitSBC returns the frame count and concatenated frames of an SBC payload
func SplitSBC(payload []byte) (int, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("%w: empty sbc payload", ErrMalformed)
	}
	return int(payload[0] & sbcFrameCountMask), payload[1:], nil
}
