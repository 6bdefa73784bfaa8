// ABOUTME: Bounds-checked little-endian reader for control channel frames
// ABOUTME: Every read reports ErrShortBuffer instead of indexing past the end
package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a frame has fewer bytes than its layout requires
var ErrShortBuffer = errors.New("protocol: insufficient data in buffer")

// Reader decodes fields sequentially from a byte slice
type Reader struct {
	data   []byte
	offset int
}

// NewReader wraps a byte slice for decoding
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	return len(r.data) - r.offset
}

// Offset returns the current read position
func (r *Reader) Offset() int {
	return r.offset
}

func (r *Reader) need(n int) (int, error) {
	if r.offset+n > len(r.data) {
		return 0, ErrShortBuffer
	}
	off := r.offset
	r.offset += n
	return off, nil
}

// ReadUint8 reads a single byte
func (r *Reader) ReadUint8() (uint8, error) {
	off, err := r.need(1)
	if err != nil {
		return 0, err
	}
	return r.data[off], nil
}

// ReadUint32 reads a little-endian uint32
func (r *Reader) ReadUint32() (uint32, error) {
	off, err := r.need(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[off:]), nil
}

// readUint32s fills dst in order, stopping at the first short read
func (r *Reader) readUint32s(dst ...*uint32) error {
	for _, d := range dst {
		v, err := r.ReadUint32()
		if err != nil {
			return err
		}
		*d = v
	}
	return nil
}

func appendUint32s(b []byte, vals ...uint32) []byte {
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return b
}
