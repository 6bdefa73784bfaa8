// ABOUTME: Fixed-capacity circular byte buffer staging PCM for the source engine
// ABOUTME: Owned by the service loop; Used()+Free() always equals Cap()
package source

// DefaultRingBytes is the default ring capacity
const DefaultRingBytes = 2048

// RingBuffer is a circular byte buffer
type RingBuffer struct {
	buffer   []byte
	readPos  int
	writePos int
	size     int
	count    int // bytes currently buffered
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRingBytes
	}
	return &RingBuffer{
		buffer: make([]byte, capacity),
		size:   capacity,
	}
}

// Write copies as much of p as fits and returns the bytes written
func (rb *RingBuffer) Write(p []byte) int {
	written := 0
	for written < len(p) && rb.count < rb.size {
		end := rb.writePos + (rb.size - rb.count)
		if end > rb.size {
			end = rb.size
		}
		n := copy(rb.buffer[rb.writePos:end], p[written:])
		rb.writePos = (rb.writePos + n) % rb.size
		rb.count += n
		written += n
	}
	return written
}

// Read copies up to len(p) buffered bytes into p and returns the count
func (rb *RingBuffer) Read(p []byte) int {
	read := 0
	for read < len(p) && rb.count > 0 {
		end := rb.readPos + rb.count
		if end > rb.size {
			end = rb.size
		}
		n := copy(p[read:], rb.buffer[rb.readPos:end])
		rb.readPos = (rb.readPos + n) % rb.size
		rb.count -= n
		read += n
	}
	return read
}

// Used returns the number of buffered bytes
func (rb *RingBuffer) Used() int {
	return rb.count
}

// Free returns the number of bytes that can be written
func (rb *RingBuffer) Free() int {
	return rb.size - rb.count
}

// Cap returns the capacity
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Reset discards all buffered bytes
func (rb *RingBuffer) Reset() {
	rb.readPos = 0
	rb.writePos = 0
	rb.count = 0
}

// Resize discards buffered bytes and changes the capacity
func (rb *RingBuffer) Resize(capacity int) {
	if capacity != rb.size && capacity > 0 {
		rb.buffer = make([]byte, capacity)
		rb.size = capacity
	}
	rb.Reset()
}
