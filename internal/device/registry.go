// ABOUTME: Arena-backed table of connected peers keyed by address
// ABOUTME: Hands out generation-checked handles that stay valid until removal
package device

import (
	"errors"
	"fmt"

	"github.com/Sendspin/bluestream/internal/statemachine"
	"github.com/Sendspin/bluestream/pkg/codec"
)

// ErrNotFound is returned when no record exists for an address or handle
var ErrNotFound = errors.New("device: not found")

// Handle identifies a record; a stale handle never resolves to a reused slot
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("dev#%d.%d", h.index, h.gen)
}

// Device is the per-peer connection record
type Device struct {
	Handle  Handle
	Address Address
	Role    Role
	Machine *statemachine.Machine

	MTU       int
	Codec     *codec.Config
	CodecType codec.Type
	// Capability is the peer's raw configured capability element
	Capability []byte
	ACLHandle  uint16
	L2CAPCID   uint16

	// DisconnectRequested is set by the first phase of a local disconnect
	DisconnectRequested bool
}

type slot struct {
	dev *Device
	gen uint32
}

// Registry owns every device record. It is only touched on the service loop.
type Registry struct {
	slots  []slot
	free   []uint32
	byAddr map[Address]uint32
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byAddr: make(map[Address]uint32)}
}

// Create returns the record for addr, creating it if needed. The bool is
// true when a new record was made.
func (r *Registry) Create(addr Address, role Role) (*Device, bool) {
	if d, ok := r.Lookup(addr); ok {
		return d, false
	}

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}

	s := &r.slots[idx]
	s.gen++
	s.dev = &Device{
		Handle:  Handle{index: idx, gen: s.gen},
		Address: addr,
		Role:    role,
	}
	r.byAddr[addr] = idx
	return s.dev, true
}

// Lookup finds the record for an address
func (r *Registry) Lookup(addr Address) (*Device, bool) {
	idx, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	return r.slots[idx].dev, true
}

// Get resolves a handle
func (r *Registry) Get(h Handle) (*Device, bool) {
	if int(h.index) >= len(r.slots) {
		return nil, false
	}
	s := r.slots[h.index]
	if s.dev == nil || s.gen != h.gen {
		return nil, false
	}
	return s.dev, true
}

// Remove frees the record behind h. Later lookups of the handle fail.
func (r *Registry) Remove(h Handle) error {
	d, ok := r.Get(h)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	delete(r.byAddr, d.Address)
	r.slots[h.index].dev = nil
	r.free = append(r.free, h.index)
	return nil
}

// Len returns the number of live records
func (r *Registry) Len() int {
	return len(r.byAddr)
}

// Each calls fn for every live record in slot order
func (r *Registry) Each(fn func(*Device)) {
	for _, s := range r.slots {
		if s.dev != nil {
			fn(s.dev)
		}
	}
}
