// ABOUTME: Bluetooth device address and peer role types
// ABOUTME: Parses and formats BD_ADDR strings like AA:BB:CC:DD:EE:FF
package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a BD_ADDR, most significant byte first
type Address [6]byte

// ParseAddress parses a colon separated address
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("invalid bluetooth address %q", s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("invalid bluetooth address %q: %w", s, err)
		}
		a[i] = byte(b)
	}
	return a, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether the address is unset
func (a Address) IsZero() bool {
	return a == Address{}
}

// Role is the local streaming role toward a peer
type Role uint8

const (
	// RoleSource streams to a peer sink (headphones, speakers)
	RoleSource Role = iota + 1
	// RoleSink receives from a peer source (phone)
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleSink:
		return "sink"
	default:
		return "none"
	}
}

// ParseRole parses "source" or "sink"
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "source":
		return RoleSource, nil
	case "sink":
		return RoleSink, nil
	}
	return 0, fmt.Errorf("unknown role %q (supported: source, sink)", s)
}
