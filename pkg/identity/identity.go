// Package identity defines the stable unit identity used for deterministic
// tie-breaking during discovery and role assignment.
package identity

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"
)

// AddrLen is the length of a unit hardware address in bytes.
const AddrLen = 6

// scanStaggerWindow bounds the deterministic discovery stagger. Two units
// powered on at the same instant start scanning up to this far apart, which
// breaks exact-simultaneous connect races without randomness.
const scanStaggerWindow = 250 * time.Millisecond

// Unit identifies one device for a single boot. The address is the stable
// hardware address; Battery is the last-known charge fraction (0.0-1.0),
// sampled once at boot and used only for role tie-breaking.
type Unit struct {
	Addr    [AddrLen]byte
	Battery float64
}

// ParseAddr parses a hex hardware address, with or without colon separators.
func ParseAddr(s string) ([AddrLen]byte, error) {
	var addr [AddrLen]byte
	cleaned := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			cleaned = append(cleaned, s[i])
		}
	}
	raw, err := hex.DecodeString(string(cleaned))
	if err != nil {
		return addr, fmt.Errorf("invalid hardware address %q: %w", s, err)
	}
	if len(raw) != AddrLen {
		return addr, fmt.Errorf("invalid hardware address %q: want %d bytes, got %d", s, AddrLen, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// String formats the address as colon-separated hex.
func (u Unit) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		u.Addr[0], u.Addr[1], u.Addr[2], u.Addr[3], u.Addr[4], u.Addr[5])
}

// Compare orders two units by address, the deterministic tie-break primitive.
// Returns -1, 0, or +1 in bytes.Compare convention.
func Compare(a, b Unit) int {
	return bytes.Compare(a.Addr[:], b.Addr[:])
}

// ScanStagger returns this unit's deterministic discovery start delay. It is a
// pure function of the address: the same unit always staggers by the same
// amount, and two distinct units almost always differ.
func ScanStagger(u Unit) time.Duration {
	h := fnv.New32a()
	h.Write(u.Addr[:])
	return time.Duration(h.Sum32()%250) * scanStaggerWindow / 250
}

// PreferServer reports whether the local unit should take the server role when
// a battery-based override is applied on top of the raw connection-layer role.
// The higher-battery unit serves; equal batteries fall back to address order,
// higher address serving.
func PreferServer(local, peer Unit) bool {
	const batteryEpsilon = 0.005 // sub-half-percent readings are noise
	diff := local.Battery - peer.Battery
	if diff > batteryEpsilon {
		return true
	}
	if diff < -batteryEpsilon {
		return false
	}
	return Compare(local, peer) > 0
}
