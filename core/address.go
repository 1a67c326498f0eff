// Package core holds types shared by every layer of the peer broadcast link.
package core

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressSize is the length of a radio station address (an 802.11 MAC).
const AddressSize = 6

// Address identifies a station on the broadcast medium.
type Address [AddressSize]byte

// Broadcast is the all-ones address every peer listens on.
var Broadcast = Address{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// String returns the address in colon-separated upper-case hex
// (e.g. "24:6F:28:AA:01:02").
func (a Address) String() string {
	var sb strings.Builder
	sb.Grow(AddressSize*3 - 1)
	for i, b := range a {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// Bytes returns the underlying byte slice.
func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero returns true if the address is all zeros (unknown sender).
func (a Address) IsZero() bool {
	return a == Address{}
}

// IsBroadcast returns true for the all-ones address.
func (a Address) IsBroadcast() bool {
	return a == Broadcast
}

// AddressFromBytes copies the first AddressSize bytes of b into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) < AddressSize {
		return a, fmt.Errorf("invalid length: expected %d bytes, got %d", AddressSize, len(b))
	}
	copy(a[:], b[:AddressSize])
	return a, nil
}

// ParseAddress parses an address written as hex, with or without ':' or '-'
// separators.
func ParseAddress(s string) (Address, error) {
	var a Address
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return a, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(raw) != AddressSize {
		return a, fmt.Errorf("invalid length: expected %d bytes, got %d", AddressSize, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}
