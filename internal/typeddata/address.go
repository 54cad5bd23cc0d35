package typeddata

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseAddress decodes a 0x-prefixed 20-byte hex identity. Case is
// insignificant.
func ParseAddress(s string) ([20]byte, error) {
	var out [20]byte
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return out, fmt.Errorf("address missing 0x prefix")
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return out, fmt.Errorf("invalid address hex")
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("address must be 20 bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// FormatAddress renders an address in the canonical lowercase form used
// everywhere identities are stored or compared.
func FormatAddress(a [20]byte) string {
	return "0x" + hex.EncodeToString(a[:])
}

// ParseHash decodes a 0x-prefixed 32-byte hex digest.
func ParseHash(s string) ([32]byte, error) {
	var out [32]byte
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return out, fmt.Errorf("digest missing 0x prefix")
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return out, fmt.Errorf("invalid digest hex")
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("digest must be 32 bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// FormatHash renders a 32-byte digest as lowercase 0x-hex.
func FormatHash(h [32]byte) string {
	return "0x" + hex.EncodeToString(h[:])
}
