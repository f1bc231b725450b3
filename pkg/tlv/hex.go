package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseHex decodes hex text as found in configuration files and on the
// command line. Spaces and colons between bytes are ignored.
func ParseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return data, nil
}

// Hex constructs a byte slice from a series of hex strings. It panics on
// invalid input and is meant for literals.
func Hex(parts ...string) []byte {
	data, err := ParseHex(strings.Join(parts, ""))
	if err != nil {
		panic(err.Error())
	}
	return data
}
