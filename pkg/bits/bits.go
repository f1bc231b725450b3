// Package bits holds the small bit and nibble helpers used by the ISO 7816-3
// parsers. Bit numbers follow the ISO convention: b1 is the least significant
// bit, b8 the most significant one.
package bits

// Bit returns a byte with only the n-th bit set (1 to 8).
func Bit(n uint) byte {
	if n < 1 || n > 8 {
		return 0
	}
	return 1 << (n - 1)
}

// IsSet checks if the n-th bit is set (1 to 8).
func IsSet(b byte, n uint) bool {
	return b&Bit(n) != 0
}

// Set returns b with the n-th bit set.
func Set(b byte, n uint) byte {
	return b | Bit(n)
}

// Clear returns b with the n-th bit cleared.
func Clear(b byte, n uint) byte {
	return b &^ Bit(n)
}

// GetRange extracts the value from a range of bits (e.g., bits 4 to 3).
// Example: GetRange(0b00001100, 4, 3) returns 3 (0b11)
func GetRange(b byte, high, low uint) byte {
	if high < low || high > 8 || low < 1 {
		return 0
	}
	mask := byte((1 << (high - low + 1)) - 1)
	return (b >> (low - 1)) & mask
}

// High returns the upper nibble (b8..b5) of b.
func High(b byte) byte {
	return b >> 4
}

// Low returns the lower nibble (b4..b1) of b.
func Low(b byte) byte {
	return b & 0x0F
}

// Nibbles joins two nibbles into one byte, hi in b8..b5 and lo in b4..b1.
func Nibbles(hi, lo byte) byte {
	return (hi&0x0F)<<4 | lo&0x0F
}

// XOR folds all bytes of p with exclusive-or. ATR (TCK) and PPS (PCK) check
// bytes are computed this way.
func XOR(p []byte) byte {
	var x byte
	for _, b := range p {
		x ^= b
	}
	return x
}
