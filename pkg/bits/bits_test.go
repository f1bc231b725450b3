package bits

import "testing"

func TestBit(t *testing.T) {
	tests := []struct {
		n        uint
		expected byte
	}{
		{1, 0x01}, {5, 0x10}, {8, 0x80}, {0, 0x00},
		{9, 0x00}, // out of range values are ignored
	}

	for _, tt := range tests {
		if res := Bit(tt.n); res != tt.expected {
			t.Errorf("Bit(%d) = 0x%02X; want 0x%02X", tt.n, res, tt.expected)
		}
	}
}

func TestSetClear(t *testing.T) {
	b := Set(0, 5)
	if b != 0x10 || !IsSet(b, 5) {
		t.Fatalf("Set(0, 5) = 0b%08b", b)
	}
	if b = Clear(b, 5); b != 0 {
		t.Errorf("Clear(0x10, 5) = 0b%08b; want 0", b)
	}
}

func TestGetRange(t *testing.T) {
	tests := []struct {
		name     string
		input    byte
		high     uint
		low      uint
		expected byte
	}{
		{"PTS0 bits 4-1 (protocol)", 0b0001_0000, 4, 1, 0},
		{"PTS0 bits 7-5 (PTS1..3 presence)", 0b0111_0000, 7, 5, 7},
		{"Full Byte", 0xAA, 8, 1, 0xAA},
		{"Inverted range", 0xFF, 1, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if res := GetRange(tt.input, tt.high, tt.low); res != tt.expected {
				t.Errorf("GetRange(0x%02X, %d, %d) = %d; want %d", tt.input, tt.high, tt.low, res, tt.expected)
			}
		})
	}
}

func TestNibbles(t *testing.T) {
	if High(0x94) != 0x9 || Low(0x94) != 0x4 {
		t.Errorf("High/Low(0x94) = %X/%X", High(0x94), Low(0x94))
	}
	if got := Nibbles(0x1, 0x8); got != 0x18 {
		t.Errorf("Nibbles(1, 8) = 0x%02X; want 0x18", got)
	}
}

func TestXOR(t *testing.T) {
	// PPS request FF 10 18 -> PCK F7
	if got := XOR([]byte{0xFF, 0x10, 0x18}); got != 0xF7 {
		t.Errorf("XOR = 0x%02X; want 0xF7", got)
	}
	if got := XOR(nil); got != 0 {
		t.Errorf("XOR(nil) = 0x%02X; want 0", got)
	}
}
