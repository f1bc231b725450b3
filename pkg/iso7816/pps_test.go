package iso7816

import (
	"bytes"
	"errors"
	"testing"
)

func TestPPS_Bytes(t *testing.T) {
	tests := []struct {
		name     string
		pps      PPS
		expected []byte
	}{
		{"PPS1 only", NewPPS(0, 0x18), []byte{0xFF, 0x10, 0x18, 0xF7}},
		{"No PPS1", PPS{PPS0: 0x00, PCK: 0xFF}, []byte{0xFF, 0x00, 0xFF}},
		{
			"PPS1 and PPS3",
			PPS{PPS0: 0x50, PPS1: 0x94, PPS3: 0x01, PCK: 0xFF ^ 0x50 ^ 0x94 ^ 0x01},
			[]byte{0xFF, 0x50, 0x94, 0x01, 0xFF ^ 0x50 ^ 0x94 ^ 0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pps.Bytes(); !bytes.Equal(got, tt.expected) {
				t.Errorf("Bytes() = % X; want % X", got, tt.expected)
			}
			if !tt.pps.Valid() {
				t.Errorf("Valid() = false for % X", tt.expected)
			}
			parsed, err := ParsePPS(tt.expected)
			if err != nil {
				t.Fatalf("ParsePPS: %v", err)
			}
			if parsed != tt.pps {
				t.Errorf("ParsePPS() = %+v; want %+v", parsed, tt.pps)
			}
		})
	}
}

func TestParsePPS_Errors(t *testing.T) {
	if _, err := ParsePPS([]byte{0x3B, 0x10}); !errors.Is(err, ErrInvalidPPSS) {
		t.Errorf("bad PPSS error = %v", err)
	}
	if _, err := ParsePPS([]byte{0xFF, 0x10, 0x18}); !errors.Is(err, ErrPPSTruncated) {
		t.Errorf("truncated error = %v", err)
	}
	p, err := ParsePPS([]byte{0xFF, 0x10, 0x18, 0x00})
	if !errors.Is(err, ErrPPSChecksum) {
		t.Errorf("checksum error = %v", err)
	}
	if fidi, ok := p.FiDi(); !ok || fidi != 0x18 {
		t.Errorf("FiDi() = %02X, %v", fidi, ok)
	}
}

func TestPPSParser_SkipsAbsentFields(t *testing.T) {
	var p PPSParser
	want := []PPSState{PPSWaitPPS0, PPSWaitPPS2, PPSWaitPCK, PPSDone}
	// PPS0=0x21: PPS2 only, T=1
	for i, b := range []byte{0xFF, 0x21, 0x07, 0xFF ^ 0x21 ^ 0x07} {
		st, err := p.Feed(b)
		if err != nil {
			t.Fatalf("Feed(%02X): %v", b, err)
		}
		if st != want[i] {
			t.Errorf("byte %d: state %s; want %s", i, st, want[i])
		}
	}
	if p.PPS().Protocol() != 1 || p.PPS().PPS2 != 0x07 {
		t.Errorf("PPS() = %+v", p.PPS())
	}
}

func TestPPS_Accepts(t *testing.T) {
	req := NewPPS(0, 0x94)
	if !req.Accepts(req) {
		t.Error("echo should accept")
	}
	if NewPPS(0, 0x11).Accepts(req) {
		t.Error("different PPS1 should not accept")
	}
	if (PPS{PPS0: 0x00}).Accepts(req) {
		t.Error("missing PPS1 should not accept")
	}
}
