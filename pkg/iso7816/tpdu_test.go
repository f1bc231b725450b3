package iso7816

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmd     string
		want    Layout
		wantErr error
	}{
		{"Case 1", "A0040000", Layout{Case: Case1}, nil},
		{"Case 2, Le=P3", "A0C0000016", Layout{Case: Case2, Ne: 0x16}, nil},
		{"Case 2, P3=0 is 256", "00B0000000", Layout{Case: Case2, Ne: 256}, nil},
		{"Case 3, one byte", "A0A400000100", Layout{Case: Case3, Nc: 1, Data: 5}, nil},
		{"Case 3, SELECT MF", "00A40000023F00", Layout{Case: Case3, Nc: 2, Data: 5}, nil},
		{"Case 4 short", "00A40004023F0000", Layout{Case: Case4, Nc: 2, Ne: 256, Data: 5}, nil},
		{"Case 2 extended", "00B0000000 0100", Layout{Case: Case2, Extended: true, Ne: 256}, nil},
		{"Case 2 extended 65536", "00B00000000000", Layout{Case: Case2, Extended: true, Ne: MaxExtendedLe}, nil},
		{"Case 3 extended", "00D6000000 0002 AABB", Layout{Case: Case3, Extended: true, Nc: 2, Data: 7}, nil},
		{"Case 4 extended", "00880000000002AABB0000", Layout{Case: Case4, Extended: true, Nc: 2, Ne: MaxExtendedLe, Data: 7}, nil},
		{"Too short", "00A4", Layout{}, ErrMalformedCommand},
		{"Lc mismatch", "00A400000501", Layout{}, ErrMalformedCommand},
		{"Extended marker truncated", "00A4000000AA", Layout{}, ErrMalformedCommand},
		{"Six bytes, Lc beyond the command", "00A40000023F", Layout{}, ErrMalformedCommand},
		{"Seven bytes, P3=0, length on two bytes", "00D6000000 0001", Layout{Case: Case2, Extended: true, Ne: 1}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifyCommand(mustHex(t, stripSpaces(tt.cmd)))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ClassifyCommand() error = %v; want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ClassifyCommand() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestT0Header(t *testing.T) {
	h, l, err := T0Header(mustHex(t, "00A40004023F0000"))
	if err != nil {
		t.Fatal(err)
	}
	if h != (Header{0x00, 0xA4, 0x00, 0x04, 0x02}) || l.Case != Case4 {
		t.Errorf("T0Header() = %s, %s", h, l.Case)
	}

	if _, _, err := T0Header(mustHex(t, "00B00000000100")); !errors.Is(err, ErrExtendedT0) {
		t.Errorf("extended error = %v", err)
	}
}

func TestHeader(t *testing.T) {
	h, err := ParseHeader([]byte{0xA0, 0xB0, 0x00, 0x00, 0x00, 0xFF})
	if err != nil {
		t.Fatal(err)
	}
	if h.Len() != 256 {
		t.Errorf("Len() = %d; want 256", h.Len())
	}
	if h.String() != "A0 B0 00 00 00" {
		t.Errorf("String() = %q", h.String())
	}
	if _, err := ParseHeader([]byte{0xA0}); !errors.Is(err, ErrShortHeader) {
		t.Errorf("short header error = %v", err)
	}
}

func TestClassifyProcedure(t *testing.T) {
	const ins = 0xA4
	tests := []struct {
		pb      byte
		want    Procedure
		wantErr bool
	}{
		{0x60, ProcNull, false},
		{0xA4, ProcAck, false},
		{0x5B, ProcAckOne, false},
		{0x90, ProcSW1, false},
		{0x9F, ProcSW1, false},
		{0x61, ProcSW1, false},
		{0x6C, ProcSW1, false},
		{0x42, ProcSW1, true},
	}

	for _, tt := range tests {
		got, err := ClassifyProcedure(ins, tt.pb)
		if (err != nil) != tt.wantErr {
			t.Errorf("ClassifyProcedure(%02X) error = %v", tt.pb, err)
		}
		if err != nil && !errors.Is(err, ErrProtocolDesync) {
			t.Errorf("ClassifyProcedure(%02X) error = %v; want ErrProtocolDesync", tt.pb, err)
		}
		if got != tt.want {
			t.Errorf("ClassifyProcedure(%02X) = %s; want %s", tt.pb, got, tt.want)
		}
	}
}
