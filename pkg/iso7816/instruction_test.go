package iso7816

import (
	"strings"
	"testing"
)

func TestNewInstruction(t *testing.T) {
	tests := []struct {
		name    string
		ins     InsCode
		wantErr bool
		check   func(Instruction) bool
	}{
		{
			name: "Standard SELECT (A4)",
			ins:  0xA4,
			check: func(i Instruction) bool {
				return i.Raw == INS_SELECT && !i.IsBERTLV
			},
		},
		{
			name: "Odd AUTHENTICATE (89)",
			ins:  0b1000_1001,
			check: func(i Instruction) bool {
				return i.Raw == INS_AUTHENTICATE_ODD && i.IsBERTLV
			},
		},
		{
			name:    "Invalid INS 6X",
			ins:     0x6A,
			wantErr: true,
		},
		{
			name:    "Invalid INS 9X",
			ins:     0x90,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewInstruction(tt.ins)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewInstruction(0x%02X) error = %v, wantErr %v", byte(tt.ins), err, tt.wantErr)
				return
			}
			if !tt.wantErr && !tt.check(got) {
				t.Errorf("NewInstruction(0x%02X) failed validation: %+v", byte(tt.ins), got)
			}
		})
	}
}

func TestInstruction_Verbose(t *testing.T) {
	tests := []struct {
		ins      InsCode
		contains []string
	}{
		{INS_SELECT, []string{"INS: 0xA4", "Command: SELECT", "Format: Standard"}},
		{INS_AUTHENTICATE_ODD, []string{"INS: 0x89", "Command: AUTHENTICATE", "Format: BER-TLV"}},
		{0x02, []string{"InsCode(0x02)"}},
	}

	for _, tt := range tests {
		i, _ := NewInstruction(tt.ins)
		desc := i.Verbose()
		for _, part := range tt.contains {
			if !strings.Contains(desc, part) {
				t.Errorf("Verbose() = %q; want containing %q", desc, part)
			}
		}
	}
}

func TestLookupCase(t *testing.T) {
	tests := []struct {
		name string
		hdr  Header
		want Case
	}{
		{"GSM SELECT", Header{0xA0, 0xA4, 0x00, 0x00, 0x02}, Case3},
		{"GSM GET RESPONSE", Header{0xA0, 0xC0, 0x00, 0x00, 0x16}, Case2},
		{"GSM RUN GSM ALGORITHM", Header{0xA0, 0x88, 0x00, 0x00, 0x10}, Case4},
		{"GSM SLEEP", Header{0xA0, 0xFA, 0x00, 0x00, 0x00}, Case1},
		{"UICC SELECT with FCP", Header{0x00, 0xA4, 0x00, 0x04, 0x02}, Case4},
		{"UICC SELECT no data", Header{0x00, 0xA4, 0x00, 0x0C, 0x02}, Case3},
		{"UICC VERIFY retry counter", Header{0x00, 0x20, 0x00, 0x01, 0x00}, Case1},
		{"UICC VERIFY", Header{0x00, 0x20, 0x00, 0x01, 0x08}, Case3},
		{"UICC MANAGE CHANNEL open", Header{0x00, 0x70, 0x00, 0x00, 0x01}, Case2},
		{"UICC MANAGE CHANNEL close", Header{0x00, 0x70, 0x80, 0x01, 0x00}, Case1},
		{"CAT TERMINAL PROFILE", Header{0x80, 0x10, 0x00, 0x00, 0x14}, Case3},
		{"UICC on logical channel 1", Header{0x01, 0xB0, 0x00, 0x00, 0x0A}, Case2},
		{"Unknown class", Header{0xB0, 0xA4, 0x00, 0x00, 0x02}, CaseUnknown},
		{"Unknown instruction", Header{0xA0, 0x02, 0x00, 0x00, 0x00}, CaseUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LookupCase(tt.hdr); got != tt.want {
				t.Errorf("LookupCase(%s) = %s; want %s", tt.hdr, got, tt.want)
			}
		})
	}

	if got := LookupCase(Header{0x00, 0xA4, 0x00, 0x04, 0x02}, &GSMProfile); got != CaseUnknown {
		t.Errorf("GSM profile only: UICC SELECT = %s", got)
	}
}
