package iso7816

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/gregLibert/simtrace/pkg/tlv"
)

func TestNewSelectCommand(t *testing.T) {
	uicc, _ := NewClass(0x00)
	gsm, _ := NewClass(GSMClass)
	path, err := SelectPath(uicc, FID_DF_GSM, FID_EF_IMSI)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		cmd      *CommandAPDU
		expected []byte
	}{
		{
			name: "GSM SELECT DF_GSM",
			cmd:  SelectFile(gsm, FID_DF_GSM),
			expected: tlv.Hex(
				"A0 A4 00 00", // Header: CLA=A0, INS=A4, P1=P2=00
				"02",          // Lc=2
				"7F 20",       // DF_GSM
			),
		},
		{
			name: "UICC SELECT MF returning FCP",
			cmd:  SelectMF(uicc),
			expected: tlv.Hex(
				"00 A4 00 04", // P2=04 (ReturnFCP)
				"02",
				"3F 00",
				// NO Le: the FCP comes back through 61XX
			),
		},
		{
			name: "UICC SELECT by path",
			cmd:  path,
			expected: tlv.Hex(
				"00 A4 08 04",
				"04",
				"7F 20 6F 07",
			),
		},
		{
			name: "Select USIM by AID",
			cmd:  SelectByAID(uicc, tlv.Hex("A0 00 00 00 87 10 02")),
			expected: tlv.Hex(
				"00 A4 04 04",
				"07",
				"A0 00 00 00 87 10 02",
			),
		},
		{
			name: "Select Next Occurrence FCP",
			cmd: NewSelectCommand(
				uicc,
				SelectByFileID,
				NextOccurrence,
				ReturnFCP,
				[]byte{0x3F, 0x00},
			),
			expected: tlv.Hex(
				"00 A4 00 06", // Header: P2=06 (ReturnFCP 04 | Next 02)
				"02",          // Lc=2
				"3F 00",       // Data: File ID 3F00
			),
		},
		{
			name: "Select No Data",
			cmd: NewSelectCommand(
				uicc,
				SelectByFileID,
				FirstOrOnlyOccurrence,
				ReturnNoData,
				[]byte{0x3F, 0x00},
			),
			expected: tlv.Hex(
				"00 A4 00 0C", // Header: P2=0C (ReturnNoData 0C | First 00)
				"02",          // Lc=2
				"3F 00",       // Data: File ID 3F00
			),
		},
		{
			name: "Select parent without data",
			cmd: NewSelectCommand(
				uicc,
				SelectParentDF,
				FirstOrOnlyOccurrence,
				ReturnFCP,
				nil,
			),
			expected: tlv.Hex(
				"00 A4 03 04",
				"00", // Le=256
			),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			if err != nil {
				t.Fatalf("Failed to encode bytes: %v", err)
			}

			if !bytes.Equal(got, tt.expected) {
				t.Errorf("Mismatch:\nExpected: %s\nGot:      %s",
					hex.EncodeToString(tt.expected),
					hex.EncodeToString(got))
			}
		})
	}
}

func TestSelectPath_Errors(t *testing.T) {
	uicc, _ := NewClass(0x00)
	gsm, _ := NewClass(GSMClass)

	if _, err := SelectPath(gsm, FID_DF_GSM); err == nil {
		t.Error("GSM class should not select by path")
	}
	if _, err := SelectPath(uicc); err == nil {
		t.Error("empty path should fail")
	}
	if _, err := SelectPath(uicc, FID_MF, FID_EF_ICCID); err == nil {
		t.Error("path starting at the MF should fail")
	}
}
