package iso7816

import (
	"strings"
	"testing"

	"github.com/gregLibert/simtrace/pkg/tlv"
)

func NewInstructionMust(code InsCode) Instruction {
	i, _ := NewInstruction(code)
	return i
}

func TestSelectResult_Describe(t *testing.T) {
	t.Run("GSM SELECT with 9FXX", func(t *testing.T) {
		gsm, _ := NewClass(GSMClass)
		trace := Trace{
			{
				Command:  SelectFile(gsm, FID_EF_IMSI),
				Response: &ResponseAPDU{Status: NewStatusWord(0x9F, 0x0F)},
			},
			{
				Command: NewCommandAPDU(gsm, NewInstructionMust(INS_GET_RESPONSE), 0, 0, nil, 15),
				Response: &ResponseAPDU{
					Data:   tlv.Hex("0000 0009 6F07 04 00 150055 01 02 00 00"),
					Status: SW_NO_ERROR,
				},
			},
		}

		res, err := NewSelectResult(trace)
		if err != nil {
			t.Fatal(err)
		}
		report := res.Describe()

		expectedLines := []string{
			"=== SELECT COMMAND REPORT ===",
			"    + Class:   A0 -> GSM SIM",
			"    + Method:  00 -> Select by File ID",
			"    + Data:    6F07",
			"    + Result:  [9F 0F] [OK] 0F (15) bytes still available",
			"[2] Protocol: Auto-handling (Sequence of 2 steps)",
			"    + Action:  Sending GET RESPONSE",
			"    + Result:  [90 00] [OK] SW_NO_ERROR",
			"    + Payload: 15 bytes received",
			"    - File: 6F07 (EF)",
			"    - Structure: Transparent",
			"    - Size: 9 bytes",
		}

		for _, line := range expectedLines {
			if !strings.Contains(report, line) {
				t.Errorf("Report missing line: %q\n%s", line, report)
			}
		}
		if got, want := res.Summary(), "SELECT 6F07 -> EF Transparent, 9 bytes"; got != want {
			t.Errorf("Summary() = %q; want %q", got, want)
		}
	})

	t.Run("UICC SELECT not found", func(t *testing.T) {
		uicc, _ := NewClass(0x00)
		res, err := NewSelectResult(Trace{{
			Command:  SelectFile(uicc, 0x6F99),
			Response: &ResponseAPDU{Status: SW_ERR_FILE_NOT_FOUND},
		}})
		if err != nil {
			t.Fatal(err)
		}
		report := res.Describe()
		for _, line := range []string{
			"    + Control: 04 -> First/Only | Return FCP",
			"    + Result:  [6A 82] [!!]",
			"    - No Data returned to parse.",
		} {
			if !strings.Contains(report, line) {
				t.Errorf("Report missing line: %q\n%s", line, report)
			}
		}
	})
}

func TestNewSelectResult_Errors(t *testing.T) {
	if _, err := NewSelectResult(nil); err == nil {
		t.Error("empty trace should fail")
	}
	gsm, _ := NewClass(GSMClass)
	status := NewCommandAPDU(gsm, NewInstructionMust(INS_STATUS), 0, 0, nil, 0x16)
	if _, err := NewSelectResult(Trace{{Command: status}}); err == nil {
		t.Error("trace not starting with SELECT should fail")
	}
}
