package iso7816

import (
	"fmt"
	"strings"
)

// SELECT RESULT ANALYSIS:
// A SELECT on a T=0 SIM is at least two TPDUs: the SELECT itself, answered
// with 61XX (UICC) or 9FXX (GSM), then GET RESPONSE fetching the FCP or the
// GSM file description. SelectResult hides that sequence.

// SelectResult represents the outcome of a SELECT command execution.
type SelectResult struct {
	Trace
}

// NewSelectResult creates a SelectResult from a transaction trace that
// starts with a SELECT command.
func NewSelectResult(t Trace) (*SelectResult, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("cannot create result from empty trace")
	}

	if t[0].Command.Instruction.Raw != INS_SELECT {
		return nil, fmt.Errorf("trace must start with SELECT command (got %02X)", byte(t[0].Command.Instruction.Raw))
	}

	return &SelectResult{Trace: t}, nil
}

// FileID returns the identifier carried by the SELECT, if it selected by
// file ID.
func (r *SelectResult) FileID() (uint16, bool) {
	cmd := r.Trace[0].Command
	if SelectionMethod(cmd.P1) != SelectByFileID || len(cmd.Data) != 2 {
		return 0, false
	}
	return uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1]), true
}

// FileInfo decodes the response data of the last transaction according to
// the class of the SELECT.
func (r *SelectResult) FileInfo() (*FileInfo, error) {
	if !r.IsSuccess() {
		return nil, fmt.Errorf("selection failed, cannot parse response")
	}

	lastTx := r.Last()
	if len(lastTx.Response.Data) == 0 {
		return nil, fmt.Errorf("no response data found")
	}

	return ParseSelectResponse(lastTx.Response.Data, r.Trace[0].Command.Class.Family)
}

// Describe generates a detailed report of the selection: the request, the
// GET RESPONSE handling and the decoded file information.
func (r *SelectResult) Describe() string {
	var sb strings.Builder

	sb.WriteString("=== SELECT COMMAND REPORT ===\n")

	tx0 := r.Trace[0]
	cmd := tx0.Command

	sb.WriteString("[1] Command: SELECT FILE (Initial Request)\n")
	fmt.Fprintf(&sb, "    + Class:   %02X -> %s\n", cmd.Class.Raw, cmd.Class.Family)
	if cmd.Class.Family == FamilyGSM {
		fmt.Fprintf(&sb, "    + Method:  %02X -> %s\n", cmd.P1, SelectionMethod(cmd.P1))
	} else {
		occ := FileOccurrence(cmd.P2 & 0x03)
		ctrl := SelectionControl(cmd.P2 & 0x0C)
		fmt.Fprintf(&sb, "    + Method:  %02X -> %s\n", cmd.P1, SelectionMethod(cmd.P1))
		fmt.Fprintf(&sb, "    + Control: %02X -> %s | %s\n", cmd.P2, occ, ctrl)
	}

	if len(cmd.Data) > 0 {
		fmt.Fprintf(&sb, "    + Data:    %X\n", cmd.Data)
	}

	if tx0.Response == nil {
		sb.WriteString("    + Result:  no response\n")
		return sb.String()
	}
	sb.WriteString(describeStatus(tx0.Response.Status))
	sb.WriteString("\n")

	finalPayload := tx0.Response.Data

	if len(r.Trace) > 1 {
		fmt.Fprintf(&sb, "[2] Protocol: Auto-handling (Sequence of %d steps)\n", len(r.Trace))

		lastTx := r.Last()
		opName := "Unknown"
		switch lastTx.Command.Instruction.Raw {
		case INS_GET_RESPONSE:
			opName = "GET RESPONSE"
		case INS_SELECT:
			opName = "RE-SELECT (Correction)"
		}
		fmt.Fprintf(&sb, "    + Action:  Sending %s\n", opName)

		if lastTx.Response != nil {
			finalPayload = lastTx.Response.Data
			sb.WriteString(describeStatus(lastTx.Response.Status))
		}
		if len(finalPayload) > 0 {
			fmt.Fprintf(&sb, "    + Payload: %d bytes received\n", len(finalPayload))
			fmt.Fprintf(&sb, "      Dump:    %X\n", finalPayload)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("[=] FINAL OUTCOME:\n")

	info, err := r.FileInfo()
	if err != nil {
		if len(finalPayload) > 0 {
			fmt.Fprintf(&sb, "    - Parsing Failed: %v\n", err)
		} else {
			sb.WriteString("    - No Data returned to parse.\n")
		}
		return sb.String()
	}

	sb.WriteString(info.Describe())
	sb.WriteString("\n")
	return sb.String()
}

func describeStatus(sw StatusWord) string {
	resultMsg := "[OK]"
	var resultDesc string

	if n, ok := sw.ResponseLength(); ok {
		resultDesc = fmt.Sprintf("%02X (%d) bytes still available", sw.SW2(), n)
	} else if sw.SW1() == 0x6C {
		resultMsg = "[!!]"
		resultDesc = fmt.Sprintf("Wrong length, correct is %02X (%d)", sw.SW2(), sw.SW2())
	} else if sw == SW_NO_ERROR {
		resultDesc = "SW_NO_ERROR"
	} else {
		if !sw.IsSuccess() {
			resultMsg = "[!!]"
		}
		resultDesc = sw.Verbose()
	}
	return fmt.Sprintf("    + Result:  [%02X %02X] %s %s\n", sw.SW1(), sw.SW2(), resultMsg, resultDesc)
}

// Summary is a one line description used in trace listings.
func (r *SelectResult) Summary() string {
	target := fmt.Sprintf("%X", r.Trace[0].Command.Data)
	if fid, ok := r.FileID(); ok {
		target = fmt.Sprintf("%04X", fid)
	}
	info, err := r.FileInfo()
	if err != nil {
		return fmt.Sprintf("SELECT %s -> %s", target, r.Last().Response.Status)
	}
	if info.Type == FileTypeEF {
		return fmt.Sprintf("SELECT %s -> EF %s, %d bytes", target, info.Structure, info.Size)
	}
	return fmt.Sprintf("SELECT %s -> %s", target, info.Type)
}
