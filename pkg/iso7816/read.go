package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/simtrace/pkg/tlv"
)

// READ COMMANDS (GSM 11.11 §9.2.3/§9.2.5, ETSI TS 102 221 §11.1.3/§11.1.5):
//
// READ BINARY (INS 'B0') reads a transparent EF.
//   - P1 bit 8 = 0: P1-P2 is a 15 bit offset into the current EF.
//   - P1 bit 8 = 1 (UICC only): P1 bits 5-1 is an SFI, P2 the offset.
//
// READ RECORD (INS 'B2') reads one record of a linear fixed or cyclic EF.
//   - P1: record number (00 = current record).
//   - P2 bits 8-4: SFI (UICC only, 0 = current EF); bits 3-1: mode.
//
// Both are Case 2: P3 is the number of bytes to read, 00 meaning 256.

// RecordMode is the addressing mode of READ RECORD (P2 bits 3-1).
type RecordMode byte

const (
	RecordNext     RecordMode = 0x02
	RecordPrevious RecordMode = 0x03
	RecordAbsolute RecordMode = 0x04
)

func (m RecordMode) String() string {
	switch m {
	case RecordNext:
		return "Next record"
	case RecordPrevious:
		return "Previous record"
	case RecordAbsolute:
		return "Absolute/current record"
	default:
		return fmt.Sprintf("Unknown Mode (0x%X)", byte(m))
	}
}

// MaxBinaryOffset is the largest READ BINARY offset without SFI.
const MaxBinaryOffset = 0x7FFF

// ReadBinary reads length bytes from offset in the current transparent EF.
func ReadBinary(cla Class, offset uint16, length int) (*CommandAPDU, error) {
	if offset > MaxBinaryOffset {
		return nil, fmt.Errorf("offset %04X beyond %04X", offset, MaxBinaryOffset)
	}
	if length < 1 || length > MaxShortLe {
		return nil, fmt.Errorf("length %d out of range 1..%d", length, MaxShortLe)
	}
	ins, _ := NewInstruction(INS_READ_BINARY)
	return NewCommandAPDU(cla, ins, byte(offset>>8), byte(offset), nil, length), nil
}

// ReadBinarySFI reads a transparent EF addressed by its short file
// identifier, making it the current EF.
func ReadBinarySFI(cla Class, sfi byte, offset byte, length int) (*CommandAPDU, error) {
	if cla.Family == FamilyGSM {
		return nil, fmt.Errorf("class %02X does not support SFI", cla.Raw)
	}
	if sfi == 0 || sfi > 30 {
		return nil, fmt.Errorf("SFI %d out of range 1..30", sfi)
	}
	if length < 1 || length > MaxShortLe {
		return nil, fmt.Errorf("length %d out of range 1..%d", length, MaxShortLe)
	}
	ins, _ := NewInstruction(INS_READ_BINARY)
	return NewCommandAPDU(cla, ins, 0x80|sfi, offset, nil, length), nil
}

// ReadRecord reads one record of the current EF.
func ReadRecord(cla Class, record byte, mode RecordMode, length int) *CommandAPDU {
	ins, _ := NewInstruction(INS_READ_RECORD)
	return NewCommandAPDU(cla, ins, record, byte(mode), nil, length)
}

// ReadResult represents the outcome of a READ BINARY or READ RECORD.
type ReadResult struct {
	Trace
}

// NewReadResult wraps a trace starting with READ BINARY or READ RECORD.
func NewReadResult(t Trace) (*ReadResult, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("cannot create result from empty trace")
	}

	switch t[0].Command.Instruction.Raw {
	case INS_READ_BINARY, INS_READ_RECORD:
	default:
		return nil, fmt.Errorf("trace must start with READ BINARY or READ RECORD (got %02X)", byte(t[0].Command.Instruction.Raw))
	}

	return &ReadResult{Trace: t}, nil
}

// Data returns the bytes read, nil when the read failed.
func (r *ReadResult) Data() []byte {
	if !r.IsSuccess() {
		return nil
	}
	return r.Last().Response.Data
}

// Describe generates a detailed report of the read operation.
func (r *ReadResult) Describe() string {
	var sb strings.Builder

	tx0 := r.Trace[0]
	cmd := tx0.Command

	if cmd.Instruction.Raw == INS_READ_BINARY {
		sb.WriteString("=== READ BINARY COMMAND REPORT ===\n")
		if cmd.P1&0x80 != 0 {
			fmt.Fprintf(&sb, "    + Target:  SFI %02X (%d)\n", cmd.P1&0x1F, cmd.P1&0x1F)
			fmt.Fprintf(&sb, "    + Offset:  %d\n", cmd.P2)
		} else {
			sb.WriteString("    + Target:  Current EF\n")
			fmt.Fprintf(&sb, "    + Offset:  %d\n", int(cmd.P1)<<8|int(cmd.P2))
		}
	} else {
		sb.WriteString("=== READ RECORD COMMAND REPORT ===\n")
		sfi := cmd.P2 >> 3
		mode := RecordMode(cmd.P2 & 0x07)

		targetStr := "Current EF"
		if sfi > 0 {
			targetStr = fmt.Sprintf("SFI %02X (%d)", sfi, sfi)
		}
		fmt.Fprintf(&sb, "    + Target:  %s\n", targetStr)

		p1Desc := fmt.Sprintf("Record Number %d", cmd.P1)
		if cmd.P1 == 0 {
			p1Desc = "Current Record"
		}
		fmt.Fprintf(&sb, "    + P1:      %02X -> %s\n", cmd.P1, p1Desc)
		fmt.Fprintf(&sb, "    + Mode:    %02X -> %s\n", byte(mode), mode)
	}
	fmt.Fprintf(&sb, "    + Length:  %d\n", cmd.Ne)

	if tx0.Response != nil {
		sb.WriteString(describeStatus(tx0.Response.Status))
	}
	sb.WriteString("\n")

	if len(r.Trace) > 1 {
		fmt.Fprintf(&sb, "[2] Protocol: Auto-handling (%d steps)\n", len(r.Trace))
		if last := r.Last(); last.Response != nil {
			fmt.Fprintf(&sb, "    + Final SW: [%04X]\n", uint16(last.Response.Status))
		}
	}

	sb.WriteString("[=] DATA OUTCOME:\n")
	if data := r.Data(); len(data) > 0 {
		fmt.Fprintf(&sb, "    + Length: %d bytes\n", len(data))
		fmt.Fprintf(&sb, "    + Dump:   %X\n", data)
		fmt.Fprintf(&sb, "    + ASCII:  %q\n", tlv.MakeSafeASCII(data))
		fmt.Fprintf(&sb, "    + BCD:    %s\n", tlv.SwappedBCD(data))
	} else {
		sb.WriteString("    - No Data Received.\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}
