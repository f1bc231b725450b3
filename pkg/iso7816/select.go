package iso7816

import (
	"fmt"
)

// SELECT COMMAND LOGIC (ISO 7816-4, GSM 11.11 §9.2.1, ETSI TS 102 221 §11.1.1):
// The SELECT command (INS 'A4') opens a file (MF, DF, or EF) or an application.
//
// A GSM SIM only knows selection by file ID with P1=P2=00 and answers with
// '9F XX'. A UICC also selects by path and by AID and returns an FCP
// template ('62') when P2 asks for it.
//
// P1 (Selection Method):
// Indicates how the file is targeted (by ID, by Name/AID, by Path, etc.).
//
// P2 (Selection Control):
// Controls the response content and the file occurrence.
// - Bits 4-3: Response Type (FCI, FCP, FMD, or No Data).
// - Bits 2-1: Occurrence (First, Last, Next, Previous).

// SelectionMethod defines how the file is targeted (P1).
type SelectionMethod byte

const (
	SelectByFileID          SelectionMethod = 0x00
	SelectChildDF           SelectionMethod = 0x01
	SelectEFUnderCurrentDF  SelectionMethod = 0x02
	SelectParentDF          SelectionMethod = 0x03
	SelectByDFName          SelectionMethod = 0x04 // Select by AID
	SelectPathFromMF        SelectionMethod = 0x08
	SelectPathFromCurrentDF SelectionMethod = 0x09
)

func (s SelectionMethod) String() string {
	switch s {
	case SelectByFileID:
		return "Select by File ID"
	case SelectChildDF:
		return "Select Child DF"
	case SelectEFUnderCurrentDF:
		return "Select EF under current DF"
	case SelectParentDF:
		return "Select Parent DF"
	case SelectByDFName:
		return "Select by DF Name (AID)"
	case SelectPathFromMF:
		return "Select Path from MF"
	case SelectPathFromCurrentDF:
		return "Select Path from Current DF"
	default:
		return fmt.Sprintf("Unknown Method (0x%02X)", byte(s))
	}
}

// FileOccurrence defines which instance of the file to select (Bits 1-2 of P2).
type FileOccurrence byte

const (
	FirstOrOnlyOccurrence FileOccurrence = 0b0000_00_00
	LastOccurrence        FileOccurrence = 0b0000_00_01
	NextOccurrence        FileOccurrence = 0b0000_00_10
	PreviousOccurrence    FileOccurrence = 0b0000_00_11
)

func (f FileOccurrence) String() string {
	switch f {
	case FirstOrOnlyOccurrence:
		return "First/Only"
	case LastOccurrence:
		return "Last"
	case NextOccurrence:
		return "Next"
	case PreviousOccurrence:
		return "Previous"
	default:
		return "Unknown Occurrence"
	}
}

// SelectionControl defines what data to return (Bits 3-4 of P2).
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0b0000_00_00
	ReturnFCP    SelectionControl = 0b0000_01_00
	ReturnFMD    SelectionControl = 0b0000_10_00
	ReturnNoData SelectionControl = 0b0000_11_00
)

func (s SelectionControl) String() string {
	switch s {
	case ReturnFCI:
		return "Return FCI"
	case ReturnFCP:
		return "Return FCP"
	case ReturnFMD:
		return "Return FMD"
	case ReturnNoData:
		return "No Response Data"
	default:
		return "Unknown Control"
	}
}

// Well-known file identifiers of the SIM/UICC file system.
const (
	FID_MF         uint16 = 0x3F00
	FID_DF_TELECOM uint16 = 0x7F10
	FID_DF_GSM     uint16 = 0x7F20
	FID_EF_DIR     uint16 = 0x2F00
	FID_EF_ICCID   uint16 = 0x2FE2
	FID_EF_IMSI    uint16 = 0x6F07
	FID_EF_AD      uint16 = 0x6FAD
)

// NewSelectCommand creates a generic SELECT command.
func NewSelectCommand(
	cla Class,
	method SelectionMethod,
	occurrence FileOccurrence,
	ctrl SelectionControl,
	data []byte,
) *CommandAPDU {
	// P2 Construction: Combine Occurrence (bits 1-2) and Control Info (bits 3-4).
	p2 := byte(ctrl) | byte(occurrence)

	ins, _ := NewInstruction(INS_SELECT)

	// T=0 carries either Lc or Le in P3. With data the response comes back
	// through 61XX/9FXX and GET RESPONSE, so Le is left out.
	ne := 0
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}

	return NewCommandAPDU(cla, ins, byte(method), p2, data, ne)
}

// SelectFile selects a file by its identifier. GSM classes use P2=00, every
// other class asks for the FCP.
func SelectFile(cla Class, fid uint16) *CommandAPDU {
	ctrl := ReturnFCP
	if cla.Family == FamilyGSM {
		ctrl = ReturnFCI
	}
	return NewSelectCommand(cla, SelectByFileID, FirstOrOnlyOccurrence, ctrl, []byte{byte(fid >> 8), byte(fid)})
}

// SelectPath selects a file by its path from the MF. The MF itself is
// implicit and must not be part of path.
func SelectPath(cla Class, path ...uint16) (*CommandAPDU, error) {
	if cla.Family == FamilyGSM {
		return nil, fmt.Errorf("class %02X does not support selection by path", cla.Raw)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	data := make([]byte, 0, 2*len(path))
	for _, fid := range path {
		if fid == FID_MF {
			return nil, fmt.Errorf("path must not contain the MF")
		}
		data = append(data, byte(fid>>8), byte(fid))
	}
	return NewSelectCommand(cla, SelectPathFromMF, FirstOrOnlyOccurrence, ReturnFCP, data), nil
}

// SelectByAID creates a SELECT command activating an application by its AID.
func SelectByAID(cla Class, aid []byte) *CommandAPDU {
	return NewSelectCommand(
		cla,
		SelectByDFName,
		FirstOrOnlyOccurrence,
		ReturnFCP,
		aid,
	)
}

// SelectMF creates a command to select the Master File.
func SelectMF(cla Class) *CommandAPDU {
	return SelectFile(cla, FID_MF)
}
