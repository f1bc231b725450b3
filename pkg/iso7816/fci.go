package iso7816

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/simtrace/pkg/bits"
	"github.com/gregLibert/simtrace/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// SELECT RESPONSE DATA:
//
// A UICC (ETSI TS 102 221 §11.1.1.3) returns an FCP template, tag '62',
// possibly wrapped in an FCI template '6F'. A GSM SIM (GSM 11.11 §9.2.1)
// returns a fixed binary layout:
//
//	bytes 1-2   RFU
//	bytes 3-4   DF: free memory / EF: file size
//	bytes 5-6   file ID
//	byte  7     type of file (01 MF, 02 DF, 04 EF)
//	byte  14    EF structure (00 transparent, 01 linear fixed, 03 cyclic)
//	byte  15    EF record length

var (
	ErrNoFCP           = errors.New("no FCP template")
	ErrShortGSMSelect  = errors.New("GSM select response too short")
	ErrUnknownFileType = errors.New("unknown file type")
)

// FileType is the kind of a selected file.
type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeMF
	FileTypeDF
	FileTypeEF
)

func (t FileType) String() string {
	switch t {
	case FileTypeMF:
		return "MF"
	case FileTypeDF:
		return "DF"
	case FileTypeEF:
		return "EF"
	default:
		return "Unknown"
	}
}

// EFStructure is the structure of an elementary file.
type EFStructure int

const (
	StructureNone EFStructure = iota
	StructureTransparent
	StructureLinearFixed
	StructureCyclic
	StructureBERTLV
)

func (s EFStructure) String() string {
	switch s {
	case StructureTransparent:
		return "Transparent"
	case StructureLinearFixed:
		return "Linear fixed"
	case StructureCyclic:
		return "Cyclic"
	case StructureBERTLV:
		return "BER-TLV"
	default:
		return "None"
	}
}

// FCPTemplate (File Control Parameters) - Tag '62'.
type FCPTemplate struct {
	FileSize          []byte `tlv:"80" fmt:"int"`
	TotalFileSize     []byte `tlv:"81" fmt:"int"`
	FileDescriptor    []byte `tlv:"82"`
	FileIdentifier    []byte `tlv:"83" fmt:"fid"`
	DFName            []byte `tlv:"84"`
	ShortFileID       []byte `tlv:"88"`
	LifeCycleStatus   []byte `tlv:"8A"`
	SecAttrReferenced []byte `tlv:"8B"`
	SecAttrCompact    []byte `tlv:"8C"`
	ProprietaryInfo   []byte `tlv:"A5"`
	SecAttrExpanded   []byte `tlv:"AB"`
	PINStatus         []byte `tlv:"C6"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FileInfo is the decoded answer to a SELECT.
type FileInfo struct {
	Type         FileType
	Structure    EFStructure
	FileID       uint16
	Size         int
	RecordLength int
	RecordCount  int
	AID          []byte

	// FCP is set for UICC responses.
	FCP *FCPTemplate
	// Raw is the response data as received.
	Raw []byte
}

// ParseSelectResponse decodes SELECT response data. GSM class commands
// get the GSM 11.11 layout, every other class the FCP template.
func ParseSelectResponse(data []byte, family ClassFamily) (*FileInfo, error) {
	if family == FamilyGSM {
		return ParseGSMSelect(data)
	}
	return ParseFCP(data)
}

// ParseFCP decodes an FCP template, bare or inside an FCI template.
func ParseFCP(data []byte) (*FileInfo, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}

	fcpTLV, ok := tlv.Find(packets, "62")
	if !ok {
		fcpTLV, ok = tlv.Find(packets, "6F", "62")
	}
	if !ok {
		return nil, ErrNoFCP
	}

	fcp := &FCPTemplate{}
	if err := tlv.UnmarshalFromPackets(fcpTLV.TLVs, fcp); err != nil {
		return nil, fmt.Errorf("FCP unmarshal failed: %w", err)
	}

	info := &FileInfo{FCP: fcp, Raw: data, AID: fcp.DFName}
	if len(fcp.FileIdentifier) == 2 {
		info.FileID = uint16(fcp.FileIdentifier[0])<<8 | uint16(fcp.FileIdentifier[1])
	}
	info.Size = bigEndianInt(fcp.FileSize)
	if info.Size == 0 {
		info.Size = bigEndianInt(fcp.TotalFileSize)
	}
	info.decodeDescriptor(fcp.FileDescriptor)
	return info, nil
}

// decodeDescriptor reads the file descriptor byte and, for record files,
// the record length and count (TS 102 221 §11.1.1.4.3).
func (fi *FileInfo) decodeDescriptor(desc []byte) {
	if len(desc) == 0 {
		return
	}
	fdb := desc[0]
	switch {
	case fdb&0xBF == 0x38:
		fi.Type = FileTypeDF
		if fi.FileID == FID_MF {
			fi.Type = FileTypeMF
		}
		return
	case fdb&0xBF == 0x39:
		fi.Type = FileTypeEF
		fi.Structure = StructureBERTLV
		return
	}

	fi.Type = FileTypeEF
	switch bits.GetRange(fdb, 3, 1) {
	case 1:
		fi.Structure = StructureTransparent
	case 2:
		fi.Structure = StructureLinearFixed
	case 6:
		fi.Structure = StructureCyclic
	}
	if len(desc) >= 5 {
		fi.RecordLength = int(desc[2])<<8 | int(desc[3])
		fi.RecordCount = int(desc[4])
	}
}

// ParseGSMSelect decodes the GSM 11.11 response to SELECT.
func ParseGSMSelect(data []byte) (*FileInfo, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortGSMSelect, len(data))
	}

	info := &FileInfo{
		Raw:    data,
		FileID: uint16(data[4])<<8 | uint16(data[5]),
		Size:   int(data[2])<<8 | int(data[3]),
	}

	switch data[6] {
	case 0x01:
		info.Type = FileTypeMF
	case 0x02:
		info.Type = FileTypeDF
	case 0x04:
		info.Type = FileTypeEF
	default:
		return nil, fmt.Errorf("%w: %02X", ErrUnknownFileType, data[6])
	}

	if info.Type != FileTypeEF {
		return info, nil
	}
	if len(data) < 15 {
		return nil, fmt.Errorf("%w: EF needs 15 bytes, got %d", ErrShortGSMSelect, len(data))
	}
	switch data[13] {
	case 0x00:
		info.Structure = StructureTransparent
	case 0x01:
		info.Structure = StructureLinearFixed
	case 0x03:
		info.Structure = StructureCyclic
	}
	if info.Structure != StructureTransparent {
		info.RecordLength = int(data[14])
		if info.RecordLength > 0 {
			info.RecordCount = info.Size / info.RecordLength
		}
	}
	return info, nil
}

// Describe renders the file information, one attribute per line.
func (fi *FileInfo) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "    - File: %04X (%s)", fi.FileID, fi.Type)
	if fi.Type == FileTypeEF {
		fmt.Fprintf(&sb, "\n    - Structure: %s", fi.Structure)
	}
	if fi.RecordLength > 0 {
		fmt.Fprintf(&sb, "\n    - Records: %d x %d bytes", fi.RecordCount, fi.RecordLength)
	}
	if fi.Size > 0 {
		fmt.Fprintf(&sb, "\n    - Size: %d bytes", fi.Size)
	}
	if len(fi.AID) > 0 {
		fmt.Fprintf(&sb, "\n    - AID: %X", fi.AID)
	}
	if fi.FCP != nil {
		tlv.WriteStructFields(&sb, "FCP", fi.FCP)
	}
	return sb.String()
}

func bigEndianInt(b []byte) int {
	var n int
	for _, x := range b {
		n = n<<8 | int(x)
	}
	return n
}
