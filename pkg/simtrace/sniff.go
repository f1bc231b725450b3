package simtrace

import (
	"encoding/binary"
	"fmt"
)

// ChangeFlags report card and signal events seen by the sniffer.
type ChangeFlags uint32

const (
	ChangeCardInsert    ChangeFlags = 1 << 0
	ChangeCardEject     ChangeFlags = 1 << 1
	ChangeResetAssert   ChangeFlags = 1 << 2
	ChangeResetDeassert ChangeFlags = 1 << 3
	ChangeTimeoutWT     ChangeFlags = 1 << 4
)

var changeFlagNames = []flagName{
	{uint32(ChangeCardInsert), "card inserted"},
	{uint32(ChangeCardEject), "card ejected"},
	{uint32(ChangeResetAssert), "reset asserted"},
	{uint32(ChangeResetDeassert), "reset de-asserted"},
	{uint32(ChangeTimeoutWT), "data transfer timeout"},
}

func (f ChangeFlags) String() string {
	if f == 0 {
		return "no changes"
	}
	return formatFlags(uint32(f), changeFlagNames, ", ")
}

// SniffFlags qualify sniffed ATR, PPS and TPDU data.
type SniffFlags uint32

const (
	SniffIncomplete SniffFlags = 1 << 0
	SniffMalformed  SniffFlags = 1 << 1
	SniffChecksum   SniffFlags = 1 << 2
)

var sniffFlagNames = []flagName{
	{uint32(SniffIncomplete), "incomplete"},
	{uint32(SniffMalformed), "malformed"},
	{uint32(SniffChecksum), "checksum error"},
}

func (f SniffFlags) String() string {
	return formatFlags(uint32(f), sniffFlagNames, ", ")
}

// SniffChange is the body of SNIFF CHANGE: flags u32.
type SniffChange struct {
	Flags ChangeFlags
}

func (c SniffChange) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, uint32(c.Flags)), nil
}

func (c *SniffChange) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("change: %w", ErrShortPayload)
	}
	c.Flags = ChangeFlags(binary.LittleEndian.Uint32(data))
	return nil
}

// SniffFiDi is the body of SNIFF FIDI: the packed Fi/Di indices now in
// use.
type SniffFiDi struct {
	FiDi uint8
}

func (f SniffFiDi) MarshalBinary() ([]byte, error) {
	return []byte{f.FiDi}, nil
}

func (f *SniffFiDi) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("fidi: %w", ErrShortPayload)
	}
	f.FiDi = data[0]
	return nil
}

// SniffData is the body of SNIFF ATR, PPS and TPDU:
//
//	flags u32 | length u16 | data
type SniffData struct {
	Flags SniffFlags
	Data  []byte
}

func (d SniffData) MarshalBinary() ([]byte, error) {
	return Data{Flags: DataFlags(d.Flags), Data: d.Data}.MarshalBinary()
}

func (d *SniffData) UnmarshalBinary(data []byte) error {
	var raw Data
	if err := raw.UnmarshalBinary(data); err != nil {
		return err
	}
	d.Flags, d.Data = SniffFlags(raw.Flags), raw.Data
	return nil
}
