package simtrace

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ErrorReport is the body of DO_ERROR:
//
//	severity u8 | subsystem u8 | code u16 | msg_len u8 | msg
type ErrorReport struct {
	Severity  uint8
	Subsystem uint8
	Code      uint16
	Msg       string
}

func (e ErrorReport) MarshalBinary() ([]byte, error) {
	if len(e.Msg) > 0xFF {
		return nil, fmt.Errorf("error text of %d bytes: %w", len(e.Msg), ErrTooLong)
	}
	buf := make([]byte, 0, 5+len(e.Msg))
	buf = append(buf, e.Severity, e.Subsystem)
	buf = binary.LittleEndian.AppendUint16(buf, e.Code)
	buf = append(buf, byte(len(e.Msg)))
	return append(buf, e.Msg...), nil
}

func (e *ErrorReport) UnmarshalBinary(data []byte) error {
	if len(data) < 5 || len(data) < 5+int(data[4]) {
		return fmt.Errorf("error report: %w", ErrShortPayload)
	}
	e.Severity, e.Subsystem = data[0], data[1]
	e.Code = binary.LittleEndian.Uint16(data[2:4])
	e.Msg = string(data[5 : 5+int(data[4])])
	return nil
}

func (e ErrorReport) Error() string {
	return fmt.Sprintf("device error %d/%d code %d: %s", e.Severity, e.Subsystem, e.Code, e.Msg)
}

// Capability is a bit index into the generic capability bytes.
type Capability uint

const (
	CapVolt5V Capability = iota
	CapVolt3V3
	CapVolt1V8
	CapLED1
	CapLED2
	CapSPDT
	CapBusSwitch
	CapVSIMADC
	CapTempADC
	CapDFU
	CapEraseFlash
	CapReadCardDetect
	CapAssertCardDetect
	CapAssertModemReset
)

// VendorCapability is a bit index into the vendor capability bytes.
type VendorCapability uint

const (
	CapQmodErasePeer VendorCapability = iota
	CapQmodRWEEPROM
	CapQmodResetHub
)

const boardStringLength = 32

// BoardInfo is the body of BOARD_INFO: seven NUL padded strings of 32
// bytes (hardware manufacturer, model, version, software provider, name,
// version, build host), the software CRC, the maximum baud rate, and the
// capability bitmaps.
type BoardInfo struct {
	Manufacturer string
	Model        string
	HWVersion    string
	Provider     string
	Name         string
	SWVersion    string
	BuildHost    string
	CRC          uint32
	MaxBaudRate  uint32
	Generic      []byte
	Vendor       []byte
}

const boardInfoFixed = 7*boardStringLength + 4 + 4 + 2

func (b *BoardInfo) textFields() []*string {
	return []*string{&b.Manufacturer, &b.Model, &b.HWVersion, &b.Provider, &b.Name, &b.SWVersion, &b.BuildHost}
}

func (b BoardInfo) MarshalBinary() ([]byte, error) {
	if len(b.Generic) > 0xFF || len(b.Vendor) > 0xFF {
		return nil, fmt.Errorf("capabilities: %w", ErrTooLong)
	}
	buf := make([]byte, 0, boardInfoFixed+len(b.Generic)+len(b.Vendor))
	for _, s := range b.textFields() {
		var field [boardStringLength]byte
		copy(field[:boardStringLength-1], *s)
		buf = append(buf, field[:]...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, b.CRC)
	buf = binary.LittleEndian.AppendUint32(buf, b.MaxBaudRate)
	buf = append(buf, byte(len(b.Generic)), byte(len(b.Vendor)))
	buf = append(buf, b.Generic...)
	return append(buf, b.Vendor...), nil
}

func (b *BoardInfo) UnmarshalBinary(data []byte) error {
	if len(data) < boardInfoFixed {
		return fmt.Errorf("board info: %w", ErrShortPayload)
	}
	var out BoardInfo
	for i, s := range out.textFields() {
		field := data[i*boardStringLength : (i+1)*boardStringLength]
		if n := bytes.IndexByte(field, 0); n >= 0 {
			field = field[:n]
		}
		*s = string(field)
	}
	off := 7 * boardStringLength
	out.CRC = binary.LittleEndian.Uint32(data[off:])
	out.MaxBaudRate = binary.LittleEndian.Uint32(data[off+4:])
	ng, nv := int(data[off+8]), int(data[off+9])
	rest := data[boardInfoFixed:]
	if len(rest) < ng+nv {
		return fmt.Errorf("capabilities: %w", ErrShortPayload)
	}
	out.Generic = append([]byte(nil), rest[:ng]...)
	out.Vendor = append([]byte(nil), rest[ng:ng+nv]...)
	*b = out
	return nil
}

// Has reports whether a generic capability bit is set.
func (b BoardInfo) Has(c Capability) bool {
	return bitSet(b.Generic, uint(c))
}

// HasVendor reports whether a vendor capability bit is set.
func (b BoardInfo) HasVendor(c VendorCapability) bool {
	return bitSet(b.Vendor, uint(c))
}

// SetCapability sets a generic capability bit, growing the bitmap.
func (b *BoardInfo) SetCapability(c Capability) {
	b.Generic = setBit(b.Generic, uint(c))
}

func bitSet(bitmap []byte, n uint) bool {
	i := n / 8
	return int(i) < len(bitmap) && bitmap[i]&(1<<(n%8)) != 0
}

func setBit(bitmap []byte, n uint) []byte {
	for int(n/8) >= len(bitmap) {
		bitmap = append(bitmap, 0)
	}
	bitmap[n/8] |= 1 << (n % 8)
	return bitmap
}
