// Package simtrace implements the message protocol spoken between a
// SIMtrace device and its host tools.
//
// Every message starts with a fixed 8 byte header, little endian:
//
//	msg_class  u8
//	msg_type   u8
//	seq_nr     u8
//	slot_nr    u8
//	_reserved  u16
//	msg_len    u16   length of the whole message, header included
//
// followed by a payload whose layout is fully determined by the class and
// type. Messages are concatenated without any escaping, so a stream reader
// relies on msg_len to find the boundaries (see Reassembler).
package simtrace

import (
	"encoding"
	"encoding/binary"
	"fmt"

	"github.com/gregLibert/simtrace/pkg/errs"
)

// HeaderLength is the size of the common message header.
const HeaderLength = 8

// MaxMessageLength bounds a single message, and the reassembly buffer.
const MaxMessageLength = 16 * 256

// Class is the message class.
type Class uint8

const (
	ClassGeneric Class = 0
	ClassCardem  Class = 1
	ClassModem   Class = 2
	ClassSniff   Class = 3
)

func (c Class) String() string {
	switch c {
	case ClassGeneric:
		return "GENERIC"
	case ClassCardem:
		return "CARDEM"
	case ClassModem:
		return "MODEM"
	case ClassSniff:
		return "SNIFF"
	default:
		return fmt.Sprintf("CLASS(%d)", uint8(c))
	}
}

// Type is the message type, interpreted within a Class.
type Type uint8

// GENERIC
const (
	TypeDoError   Type = 0
	TypeBoardInfo Type = 1
)

// CARDEM
const (
	TypeTxData     Type = 1 // host to device: procedure byte, data or SW for the reader
	TypeSetATR     Type = 2
	TypeStats      Type = 3
	TypeStatus     Type = 4
	TypeCardInsert Type = 5
	TypeRxData     Type = 6 // device to host: TPDU header or data from the reader
	TypePTS        Type = 7
	TypeConfig     Type = 8
)

// MODEM
const (
	TypeModemReset  Type = 1
	TypeSIMSelect   Type = 2
	TypeModemStatus Type = 3
)

// SNIFF
const (
	TypeSniffChange Type = 0
	TypeSniffFiDi   Type = 1
	TypeSniffATR    Type = 2
	TypeSniffPPS    Type = 3
	TypeSniffTPDU   Type = 4
)

var typeNames = map[Class]map[Type]string{
	ClassGeneric: {
		TypeDoError:   "DO_ERROR",
		TypeBoardInfo: "BOARD_INFO",
	},
	ClassCardem: {
		TypeTxData:     "TX_DATA",
		TypeSetATR:     "SET_ATR",
		TypeStats:      "STATS",
		TypeStatus:     "STATUS",
		TypeCardInsert: "CARDINSERT",
		TypeRxData:     "RX_DATA",
		TypePTS:        "PTS",
		TypeConfig:     "CONFIG",
	},
	ClassModem: {
		TypeModemReset:  "RESET",
		TypeSIMSelect:   "SIM_SELECT",
		TypeModemStatus: "STATUS",
	},
	ClassSniff: {
		TypeSniffChange: "CHANGE",
		TypeSniffFiDi:   "FIDI",
		TypeSniffATR:    "ATR",
		TypeSniffPPS:    "PPS",
		TypeSniffTPDU:   "TPDU",
	},
}

// TypeName returns the name of t within class c, e.g. "CARDEM/RX_DATA".
func TypeName(c Class, t Type) string {
	if name, ok := typeNames[c][t]; ok {
		return c.String() + "/" + name
	}
	return fmt.Sprintf("%s/TYPE(%d)", c, uint8(t))
}

// Known reports whether t is defined for class c.
func Known(c Class, t Type) bool {
	_, ok := typeNames[c][t]
	return ok
}

var (
	ErrShortMessage = fmt.Errorf("%w: message shorter than its header", errs.ErrTransport)
	ErrBadLength    = fmt.Errorf("%w: msg_len inconsistent with the data", errs.ErrTransport)
	ErrShortPayload = fmt.Errorf("%w: payload too short", errs.ErrTransport)
	ErrUnknownType  = fmt.Errorf("%w: unknown message type", errs.ErrTransport)
	ErrTooLong      = fmt.Errorf("%w: message exceeds the maximum length", errs.ErrTransport)
)

// Header is the common message header.
type Header struct {
	Class  Class
	Type   Type
	Seq    uint8
	Slot   uint8
	Length uint16 // whole message, header included
}

var (
	_ encoding.BinaryMarshaler   = Header{}
	_ encoding.BinaryUnmarshaler = (*Header)(nil)
)

func (h Header) MarshalBinary() ([]byte, error) {
	return h.append(make([]byte, 0, HeaderLength)), nil
}

func (h Header) append(buf []byte) []byte {
	buf = append(buf, byte(h.Class), byte(h.Type), h.Seq, h.Slot)
	// reserved
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	return binary.LittleEndian.AppendUint16(buf, h.Length)
}

// UnmarshalBinary decodes the first HeaderLength bytes of data.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderLength {
		return fmt.Errorf("%d bytes: %w", len(data), ErrShortMessage)
	}
	h.Class = Class(data[0])
	h.Type = Type(data[1])
	h.Seq = data[2]
	h.Slot = data[3]
	h.Length = binary.LittleEndian.Uint16(data[6:8])
	if h.Length < HeaderLength {
		return fmt.Errorf("msg_len %d: %w", h.Length, ErrBadLength)
	}
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("%s seq=%d slot=%d len=%d", TypeName(h.Class, h.Type), h.Seq, h.Slot, h.Length)
}

// Payload is implemented by every message body.
type Payload interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Message is one decoded wire message with its raw payload.
type Message struct {
	Class   Class
	Type    Type
	Seq     uint8
	Slot    uint8
	Payload []byte
}

// NewMessage marshals p into a message for slot.
func NewMessage(c Class, t Type, slot uint8, p encoding.BinaryMarshaler) (Message, error) {
	m := Message{Class: c, Type: t, Slot: slot}
	if p == nil {
		return m, nil
	}
	body, err := p.MarshalBinary()
	if err != nil {
		return Message{}, fmt.Errorf("%s: %w", TypeName(c, t), err)
	}
	m.Payload = body
	return m, nil
}

// Header returns the header describing m.
func (m Message) Header() Header {
	return Header{
		Class:  m.Class,
		Type:   m.Type,
		Seq:    m.Seq,
		Slot:   m.Slot,
		Length: uint16(HeaderLength + len(m.Payload)),
	}
}

var (
	_ encoding.BinaryMarshaler   = Message{}
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
)

// MarshalBinary encodes header and payload.
func (m Message) MarshalBinary() ([]byte, error) {
	if HeaderLength+len(m.Payload) > MaxMessageLength {
		return nil, fmt.Errorf("%d bytes: %w", HeaderLength+len(m.Payload), ErrTooLong)
	}
	buf := make([]byte, 0, HeaderLength+len(m.Payload))
	buf = m.Header().append(buf)
	return append(buf, m.Payload...), nil
}

// UnmarshalBinary decodes exactly one message.
func (m *Message) UnmarshalBinary(data []byte) error {
	var h Header
	if err := h.UnmarshalBinary(data); err != nil {
		return err
	}
	if int(h.Length) != len(data) {
		return fmt.Errorf("msg_len %d, have %d bytes: %w", h.Length, len(data), ErrBadLength)
	}
	*m = Message{
		Class:   h.Class,
		Type:    h.Type,
		Seq:     h.Seq,
		Slot:    h.Slot,
		Payload: append([]byte(nil), data[HeaderLength:]...),
	}
	return nil
}

// Decode returns the typed payload of m. A request carrying no payload,
// such as a STATUS poll from the host, decodes to *Request.
func (m Message) Decode() (Payload, error) {
	p := newPayload(m.Class, m.Type)
	if p == nil {
		return nil, fmt.Errorf("%s: %w", TypeName(m.Class, m.Type), ErrUnknownType)
	}
	if len(m.Payload) == 0 && requestable(m.Class, m.Type) {
		return &Request{}, nil
	}
	if err := p.UnmarshalBinary(m.Payload); err != nil {
		return nil, fmt.Errorf("%s: %w", TypeName(m.Class, m.Type), err)
	}
	return p, nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s [% X]", m.Header(), m.Payload)
}

func newPayload(c Class, t Type) Payload {
	switch c {
	case ClassGeneric:
		switch t {
		case TypeDoError:
			return &ErrorReport{}
		case TypeBoardInfo:
			return &BoardInfo{}
		}
	case ClassCardem:
		switch t {
		case TypeTxData, TypeRxData:
			return &Data{}
		case TypeSetATR:
			return &SetATR{}
		case TypeStats:
			return &Stats{}
		case TypeStatus:
			return &Status{}
		case TypeCardInsert:
			return &CardInsert{}
		case TypePTS:
			return &PTSInfo{}
		case TypeConfig:
			return &Config{}
		}
	case ClassModem:
		switch t {
		case TypeModemReset:
			return &ModemReset{}
		case TypeSIMSelect:
			return &SIMSelect{}
		case TypeModemStatus:
			return &ModemStatus{}
		}
	case ClassSniff:
		switch t {
		case TypeSniffChange:
			return &SniffChange{}
		case TypeSniffFiDi:
			return &SniffFiDi{}
		case TypeSniffATR, TypeSniffPPS, TypeSniffTPDU:
			return &SniffData{}
		}
	}
	return nil
}

// requestable lists the types a host sends with an empty body to ask the
// device for the corresponding report.
func requestable(c Class, t Type) bool {
	switch c {
	case ClassGeneric:
		return t == TypeBoardInfo
	case ClassCardem:
		return t == TypeStats || t == TypeStatus
	case ClassModem:
		return t == TypeModemStatus
	}
	return false
}

// Request is the empty body of a report request.
type Request struct{}

func (Request) MarshalBinary() ([]byte, error) { return nil, nil }

func (*Request) UnmarshalBinary([]byte) error { return nil }
