package iso7816

import (
	"fmt"

	"github.com/gregLibert/simtrace/pkg/errs"
)

// T=0 TRANSMISSION (ISO/IEC 7816-3 §10.3):
//
// The reader always starts with a 5 byte header CLA INS P1 P2 P3. P3 is Lc
// when data goes to the card, Le when data comes from the card (0 meaning
// 256), and 0 for a command without data.
//
// The card then answers with procedure bytes:
//
//	0x60          NULL, the card asks for more time.
//	INS           ACK, all remaining data bytes are transferred at once.
//	INS ^ 0xFF    ACK, exactly one data byte is transferred.
//	0x6X / 0x9X   SW1, followed by SW2. The exchange is over.
//
// Any other byte means both ends lost track of the exchange.

// TPDU constants.
const (
	HeaderLength = 5
	NullByte     = 0x60
)

var (
	ErrShortHeader      = fmt.Errorf("%w: TPDU header needs 5 bytes", errs.ErrFraming)
	ErrProtocolDesync   = fmt.Errorf("%w: unexpected procedure byte", errs.ErrProtocolDesync)
	ErrMalformedCommand = fmt.Errorf("%w: command APDU length inconsistent with its body", errs.ErrFraming)
	ErrExtendedT0       = fmt.Errorf("%w: extended length is not transportable over T=0", errs.ErrFraming)
)

// Header is the 5 byte command header of a TPDU.
type Header struct {
	CLA, INS, P1, P2, P3 byte
}

// ParseHeader reads the first five bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, fmt.Errorf("%d bytes: %w", len(b), ErrShortHeader)
	}
	return Header{CLA: b[0], INS: b[1], P1: b[2], P2: b[3], P3: b[4]}, nil
}

// Bytes returns CLA INS P1 P2 P3.
func (h Header) Bytes() []byte {
	return []byte{h.CLA, h.INS, h.P1, h.P2, h.P3}
}

// Len returns the number of data bytes announced by P3, 0 meaning 256.
func (h Header) Len() int {
	if h.P3 == 0 {
		return 256
	}
	return int(h.P3)
}

func (h Header) String() string {
	return fmt.Sprintf("%02X %02X %02X %02X %02X", h.CLA, h.INS, h.P1, h.P2, h.P3)
}

// Case is the ISO/IEC 7816-3 command case.
type Case int

const (
	CaseUnknown Case = iota
	Case1            // no data
	Case2            // data from the card
	Case3            // data to the card
	Case4            // data to the card, then data from the card
)

func (c Case) String() string {
	switch c {
	case Case1:
		return "Case 1"
	case Case2:
		return "Case 2"
	case Case3:
		return "Case 3"
	case Case4:
		return "Case 4"
	default:
		return "Case unknown"
	}
}

// HasCommandData reports whether the reader sends data to the card.
func (c Case) HasCommandData() bool {
	return c == Case3 || c == Case4
}

// Layout describes the body of a command APDU.
type Layout struct {
	Case     Case
	Extended bool
	Nc       int // command data length
	Ne       int // expected response length
	Data     int // offset of the command data
}

// ClassifyCommand derives the case of a command APDU from its total length:
//
//	4            Case 1
//	5            Case 2, Le = P3 (0 -> 256)
//	5+Lc         Case 3, Lc = P3
//	6+Lc         Case 4, Le is the last byte
//	7, P3 = 0    Case 2 extended, Le on two bytes (0 -> 65536)
//	7+Lc, P3 = 0 Case 3 extended, Lc on two bytes
//	9+Lc, P3 = 0 Case 4 extended
func ClassifyCommand(cmd []byte) (Layout, error) {
	n := len(cmd)
	switch {
	case n < 4:
		return Layout{}, fmt.Errorf("%d bytes: %w", n, ErrMalformedCommand)
	case n == 4:
		return Layout{Case: Case1}, nil
	case n == 5:
		return Layout{Case: Case2, Ne: shortLe(cmd[4])}, nil
	}

	if cmd[4] != 0 {
		lc := int(cmd[4])
		switch n {
		case 5 + lc:
			return Layout{Case: Case3, Nc: lc, Data: 5}, nil
		case 6 + lc:
			return Layout{Case: Case4, Nc: lc, Ne: shortLe(cmd[n-1]), Data: 5}, nil
		}
		return Layout{}, fmt.Errorf("Lc %d with %d bytes: %w", lc, n, ErrMalformedCommand)
	}

	if n < 7 {
		return Layout{}, fmt.Errorf("extended marker with %d bytes: %w", n, ErrMalformedCommand)
	}
	ext := int(cmd[5])<<8 | int(cmd[6])
	if n == 7 {
		if ext == 0 {
			ext = MaxExtendedLe
		}
		return Layout{Case: Case2, Extended: true, Ne: ext}, nil
	}
	switch n {
	case 7 + ext:
		return Layout{Case: Case3, Extended: true, Nc: ext, Data: 7}, nil
	case 9 + ext:
		ne := int(cmd[n-2])<<8 | int(cmd[n-1])
		if ne == 0 {
			ne = MaxExtendedLe
		}
		return Layout{Case: Case4, Extended: true, Nc: ext, Ne: ne, Data: 7}, nil
	}
	return Layout{}, fmt.Errorf("extended Lc %d with %d bytes: %w", ext, n, ErrMalformedCommand)
}

func shortLe(b byte) int {
	if b == 0 {
		return MaxShortLe
	}
	return int(b)
}

// T0Header maps a command APDU onto the T=0 header sent to the card. Case 4
// drops Le: the card announces its response with 61XX.
func T0Header(cmd []byte) (Header, Layout, error) {
	l, err := ClassifyCommand(cmd)
	if err != nil {
		return Header{}, l, err
	}
	if l.Extended {
		return Header{}, l, ErrExtendedT0
	}
	h := Header{CLA: cmd[0], INS: cmd[1], P1: cmd[2], P2: cmd[3]}
	switch l.Case {
	case Case2:
		h.P3 = cmd[4]
	case Case3, Case4:
		h.P3 = byte(l.Nc)
	}
	return h, l, nil
}

// Procedure is the meaning of a procedure byte.
type Procedure int

const (
	ProcNull   Procedure = iota // keep waiting
	ProcAck                     // transfer all remaining data
	ProcAckOne                  // transfer a single data byte
	ProcSW1                     // status word follows
)

func (p Procedure) String() string {
	switch p {
	case ProcNull:
		return "NULL"
	case ProcAck:
		return "ACK"
	case ProcAckOne:
		return "ACK one"
	case ProcSW1:
		return "SW1"
	default:
		return fmt.Sprintf("Procedure(%d)", int(p))
	}
}

// ClassifyProcedure interprets pb received after a header carrying ins. A
// byte matching none of the patterns is returned as ProcSW1 together with
// ErrProtocolDesync so that the exchange still terminates.
func ClassifyProcedure(ins, pb byte) (Procedure, error) {
	switch {
	case pb == NullByte:
		return ProcNull, nil
	case pb&0xF0 == 0x60 || pb&0xF0 == 0x90:
		return ProcSW1, nil
	case pb == ins:
		return ProcAck, nil
	case pb == ins^0xFF:
		return ProcAckOne, nil
	default:
		return ProcSW1, fmt.Errorf("INS %02X, procedure %02X: %w", ins, pb, ErrProtocolDesync)
	}
}
