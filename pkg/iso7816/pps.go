package iso7816

import (
	"errors"
	"fmt"

	"github.com/gregLibert/simtrace/pkg/bits"
	"github.com/gregLibert/simtrace/pkg/errs"
)

// PROTOCOL AND PARAMETERS SELECTION (ISO/IEC 7816-3 §9):
//
//	PPSS  PPS0  [PPS1]  [PPS2]  [PPS3]  PCK
//
// 1. PPSS is always 0xFF. A reader that wants to negotiate sends it right
//    after the ATR, in place of the CLA byte of a first command.
// 2. PPS0 low nibble selects the protocol T. Bits b5, b6 and b7 announce
//    PPS1, PPS2 and PPS3.
// 3. PPS1 packs the requested Fi (high nibble) and Di (low nibble) indices.
// 4. PCK makes the XOR of all bytes, PPSS to PCK, equal to zero.
//
// The card answers with the same layout. An echo of PPS1 accepts the new
// parameters, which take effect after the response PCK.

// PPSS is the initial byte of a PPS request or response.
const PPSS = 0xFF

// MaxPPSLength is PPSS, PPS0, PPS1..3 and PCK.
const MaxPPSLength = 6

var (
	ErrInvalidPPSS  = fmt.Errorf("%w: invalid PPSS", errs.ErrFraming)
	ErrPPSChecksum  = fmt.Errorf("%w: PPS check byte mismatch", errs.ErrFraming)
	ErrPPSTruncated = fmt.Errorf("%w: PPS truncated", errs.ErrFraming)
)

// PPS is one request or response of a PPS exchange.
type PPS struct {
	PPS0 byte
	PPS1 byte
	PPS2 byte
	PPS3 byte
	PCK  byte
}

// NewPPS builds a request for protocol T selecting the packed Fi/Di indices.
func NewPPS(protocol, fidi byte) PPS {
	p := PPS{PPS0: 0x10 | bits.Low(protocol), PPS1: fidi}
	p.PCK = p.Checksum()
	return p
}

// Protocol returns the selected protocol type.
func (p PPS) Protocol() byte {
	return bits.Low(p.PPS0)
}

// Has reports whether PPSn (1..3) is present.
func (p PPS) Has(n uint) bool {
	if n < 1 || n > 3 {
		return false
	}
	return bits.IsSet(p.PPS0, n+4)
}

// FiDi returns PPS1 when present.
func (p PPS) FiDi() (byte, bool) {
	return p.PPS1, p.Has(1)
}

// Bytes serializes the PPS with its stored PCK.
func (p PPS) Bytes() []byte {
	out := make([]byte, 0, MaxPPSLength)
	out = append(out, PPSS, p.PPS0)
	for n, v := range []byte{p.PPS1, p.PPS2, p.PPS3} {
		if p.Has(uint(n + 1)) {
			out = append(out, v)
		}
	}
	return append(out, p.PCK)
}

// Checksum computes the PCK matching the other fields.
func (p PPS) Checksum() byte {
	raw := p.Bytes()
	return bits.XOR(raw[:len(raw)-1])
}

// Valid reports whether the stored PCK matches.
func (p PPS) Valid() bool {
	return p.PCK == p.Checksum()
}

// Accepts reports whether p, a card response, accepts request req: same
// protocol and PPS1 echoed when req carried one.
func (p PPS) Accepts(req PPS) bool {
	if p.Protocol() != req.Protocol() {
		return false
	}
	if req.Has(1) {
		return p.Has(1) && p.PPS1 == req.PPS1
	}
	return !p.Has(1)
}

func (p PPS) String() string {
	return fmt.Sprintf("PPS[% X]", p.Bytes())
}

// ParsePPS parses a complete request or response.
func ParsePPS(raw []byte) (PPS, error) {
	var pr PPSParser
	for i, b := range raw {
		st, err := pr.Feed(b)
		if err != nil && !errors.Is(err, ErrPPSChecksum) {
			return PPS{}, err
		}
		if st == PPSDone {
			if i != len(raw)-1 {
				return PPS{}, fmt.Errorf("%d extra bytes after PCK", len(raw)-1-i)
			}
			return pr.PPS(), err
		}
	}
	return PPS{}, ErrPPSTruncated
}

// PPSPhase tells which half of an exchange a PPS belongs to.
type PPSPhase int

const (
	PPSRequest PPSPhase = iota
	PPSResponse
)

func (p PPSPhase) String() string {
	if p == PPSResponse {
		return "response"
	}
	return "request"
}

// PPSState is the next field expected by a PPSParser.
type PPSState int

const (
	PPSWaitPPSS PPSState = iota
	PPSWaitPPS0
	PPSWaitPPS1
	PPSWaitPPS2
	PPSWaitPPS3
	PPSWaitPCK
	PPSDone
)

func (s PPSState) String() string {
	switch s {
	case PPSWaitPPSS:
		return "WaitPPSS"
	case PPSWaitPPS0:
		return "WaitPPS0"
	case PPSWaitPPS1:
		return "WaitPPS1"
	case PPSWaitPPS2:
		return "WaitPPS2"
	case PPSWaitPPS3:
		return "WaitPPS3"
	case PPSWaitPCK:
		return "WaitPCK"
	case PPSDone:
		return "Done"
	default:
		return fmt.Sprintf("PPSState(%d)", int(s))
	}
}

// PPSParser assembles one PPS a byte at a time. The zero value waits for
// PPSS.
type PPSParser struct {
	state PPSState
	buf   [MaxPPSLength]byte
	n     int
	pps   PPS
}

// Reset prepares the parser for a new PPS.
func (p *PPSParser) Reset() {
	*p = PPSParser{}
}

// State returns the next expected field.
func (p *PPSParser) State() PPSState {
	return p.state
}

// Bytes returns the bytes accepted so far.
func (p *PPSParser) Bytes() []byte {
	return p.buf[:p.n]
}

// PPS returns the fields received so far.
func (p *PPSParser) PPS() PPS {
	return p.pps
}

// Feed consumes one byte. ErrPPSChecksum is returned together with PPSDone.
func (p *PPSParser) Feed(b byte) (PPSState, error) {
	switch p.state {
	case PPSDone:
		return p.state, nil
	case PPSWaitPPSS:
		if b != PPSS {
			return p.state, fmt.Errorf("%02X: %w", b, ErrInvalidPPSS)
		}
	}
	p.buf[p.n] = b
	p.n++

	switch p.state {
	case PPSWaitPPSS:
		p.state = PPSWaitPPS0
	case PPSWaitPPS0:
		p.pps.PPS0 = b
		p.state = p.next(0)
	case PPSWaitPPS1:
		p.pps.PPS1 = b
		p.state = p.next(1)
	case PPSWaitPPS2:
		p.pps.PPS2 = b
		p.state = p.next(2)
	case PPSWaitPPS3:
		p.pps.PPS3 = b
		p.state = PPSWaitPCK
	case PPSWaitPCK:
		p.pps.PCK = b
		p.state = PPSDone
		if bits.XOR(p.Bytes()) != 0 {
			return p.state, fmt.Errorf("PCK %02X: %w", b, ErrPPSChecksum)
		}
	}
	return p.state, nil
}

func (p *PPSParser) next(after uint) PPSState {
	for n := after + 1; n <= 3; n++ {
		if p.pps.Has(n) {
			return PPSWaitPPS1 + PPSState(n-1)
		}
	}
	return PPSWaitPCK
}
