package iso7816

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/simtrace/pkg/bits"
	"github.com/gregLibert/simtrace/pkg/errs"
)

// ANSWER-TO-RESET (ISO/IEC 7816-3 §8.2):
//
//	TS  T0  [TA1 TB1 TC1 TD1]  [TA2 TB2 TC2 TD2] ...  T1..TK  [TCK]
//
// 1. TS (initial character): 0x3B direct convention, 0x3F inverse convention.
//
// 2. T0 (format byte):
//    - Low nibble K: number of historical bytes (0..15).
//    - High nibble Y1: presence of TA1 (0x10), TB1 (0x20), TC1 (0x40), TD1 (0x80).
//
// 3. Interface bytes, group i:
//    - TDi high nibble Y(i+1) announces the bytes of group i+1, in the same
//      bit order. Its low nibble is a protocol type T.
//    - TA1 packs the Fi (high nibble) and Di (low nibble) indices.
//    - TC2 is the waiting integer WI of T=0.
//
// 4. TCK (check byte): present unless T=0 is the only protocol indicated. The
//    XOR of all bytes from T0 to TCK included is zero.

// MaxATRLength is the maximum number of bytes of an ATR, TS included.
const MaxATRLength = 33

// Initial characters.
const (
	TSDirect  = 0x3B
	TSInverse = 0x3F
)

// Well known ATRs.
var (
	// MinimalATR uses default parameters and announces no optional bytes.
	MinimalATR = []byte{0x3B, 0x00}
	// DefaultEmulatedATR announces T=0, T=1 and T=15 (TD1, TD2, TD3), with
	// the clock stop indicator of T=15 in TA4.
	DefaultEmulatedATR = []byte{0x3B, 0x80, 0x80, 0x81, 0x1F, 0xC7, 0x59}
)

// ATR errors.
var (
	ErrInvalidTS   = fmt.Errorf("%w: invalid initial character", errs.ErrFraming)
	ErrATRTooLong  = fmt.Errorf("%w: ATR exceeds 33 bytes", errs.ErrFraming)
	ErrATRChecksum = fmt.Errorf("%w: ATR check byte mismatch", errs.ErrFraming)
	ErrATRTruncate = fmt.Errorf("%w: ATR truncated", errs.ErrFraming)
	ErrATRTrailing = fmt.Errorf("%w: trailing bytes after ATR", errs.ErrFraming)
)

// InterfaceByte is the presence bit of an interface byte in a Y nibble.
type InterfaceByte byte

const (
	TA InterfaceByte = 0x10
	TB InterfaceByte = 0x20
	TC InterfaceByte = 0x40
	TD InterfaceByte = 0x80
)

var interfaceOrder = [...]InterfaceByte{TA, TB, TC, TD}

func (ib InterfaceByte) String() string {
	switch ib {
	case TA:
		return "TA"
	case TB:
		return "TB"
	case TC:
		return "TC"
	case TD:
		return "TD"
	default:
		return fmt.Sprintf("InterfaceByte(%02X)", byte(ib))
	}
}

// InterfaceGroup holds the interface bytes of one index i (TAi..TDi).
// Present carries the Y bits announcing which of them exist.
type InterfaceGroup struct {
	Present        byte
	TA, TB, TC, TD byte
}

// Has reports whether the given interface byte is present in the group.
func (g InterfaceGroup) Has(ib InterfaceByte) bool {
	return g.Present&byte(ib) != 0
}

func (g *InterfaceGroup) set(ib InterfaceByte, b byte) {
	switch ib {
	case TA:
		g.TA = b
	case TB:
		g.TB = b
	case TC:
		g.TC = b
	case TD:
		g.TD = b
	}
}

func (g InterfaceGroup) get(ib InterfaceByte) byte {
	switch ib {
	case TA:
		return g.TA
	case TB:
		return g.TB
	case TC:
		return g.TC
	default:
		return g.TD
	}
}

// ATR is a parsed Answer-To-Reset. Groups[0] holds TA1..TD1.
type ATR struct {
	TS         byte
	T0         byte
	Groups     []InterfaceGroup
	Historical []byte
	TCK        byte
	HasTCK     bool
}

// NewATR builds an ATR with direct convention from interface groups and
// historical bytes. The Y nibbles of T0 and of every TDi are derived from the
// groups, and TCK is appended when a protocol other than T=0 is indicated.
func NewATR(groups []InterfaceGroup, historical []byte) (*ATR, error) {
	if len(historical) > 15 {
		return nil, fmt.Errorf("%d historical bytes: at most 15", len(historical))
	}
	a := &ATR{TS: TSDirect, Historical: append([]byte(nil), historical...)}
	a.Groups = make([]InterfaceGroup, len(groups))
	copy(a.Groups, groups)

	for i := range a.Groups {
		a.Groups[i].Present &= 0xF0
		if i+1 < len(a.Groups) {
			a.Groups[i].Present |= byte(TD)
			a.Groups[i].TD = a.Groups[i+1].Present&0xF0 | bits.Low(a.Groups[i].TD)
		} else if a.Groups[i].Has(TD) {
			a.Groups[i].TD = bits.Low(a.Groups[i].TD)
		}
	}

	var y1 byte
	if len(a.Groups) > 0 {
		y1 = a.Groups[0].Present
	}
	a.T0 = y1 | byte(len(historical))

	for _, p := range a.Protocols() {
		if p != 0 {
			a.HasTCK = true
		}
	}
	if a.HasTCK {
		raw := a.Bytes()
		a.TCK = bits.XOR(raw[1 : len(raw)-1])
	}
	if n := len(a.Bytes()); n > MaxATRLength {
		return nil, fmt.Errorf("%d bytes: %w", n, ErrATRTooLong)
	}
	return a, nil
}

// ParseATR parses a complete ATR. A wrong check byte is reported with
// ErrATRChecksum together with the parsed ATR.
func ParseATR(raw []byte) (*ATR, error) {
	p := NewATRParser()
	for i, b := range raw {
		st, err := p.Feed(b)
		if err != nil && !errors.Is(err, ErrATRChecksum) {
			return nil, err
		}
		if st == ATRDone {
			if i != len(raw)-1 {
				return nil, fmt.Errorf("%d extra bytes: %w", len(raw)-1-i, ErrATRTrailing)
			}
			a := p.ATR()
			return &a, err
		}
	}
	return nil, fmt.Errorf("stopped in state %s: %w", p.State(), ErrATRTruncate)
}

// Bytes serializes the ATR.
func (a *ATR) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(a.TS)
	buf.WriteByte(a.T0)
	for _, g := range a.Groups {
		for _, ib := range interfaceOrder {
			if g.Has(ib) {
				buf.WriteByte(g.get(ib))
			}
		}
	}
	buf.Write(a.Historical)
	if a.HasTCK {
		buf.WriteByte(a.TCK)
	}
	return buf.Bytes()
}

// HistoricalCount returns K, the number of historical bytes announced in T0.
func (a *ATR) HistoricalCount() int {
	return int(bits.Low(a.T0))
}

// Interface returns the interface byte ib of group i (1-based).
func (a *ATR) Interface(i int, ib InterfaceByte) (byte, bool) {
	if i < 1 || i > len(a.Groups) || !a.Groups[i-1].Has(ib) {
		return 0, false
	}
	return a.Groups[i-1].get(ib), true
}

// TA1 returns the packed Fi/Di indices, DefaultFiDiIndex when absent.
func (a *ATR) TA1() byte {
	if ta1, ok := a.Interface(1, TA); ok {
		return ta1
	}
	return DefaultFiDiIndex
}

// WI returns the waiting integer from TC2, DefaultWI when absent or zero.
func (a *ATR) WI() uint8 {
	if tc2, ok := a.Interface(2, TC); ok && tc2 != 0 {
		return tc2
	}
	return DefaultWI
}

// Protocols lists the protocol types indicated by the TDi bytes, T=0 when
// none is indicated.
func (a *ATR) Protocols() []byte {
	var out []byte
	for _, g := range a.Groups {
		if g.Has(TD) {
			out = append(out, bits.Low(g.TD))
		}
	}
	if len(out) == 0 {
		out = []byte{0}
	}
	return out
}

// Timing returns the transmission parameters announced by the ATR, applied
// on top of the defaults. Invalid announcements leave the defaults in place
// and are reported.
func (a *ATR) Timing() (Timing, error) {
	t := DefaultTiming()
	var failed []error
	if err := t.ApplyTA1(a.TA1()); err != nil {
		failed = append(failed, err)
	}
	if err := t.SetWI(a.WI()); err != nil {
		failed = append(failed, err)
	}
	return t, errors.Join(failed...)
}

// Verbose returns a multi-line description of the ATR.
func (a *ATR) Verbose() string {
	var sb strings.Builder
	convention := "direct"
	if a.TS == TSInverse {
		convention = "inverse"
	}
	fmt.Fprintf(&sb, "TS=%02X (%s convention)\n", a.TS, convention)
	fmt.Fprintf(&sb, "T0=%02X (K=%d)", a.T0, a.HistoricalCount())
	for i, g := range a.Groups {
		for _, ib := range interfaceOrder {
			if g.Has(ib) {
				fmt.Fprintf(&sb, "\n%s%d=%02X", ib, i+1, g.get(ib))
			}
		}
	}
	if len(a.Historical) > 0 {
		fmt.Fprintf(&sb, "\nHistorical=%X", a.Historical)
	}
	if a.HasTCK {
		fmt.Fprintf(&sb, "\nTCK=%02X", a.TCK)
	}
	return sb.String()
}

// FixChecksum rewrites the last byte of raw with the XOR of bytes 1..n-2.
// It is used on host supplied ATRs before they are handed to the emulator.
func FixChecksum(raw []byte) {
	if len(raw) < 3 {
		return
	}
	raw[len(raw)-1] = bits.XOR(raw[1 : len(raw)-1])
}

// ATRState is the position of the ATR parser.
type ATRState int

const (
	ATRWaitTS ATRState = iota
	ATRWaitT0
	ATRWaitTA
	ATRWaitTB
	ATRWaitTC
	ATRWaitTD
	ATRWaitHistorical
	ATRWaitTCK
	ATRDone
)

func (s ATRState) String() string {
	switch s {
	case ATRWaitTS:
		return "WaitTS"
	case ATRWaitT0:
		return "WaitT0"
	case ATRWaitTA:
		return "WaitTA"
	case ATRWaitTB:
		return "WaitTB"
	case ATRWaitTC:
		return "WaitTC"
	case ATRWaitTD:
		return "WaitTD"
	case ATRWaitHistorical:
		return "WaitHistorical"
	case ATRWaitTCK:
		return "WaitTCK"
	case ATRDone:
		return "Done"
	default:
		return fmt.Sprintf("ATRState(%d)", int(s))
	}
}

func stateFor(ib InterfaceByte) ATRState {
	switch ib {
	case TA:
		return ATRWaitTA
	case TB:
		return ATRWaitTB
	case TC:
		return ATRWaitTC
	default:
		return ATRWaitTD
	}
}

func byteFor(s ATRState) InterfaceByte {
	switch s {
	case ATRWaitTA:
		return TA
	case ATRWaitTB:
		return TB
	case ATRWaitTC:
		return TC
	default:
		return TD
	}
}

// ATRParser assembles an ATR one byte at a time. It does not allocate
// while feeding and can be reused after Reset.
type ATRParser struct {
	state    ATRState
	buf      [MaxATRLength]byte
	n        int
	y        byte // presence bits of the current group
	group    int  // current group, 1-based
	histLeft int
	needTCK  bool
	groups   [MaxATRLength]InterfaceGroup
}

// NewATRParser returns a parser waiting for TS.
func NewATRParser() *ATRParser {
	return &ATRParser{}
}

// Reset discards any partial ATR.
func (p *ATRParser) Reset() {
	*p = ATRParser{}
}

// State returns the parser position.
func (p *ATRParser) State() ATRState {
	return p.state
}

// Len returns the number of bytes accepted so far.
func (p *ATRParser) Len() int {
	return p.n
}

// Bytes returns the bytes accepted so far.
func (p *ATRParser) Bytes() []byte {
	return p.buf[:p.n]
}

// Feed consumes one byte and returns the new state. ErrInvalidTS leaves the
// parser waiting for TS. ErrATRChecksum is returned together with ATRDone.
func (p *ATRParser) Feed(b byte) (ATRState, error) {
	if p.state == ATRDone {
		return p.state, nil
	}
	if p.state == ATRWaitTS && b != TSDirect && b != TSInverse {
		return p.state, fmt.Errorf("TS %02X: %w", b, ErrInvalidTS)
	}
	if p.n >= MaxATRLength {
		p.state = ATRDone
		return p.state, ErrATRTooLong
	}
	p.buf[p.n] = b
	p.n++

	switch p.state {
	case ATRWaitTS:
		p.state = ATRWaitT0
	case ATRWaitT0:
		p.histLeft = int(bits.Low(b))
		p.group = 1
		p.y = b & 0xF0
		p.groups[0].Present = p.y
		p.state = p.nextInterface(0)
	case ATRWaitTA, ATRWaitTB, ATRWaitTC:
		ib := byteFor(p.state)
		p.groups[p.group-1].set(ib, b)
		p.state = p.nextInterface(ib)
	case ATRWaitTD:
		p.groups[p.group-1].set(TD, b)
		if bits.Low(b) != 0 {
			p.needTCK = true
		}
		p.group++
		p.y = b & 0xF0
		if p.group <= len(p.groups) {
			p.groups[p.group-1].Present = p.y
		}
		p.state = p.nextInterface(0)
	case ATRWaitHistorical:
		p.histLeft--
		p.state = p.afterHistorical()
	case ATRWaitTCK:
		p.state = ATRDone
		if bits.XOR(p.buf[1:p.n]) != 0 {
			return p.state, fmt.Errorf("TCK %02X: %w", b, ErrATRChecksum)
		}
	}
	return p.state, nil
}

// nextInterface returns the state for the first interface byte of the
// current group that comes after prev in TA, TB, TC, TD order.
func (p *ATRParser) nextInterface(prev InterfaceByte) ATRState {
	for _, ib := range interfaceOrder {
		if ib <= prev {
			continue
		}
		if p.y&byte(ib) != 0 {
			return stateFor(ib)
		}
	}
	return p.afterHistorical()
}

func (p *ATRParser) afterHistorical() ATRState {
	if p.histLeft > 0 {
		return ATRWaitHistorical
	}
	if p.needTCK {
		return ATRWaitTCK
	}
	return ATRDone
}

// ATR returns the structured ATR. It is meaningful once State is ATRDone.
func (p *ATRParser) ATR() ATR {
	raw := p.Bytes()
	a := ATR{}
	if len(raw) > 0 {
		a.TS = raw[0]
	}
	if len(raw) > 1 {
		a.T0 = raw[1]
	}
	groups := p.group
	if groups > len(p.groups) {
		groups = len(p.groups)
	}
	// the last group only exists if its Y nibble announced something
	if groups > 0 && p.groups[groups-1].Present == 0 {
		groups--
	}
	a.Groups = append([]InterfaceGroup(nil), p.groups[:groups]...)

	k := int(bits.Low(a.T0))
	end := len(raw)
	if p.needTCK && p.state == ATRDone {
		a.HasTCK = true
		a.TCK = raw[end-1]
		end--
	}
	start := end - k
	if start < 2 {
		start = 2
	}
	a.Historical = append([]byte(nil), raw[start:end]...)
	return a
}
