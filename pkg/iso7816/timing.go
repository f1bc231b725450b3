package iso7816

import (
	"fmt"

	"github.com/gregLibert/simtrace/pkg/bits"
	"github.com/gregLibert/simtrace/pkg/errs"
)

// TRANSMISSION PARAMETERS (ISO/IEC 7816-3 §7.1, §8.1, §10.2):
//
// The card clock f is divided to produce the elementary time unit (ETU):
//
//	1 ETU = (F / D) * (1 / f)
//
// 1. F (clock rate conversion integer) and D (baud rate adjustment integer)
//    are selected by 4-bit indices. TA1 of the ATR announces the maximum
//    values supported by the card (Fi, Di). Until a PPS exchange changes
//    them, both sides use the defaults Fd=372 and Dd=1.
//
// 2. Table 7 also gives Fmax, the maximum clock frequency allowed for Fi.
//
// 3. Under T=0 the Waiting Time is WT = WI * 960 * Fi / f seconds. Expressed
//    in ETUs of the current (F, D) it becomes WI * 960 * (Fi/F) * (Di/D).
//    WI defaults to 10, which gives 9600 ETU.

// Defaults from ISO/IEC 7816-3.
const (
	DefaultFd = 372
	DefaultDd = 1
	DefaultWI = 10
	DefaultWT = 9600 // ETU, DefaultWI * 960

	// DefaultFiDiIndex is the TA1 value meaning "Fi=372 (index 1), Di=1 (index 1)".
	DefaultFiDiIndex = 0x11
)

// Fi table (Table 7). Reserved entries are 0.
var fiTable = [16]uint16{
	372, 372, 558, 744, 1116, 1488, 1860, 0,
	0, 512, 768, 1024, 1536, 2048, 0, 0,
}

// Di table (Table 8). Reserved entries are 0.
var diTable = [16]uint8{
	0, 1, 2, 4, 8, 16, 32, 64,
	12, 20, 0, 0, 0, 0, 0, 0,
}

// Fmax table (Table 7), in kHz. Reserved entries are 0.
var fmaxTable = [16]uint32{
	4000, 5000, 6000, 8000, 12000, 16000, 20000, 0,
	0, 5000, 7500, 10000, 15000, 20000, 0, 0,
}

// Di table used to program the UART divider. Indices 10..15 are multipliers
// of the clock rate conversion factor rather than divisors.
var ratioDiTable = [16]uint8{
	0, 1, 2, 4, 8, 16, 32, 64,
	12, 20, 2, 4, 8, 16, 32, 64,
}

// Timing errors. A negotiation that fails with one of them is aborted and the
// previous parameters are retained.
var (
	ErrInvalidWI         = fmt.Errorf("%w: invalid waiting integer", errs.ErrTiming)
	ErrInvalidF          = fmt.Errorf("%w: invalid clock rate conversion integer", errs.ErrTiming)
	ErrInvalidD          = fmt.Errorf("%w: invalid baud rate adjustment integer", errs.ErrTiming)
	ErrProtocolViolation = fmt.Errorf("%w: parameters exceed card capability", errs.ErrTiming)
)

// ValidF reports whether f is a non-reserved entry of the Fi table.
func ValidF(f uint16) bool {
	if f == 0 {
		return false
	}
	for _, v := range fiTable {
		if v == f {
			return true
		}
	}
	return false
}

// ValidD reports whether d is a non-reserved entry of the Di table.
func ValidD(d uint8) bool {
	if d == 0 {
		return false
	}
	for _, v := range diTable {
		if v == d {
			return true
		}
	}
	return false
}

// FiByIndex returns the Fi value for a 4-bit index, 0 when reserved.
func FiByIndex(idx uint8) uint16 {
	return fiTable[idx&0x0F]
}

// DiByIndex returns the Di value for a 4-bit index, 0 when reserved.
func DiByIndex(idx uint8) uint8 {
	return diTable[idx&0x0F]
}

// FmaxByIndex returns the maximum clock frequency in kHz for a Fi index.
func FmaxByIndex(idx uint8) uint32 {
	return fmaxTable[idx&0x0F]
}

// CalculateWT returns the waiting time in ETU for the given waiting integer,
// card capabilities (fi, di) and currently used factors (f, d).
//
// The divisions are performed in the order (fi/f)*(di/d) with integer
// truncation, which is what deployed readers compute.
func CalculateWT(wi uint8, fi uint16, di uint8, f uint16, d uint8) (uint32, error) {
	if wi == 0 {
		return 0, ErrInvalidWI
	}
	if !ValidF(fi) {
		return 0, fmt.Errorf("fi %d: %w", fi, ErrInvalidF)
	}
	if !ValidD(di) {
		return 0, fmt.Errorf("di %d: %w", di, ErrInvalidD)
	}
	if !ValidF(f) {
		return 0, fmt.Errorf("f %d: %w", f, ErrInvalidF)
	}
	if !ValidD(d) {
		return 0, fmt.Errorf("d %d: %w", d, ErrInvalidD)
	}
	if f > fi {
		return 0, fmt.Errorf("f %d > fi %d: %w", f, fi, ErrProtocolViolation)
	}
	if d > di {
		return 0, fmt.Errorf("d %d > di %d: %w", d, di, ErrProtocolViolation)
	}
	return uint32(wi) * 960 * uint32(fi/f) * uint32(di/d), nil
}

// FiDiRatio returns the clock divider for a packed Fi/Di byte
// ((fi_idx << 4) | di_idx): F/D for Di indices below 8, F*D otherwise.
func FiDiRatio(fidi byte) (uint32, error) {
	fiIdx, diIdx := bits.High(fidi), bits.Low(fidi)

	f := uint32(fiTable[fiIdx])
	if f == 0 {
		return 0, fmt.Errorf("fi index %d: %w", fiIdx, ErrInvalidF)
	}
	d := uint32(ratioDiTable[diIdx])
	if d == 0 {
		return 0, fmt.Errorf("di index %d: %w", diIdx, ErrInvalidD)
	}
	if diIdx < 8 {
		return f / d, nil
	}
	return f * d, nil
}

// Timing is the set of transmission parameters of one card session.
//
// Fi, Di and Fmax are the card capabilities (TA1), F and D the values in use
// (after PPS), WI the waiting integer (TC2) and WT the derived waiting time.
type Timing struct {
	FiIndex uint8
	DiIndex uint8
	Fi      uint16
	Di      uint8
	Fmax    uint32 // kHz
	F       uint16
	D       uint8
	WI      uint8
	WT      uint32 // ETU
}

// DefaultTiming returns the parameters in force right after a reset.
func DefaultTiming() Timing {
	return Timing{
		FiIndex: 1,
		DiIndex: 1,
		Fi:      DefaultFd,
		Di:      DefaultDd,
		Fmax:    fmaxTable[1],
		F:       DefaultFd,
		D:       DefaultDd,
		WI:      DefaultWI,
		WT:      DefaultWT,
	}
}

// Reset restores the default parameters.
func (t *Timing) Reset() {
	*t = DefaultTiming()
}

// ApplyTA1 records the card capabilities announced in TA1 and recomputes WT
// for the currently used F and D. On error t is left untouched.
func (t *Timing) ApplyTA1(ta1 byte) error {
	next := *t
	next.FiIndex, next.DiIndex = bits.High(ta1), bits.Low(ta1)
	next.Fi, next.Di = FiByIndex(next.FiIndex), DiByIndex(next.DiIndex)
	next.Fmax = FmaxByIndex(next.FiIndex)
	if err := next.recompute(); err != nil {
		return fmt.Errorf("TA1 %02X: %w", ta1, err)
	}
	*t = next
	return nil
}

// SetWI records a new waiting integer and recomputes WT. On error t is left
// untouched.
func (t *Timing) SetWI(wi uint8) error {
	next := *t
	next.WI = wi
	if err := next.recompute(); err != nil {
		return err
	}
	*t = next
	return nil
}

// Negotiate switches to the F and D selected by a PPS1 byte. Values beyond
// the card capability are rejected with ErrProtocolViolation and t is left
// untouched.
func (t *Timing) Negotiate(pps1 byte) error {
	next := *t
	next.F, next.D = FiByIndex(bits.High(pps1)), DiByIndex(bits.Low(pps1))
	if err := next.recompute(); err != nil {
		return fmt.Errorf("PPS1 %02X: %w", pps1, err)
	}
	*t = next
	return nil
}

// Indices returns the table indices of the F and D in use, 0 when a value
// is in no table.
func (t Timing) Indices() (f, d uint8) {
	for i := 1; i < len(fiTable); i++ {
		if fiTable[i] == t.F {
			f = uint8(i)
			break
		}
	}
	for i := 1; i < len(diTable); i++ {
		if diTable[i] == t.D {
			d = uint8(i)
			break
		}
	}
	return f, d
}

// Ratio returns the UART divider for the F and D in use.
func (t Timing) Ratio() uint32 {
	if t.D == 0 {
		return 0
	}
	return uint32(t.F) / uint32(t.D)
}

func (t *Timing) recompute() error {
	wt, err := CalculateWT(t.WI, t.Fi, t.Di, t.F, t.D)
	if err != nil {
		return err
	}
	t.WT = wt
	return nil
}

// String returns a compact description of the parameters.
func (t Timing) String() string {
	return fmt.Sprintf("Fi=%d Di=%d F=%d D=%d WI=%d WT=%d", t.Fi, t.Di, t.F, t.D, t.WI, t.WT)
}
