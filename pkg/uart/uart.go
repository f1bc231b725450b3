// Package uart defines the byte-level collaborators of the protocol
// engines: the ISO 7816 UART of the I/O line and the ETU timer measuring
// the waiting time. It provides a software model of the timer, an adapter
// for serial ports and a recording fake.
package uart

import (
	"errors"
	"fmt"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/iso7816"
)

// Direction selects which halves of the UART are enabled.
type Direction uint8

const (
	Off Direction = 0
	RX  Direction = 1 << 0
	TX  Direction = 1 << 1
)

func (d Direction) String() string {
	switch d {
	case Off:
		return "off"
	case RX:
		return "rx"
	case TX:
		return "tx"
	case RX | TX:
		return "rx+tx"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// LineFlags are the error bits latched with a received byte.
type LineFlags uint8

const (
	FlagParity  LineFlags = 1 << 0
	FlagOverrun LineFlags = 1 << 1
	FlagFraming LineFlags = 1 << 2
)

var (
	ErrParity     = fmt.Errorf("%w: parity error", errs.ErrFraming)
	ErrOverrun    = fmt.Errorf("%w: receiver overrun", errs.ErrFraming)
	ErrFramingBit = fmt.Errorf("%w: missing stop bit", errs.ErrFraming)
	ErrTimeout    = fmt.Errorf("%w: waiting time exceeded", errs.ErrTiming)
	ErrTxDisabled = errors.New("transmitter disabled")
)

// RxByte is a byte received on the I/O line, with its line errors.
type RxByte struct {
	Value byte
	Flags LineFlags
}

// Err returns the line error of b, nil for a clean byte.
func (b RxByte) Err() error {
	switch {
	case b.Flags&FlagParity != 0:
		return fmt.Errorf("byte %02X: %w", b.Value, ErrParity)
	case b.Flags&FlagOverrun != 0:
		return fmt.Errorf("byte %02X: %w", b.Value, ErrOverrun)
	case b.Flags&FlagFraming != 0:
		return fmt.Errorf("byte %02X: %w", b.Value, ErrFramingBit)
	}
	return nil
}

// UART is the card side of the I/O line. Received bytes are pushed by the
// driver, usually through a Ring, rather than pulled.
type UART interface {
	SendByte(b byte) error
	Enable(dir Direction) error
	// SetFiDi programs the clock divider, F/D clock cycles per ETU.
	SetFiDi(ratio uint32) error
}

// UpdateFD programs u for the F and D values in use.
func UpdateFD(u UART, f uint16, d uint8) error {
	if f == 0 || d == 0 {
		return fmt.Errorf("F=%d D=%d: %w", f, d, iso7816.ErrInvalidF)
	}
	return u.SetFiDi(uint32(f) / uint32(d))
}

// Timer measures the waiting time in ETUs.
type Timer interface {
	// SetWaitingTime sets WT and restarts the count. 0 disables the timer.
	SetWaitingTime(etu uint32)
	// Arm restarts the count from zero.
	Arm()
	Disarm()
}
