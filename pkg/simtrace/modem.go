package simtrace

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ResetAction is what a MODEM RESET does with the modem reset line.
type ResetAction uint8

const (
	ResetDeassert ResetAction = 0
	ResetAssert   ResetAction = 1
	ResetPulse    ResetAction = 2
)

func (a ResetAction) String() string {
	switch a {
	case ResetDeassert:
		return "deassert"
	case ResetAssert:
		return "assert"
	case ResetPulse:
		return "pulse"
	default:
		return fmt.Sprintf("ResetAction(%d)", uint8(a))
	}
}

// ModemReset is the body of MODEM RESET: asserted u8 | pulse_duration_msec u16.
type ModemReset struct {
	Action  ResetAction
	PulseMS uint16
}

// PulseReset builds a reset pulse of duration d.
func PulseReset(d time.Duration) ModemReset {
	return ModemReset{Action: ResetPulse, PulseMS: uint16(d / time.Millisecond)}
}

func (m ModemReset) MarshalBinary() ([]byte, error) {
	if m.Action > ResetPulse {
		return nil, fmt.Errorf("modem reset: invalid action %d", m.Action)
	}
	return binary.LittleEndian.AppendUint16([]byte{byte(m.Action)}, m.PulseMS), nil
}

func (m *ModemReset) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("modem reset: %w", ErrShortPayload)
	}
	m.Action = ResetAction(data[0])
	m.PulseMS = binary.LittleEndian.Uint16(data[1:3])
	return nil
}

// SIMSelect is the body of SIM_SELECT: remote_sim u8. Remote routes the
// modem to the emulated card, local to the physical SIM next to it.
type SIMSelect struct {
	Remote bool
}

func (s SIMSelect) MarshalBinary() ([]byte, error) {
	if s.Remote {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (s *SIMSelect) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("sim select: %w", ErrShortPayload)
	}
	s.Remote = data[0] != 0
	return nil
}

// Modem status bits.
const (
	ModemWWANLED      uint8 = 1 << 0
	ModemCardInserted uint8 = 1 << 1
)

// ModemStatus is the body of MODEM STATUS.
type ModemStatus struct {
	Supported uint8
	Status    uint8
	Changed   uint8
}

func (m ModemStatus) MarshalBinary() ([]byte, error) {
	return []byte{m.Supported, m.Status, m.Changed}, nil
}

func (m *ModemStatus) UnmarshalBinary(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("modem status: %w", ErrShortPayload)
	}
	m.Supported, m.Status, m.Changed = data[0], data[1], data[2]
	return nil
}
