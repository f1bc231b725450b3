package cardemu

import "fmt"

// State is the ISO 7816-3 phase of the emulated card.
//
// WaitPower, WaitClk and WaitRst together form the reset phase: the card is
// silent and its UART disabled until VCC, CLK and a released RST are all
// seen, in that order.
type State int

const (
	WaitPower State = iota
	WaitClk
	WaitRst
	WaitATR  // RST released, guard time before the ATR
	InATR    // sending the ATR
	InPTS    // PPS exchange
	WaitTPDU // idle, waiting for CLA or PPSS
	InTPDU
)

var stateNames = [...]string{
	WaitPower: "WAIT_POWER",
	WaitClk:   "WAIT_CLK",
	WaitRst:   "WAIT_RST",
	WaitATR:   "WAIT_ATR",
	InATR:     "IN_ATR",
	InPTS:     "IN_PTS",
	WaitTPDU:  "WAIT_TPDU",
	InTPDU:    "IN_TPDU",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// InReset reports whether s is one of the reset phase states.
func (s State) InReset() bool {
	return s <= WaitRst
}

// TPDUState is the progress inside one TPDU.
type TPDUState int

const (
	WaitCLA TPDUState = iota
	WaitINS
	WaitP1
	WaitP2
	WaitP3
	WaitPB // header complete, host to supply the procedure byte
	WaitRX // receiving command data from the reader
	WaitTX // sending response data or SW to the reader
)

var tpduStateNames = [...]string{
	WaitCLA: "WAIT_CLA",
	WaitINS: "WAIT_INS",
	WaitP1:  "WAIT_P1",
	WaitP2:  "WAIT_P2",
	WaitP3:  "WAIT_P3",
	WaitPB:  "WAIT_PB",
	WaitRX:  "WAIT_RX",
	WaitTX:  "WAIT_TX",
}

func (s TPDUState) String() string {
	if s >= 0 && int(s) < len(tpduStateNames) {
		return tpduStateNames[s]
	}
	return fmt.Sprintf("TPDUState(%d)", int(s))
}

// next returns the state after a received byte. Data states are sticky.
func (s TPDUState) next() TPDUState {
	if s < WaitPB {
		return s + 1
	}
	return s
}

// Signal is a card contact whose level is reported by the driver.
type Signal int

const (
	SignalVCC Signal = iota
	SignalCLK
	SignalRST
)

func (s Signal) String() string {
	switch s {
	case SignalVCC:
		return "VCC"
	case SignalCLK:
		return "CLK"
	case SignalRST:
		return "RST"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}
