package sniff

import "fmt"

// State is the position of the sniffer in a card session.
type State int

const (
	StateReset State = iota
	StateWaitATR
	StateInATR
	StateWaitAPDU
	StateInAPDU
	StateInPTS
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateWaitATR:
		return "WAIT_ATR"
	case StateInATR:
		return "IN_ATR"
	case StateWaitAPDU:
		return "WAIT_APDU"
	case StateInAPDU:
		return "IN_APDU"
	case StateInPTS:
		return "IN_PTS"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Signal is a contact the sniffer watches besides I/O.
type Signal int

const (
	// SignalRST is active while the reader holds the card in reset.
	SignalRST Signal = iota
	// SignalCardDetect is active while a card sits in the slot.
	SignalCardDetect
)

func (s Signal) String() string {
	switch s {
	case SignalRST:
		return "RST"
	case SignalCardDetect:
		return "CARD_DETECT"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}
