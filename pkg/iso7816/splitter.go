package iso7816

import (
	"fmt"
)

// SplitState is the position of a Splitter inside a TPDU.
type SplitState int

const (
	SplitCLA SplitState = iota
	SplitINS
	SplitP1
	SplitP2
	SplitP3
	SplitProcedure
	SplitData
	SplitDataOne
	SplitSW2
)

func (s SplitState) String() string {
	switch s {
	case SplitCLA:
		return "CLA"
	case SplitINS:
		return "INS"
	case SplitP1:
		return "P1"
	case SplitP2:
		return "P2"
	case SplitP3:
		return "P3"
	case SplitProcedure:
		return "PB"
	case SplitData:
		return "DATA"
	case SplitDataOne:
		return "DATA_ONE"
	case SplitSW2:
		return "SW2"
	default:
		return fmt.Sprintf("SplitState(%d)", int(s))
	}
}

// TPDU is one T=0 exchange as observed on the I/O line. The data bytes may
// have been sent by either end, depending on the command case.
type TPDU struct {
	Header Header
	Data   []byte
	SW     StatusWord
	// Nulls counts the NULL procedure bytes the card sent.
	Nulls int
	// Desync is set when a procedure byte matched no pattern and was taken
	// as SW1.
	Desync bool
}

// Bytes returns the exchange as header, data and status word.
func (t *TPDU) Bytes() []byte {
	out := make([]byte, 0, HeaderLength+len(t.Data)+2)
	out = append(out, t.Header.Bytes()...)
	out = append(out, t.Data...)
	return append(out, t.SW.SW1(), t.SW.SW2())
}

func (t *TPDU) String() string {
	return fmt.Sprintf("%s | %d data bytes | SW %04X", t.Header, len(t.Data), uint16(t.SW))
}

// Splitter cuts the byte stream of a sniffed T=0 session into TPDUs:
//
//	CLA INS P1 P2 P3 (PB (DATA | DATA_ONE))* SW1 SW2
//
// It has no notion of time: a caller seeing the waiting time expire calls
// Flush to close the current TPDU.
type Splitter struct {
	state     SplitState
	cur       TPDU
	remaining int
	sw1       byte
	// OnDesync, when set, is called for every unexpected procedure byte.
	OnDesync func(err error)
}

// NewSplitter returns a splitter waiting for CLA.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// State returns the next expected element.
func (s *Splitter) State() SplitState {
	return s.state
}

// Pending reports whether bytes of an unfinished TPDU are buffered.
func (s *Splitter) Pending() bool {
	return s.state != SplitCLA
}

// Reset drops any partial TPDU.
func (s *Splitter) Reset() {
	s.state = SplitCLA
	s.cur = TPDU{}
	s.remaining = 0
	s.sw1 = 0
}

// Feed consumes one byte and returns a TPDU when its SW2 arrives.
func (s *Splitter) Feed(b byte) *TPDU {
	switch s.state {
	case SplitCLA:
		s.cur = TPDU{}
		s.cur.Header.CLA = b
		s.state = SplitINS
	case SplitINS:
		s.cur.Header.INS = b
		s.state = SplitP1
	case SplitP1:
		s.cur.Header.P1 = b
		s.state = SplitP2
	case SplitP2:
		s.cur.Header.P2 = b
		s.state = SplitP3
	case SplitP3:
		s.cur.Header.P3 = b
		s.remaining = s.cur.Header.Len()
		s.state = SplitProcedure
	case SplitProcedure:
		s.procedure(b)
	case SplitData:
		s.cur.Data = append(s.cur.Data, b)
		s.remaining--
		if s.remaining <= 0 {
			s.state = SplitProcedure
		}
	case SplitDataOne:
		s.cur.Data = append(s.cur.Data, b)
		s.remaining--
		s.state = SplitProcedure
	case SplitSW2:
		s.cur.SW = NewStatusWord(s.sw1, b)
		done := s.cur
		s.Reset()
		return &done
	}
	return nil
}

func (s *Splitter) procedure(b byte) {
	proc, err := ClassifyProcedure(s.cur.Header.INS, b)
	if err != nil {
		s.cur.Desync = true
		if s.OnDesync != nil {
			s.OnDesync(err)
		}
	}
	switch proc {
	case ProcNull:
		s.cur.Nulls++
	case ProcAck:
		if s.remaining > 0 {
			s.state = SplitData
		}
	case ProcAckOne:
		if s.remaining > 0 {
			s.state = SplitDataOne
		}
	case ProcSW1:
		s.sw1 = b
		s.state = SplitSW2
	}
}

// Flush returns the partial TPDU, if any, and resets the splitter. The
// returned TPDU has no status word.
func (s *Splitter) Flush() *TPDU {
	if !s.Pending() {
		return nil
	}
	done := s.cur
	s.Reset()
	return &done
}
