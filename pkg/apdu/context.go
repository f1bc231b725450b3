// Package apdu reassembles the command APDUs an emulated card receives from
// a reader. The card emulator hands the host a TPDU header, then the command
// data in as many pieces as the reader sends; Context keeps track of what is
// still owed and tells the host what to do next.
package apdu

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
)

// Action tells the host what a Context needs next.
type Action uint8

// ActionTxCAPDUToCard means the command is complete and can go to the card.
// ActionRxMoreCAPDUFromReader means command data is missing: the reader is
// asked for it with a procedure byte.
const (
	ActionTxCAPDUToCard         Action = 1 << 0
	ActionRxMoreCAPDUFromReader Action = 1 << 1
)

func (a Action) String() string {
	var parts []string
	if a&ActionTxCAPDUToCard != 0 {
		parts = append(parts, "TX_CAPDU_TO_CARD")
	}
	if a&ActionRxMoreCAPDUFromReader != 0 {
		parts = append(parts, "RX_MORE_CAPDU_FROM_READER")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// ErrUnknownCase means the header matched no known instruction, so it is
// impossible to tell whether data flows to or from the card.
var ErrUnknownCase = fmt.Errorf("%w: unknown APDU case", errs.ErrFatalBridge)

// Progress counts the bytes of one data phase.
type Progress struct {
	Cur, Tot int
}

// Complete reports whether every announced byte was seen.
func (p Progress) Complete() bool {
	return p.Cur == p.Tot
}

// Context is the state of one APDU exchange. It survives across the
// several messages that make up one command and is reset by the next
// header.
type Context struct {
	Header iso7816.Header
	Case   iso7816.Case

	DC []byte // command data
	DE []byte // response data
	SW iso7816.StatusWord
	Lc Progress
	Le Progress

	profiles []*iso7816.CaseProfile
	log      *slog.Logger
}

// NewContext returns a context classifying commands with profiles,
// iso7816.DefaultProfiles when none is given.
func NewContext(profiles ...*iso7816.CaseProfile) *Context {
	if len(profiles) == 0 {
		profiles = iso7816.DefaultProfiles
	}
	return &Context{
		profiles: profiles,
		log:      logging.For(logging.ComponentAPDU),
	}
}

// reset forgets the previous exchange.
func (c *Context) reset() {
	c.Header = iso7816.Header{}
	c.Case = iso7816.CaseUnknown
	c.DC = c.DC[:0]
	c.DE = c.DE[:0]
	c.SW = 0
	c.Lc = Progress{}
	c.Le = Progress{}
}

// SegmentIn feeds one piece of a command. When newAPDU is set, buf starts
// with the 5 byte header and the context is reset first; otherwise buf
// continues the command data.
func (c *Context) SegmentIn(buf []byte, newAPDU bool) (Action, error) {
	if newAPDU {
		if err := c.begin(buf); err != nil {
			return 0, err
		}
	} else {
		if c.Case == iso7816.CaseUnknown {
			return 0, fmt.Errorf("data without header: %w", ErrUnknownCase)
		}
		c.appendData(buf)
	}

	var act Action
	switch c.Case {
	case iso7816.Case1, iso7816.Case2:
		act = ActionTxCAPDUToCard
	case iso7816.Case3, iso7816.Case4:
		if c.Lc.Complete() {
			act = ActionTxCAPDUToCard
		} else {
			act = ActionRxMoreCAPDUFromReader
		}
	}
	c.log.Debug("segment", "ctx", c, "action", act)
	return act, nil
}

func (c *Context) begin(buf []byte) error {
	h, err := iso7816.ParseHeader(buf)
	if err != nil {
		return err
	}
	c.reset()
	c.Header = h
	c.Case = iso7816.LookupCase(h, c.profiles...)

	switch c.Case {
	case iso7816.Case1:
	case iso7816.Case2:
		c.Le.Tot = h.Len()
	case iso7816.Case3, iso7816.Case4:
		c.Lc.Tot = int(h.P3)
		c.appendData(buf[iso7816.HeaderLength:])
	default:
		return fmt.Errorf("%s: %w", h, ErrUnknownCase)
	}
	return nil
}

// appendData copies command data, never beyond Lc.
func (c *Context) appendData(buf []byte) {
	n := min(len(buf), c.Lc.Tot-c.Lc.Cur)
	if n < len(buf) {
		c.log.Warn("surplus command data dropped", "ctx", c, "surplus", len(buf)-n)
	}
	c.DC = append(c.DC, buf[:n]...)
	c.Lc.Cur += n
}

// Command returns the TPDU to send to the card: the header and the
// command data.
func (c *Context) Command() []byte {
	out := make([]byte, 0, iso7816.HeaderLength+len(c.DC))
	out = append(out, c.Header.Bytes()...)
	return append(out, c.DC...)
}

// SetResponse records the answer of the card. The length of a Case 4
// response is only known once it arrives.
func (c *Context) SetResponse(data []byte, sw iso7816.StatusWord) {
	c.DE = append(c.DE[:0], data...)
	c.SW = sw
	if c.Case != iso7816.Case2 {
		c.Le.Tot = len(data)
	}
	c.Le.Cur = min(len(data), c.Le.Tot)
}

func (c *Context) String() string {
	return fmt.Sprintf("%s; case=%s, lc=%d(%d), le=%d(%d)", c.Header, c.Case, c.Lc.Tot, c.Lc.Cur, c.Le.Tot, c.Le.Cur)
}
