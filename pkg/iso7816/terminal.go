package iso7816

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/logging"
)

// READER SIDE OF T=0:
// The Terminal drives a card through its I/O line one byte at a time: it
// reads the ATR after a reset, optionally negotiates F and D with a PPS,
// and transfers TPDUs, following the procedure bytes of the card.

// ResetKind selects a cold (power cycle) or warm (RST only) reset.
type ResetKind int

const (
	ColdReset ResetKind = iota
	WarmReset
)

func (k ResetKind) String() string {
	if k == WarmReset {
		return "warm"
	}
	return "cold"
}

// CardPort is the reader end of the card I/O line.
type CardPort interface {
	SendByte(b byte) error
	// ReceiveByte blocks until a byte arrives. It fails when the waiting
	// time expires or ctx is done.
	ReceiveByte(ctx context.Context) (byte, error)
}

// ResetLine drives VCC and RST of the card.
type ResetLine interface {
	Reset(ctx context.Context, kind ResetKind) error
}

// RateSetter is implemented by ports whose bit rate follows F and D.
type RateSetter interface {
	SetFiDi(ratio uint32) error
}

// ErrNoATR is returned by transfers attempted before any reset.
var ErrNoATR = errors.New("card not reset")

// Terminal is a T=0 reader over a CardPort.
type Terminal struct {
	port   CardPort
	line   ResetLine
	log    *slog.Logger
	timing Timing
	atr    *ATR
}

// NewTerminal creates a Terminal. line may be nil when the card is reset by
// other means; Reset then only reads the ATR.
func NewTerminal(port CardPort, line ResetLine) *Terminal {
	return &Terminal{
		port:   port,
		line:   line,
		log:    logging.For(logging.ComponentISO7816),
		timing: DefaultTiming(),
	}
}

// WithLogger replaces the terminal logger.
func (t *Terminal) WithLogger(l *slog.Logger) *Terminal {
	t.log = l
	return t
}

// ATR returns the answer to the last reset, nil before the first one.
func (t *Terminal) ATR() *ATR {
	return t.atr
}

// Timing returns the transmission parameters in use.
func (t *Terminal) Timing() Timing {
	return t.timing
}

// Reset resets the card and returns its ATR.
func (t *Terminal) Reset(ctx context.Context, kind ResetKind) (_ []byte, err error) {
	defer errs.DeferWrap(ctx, &err)

	t.atr = nil
	t.timing.Reset()
	if err := t.setRate(); err != nil {
		return nil, err
	}
	if t.line != nil {
		if err := t.line.Reset(ctx, kind); err != nil {
			return nil, fmt.Errorf("%s reset: %w", kind, err)
		}
	}
	atr, err := t.ReadATR(ctx)
	if err != nil {
		return nil, err
	}
	return atr.Bytes(), nil
}

// ReadATR receives an ATR and applies its timing parameters. Bytes before
// a valid TS are skipped.
func (t *Terminal) ReadATR(ctx context.Context) (*ATR, error) {
	var p ATRParser
	for p.State() != ATRDone {
		b, err := t.port.ReceiveByte(ctx)
		if err != nil {
			return nil, fmt.Errorf("ATR byte %d: %w", p.Len(), err)
		}
		if _, err := p.Feed(b); err != nil {
			if errors.Is(err, ErrInvalidTS) {
				t.log.Debug("skipping byte before TS", slog.Int("byte", int(b)))
				continue
			}
			if errors.Is(err, ErrATRChecksum) {
				t.log.Warn("ATR checksum mismatch", logging.Hex("atr", p.Bytes()))
				continue
			}
			return nil, err
		}
	}

	atr := p.ATR()
	t.atr = &atr
	timing, err := atr.Timing()
	if err != nil {
		t.log.Warn("ATR timing ignored", logging.Err(err))
	}
	t.timing = timing
	t.log.Info("ATR", logging.Hex("atr", atr.Bytes()), slog.String("timing", t.timing.String()))
	return t.atr, nil
}

// NegotiatePPS proposes fidi to the card for protocol T=0. On acceptance
// the new F and D are used. A refused or invalid PPS leaves the defaults in
// place; the card must then be reset before another attempt.
func (t *Terminal) NegotiatePPS(ctx context.Context, fidi byte) (err error) {
	defer errs.DeferWrap(ctx, &err)

	if t.atr == nil {
		return ErrNoATR
	}
	next := t.timing
	if err := next.Negotiate(fidi); err != nil {
		return err
	}

	req := NewPPS(0, fidi)
	for _, b := range req.Bytes() {
		if err := t.port.SendByte(b); err != nil {
			return err
		}
	}

	var p PPSParser
	for p.State() != PPSDone {
		b, err := t.port.ReceiveByte(ctx)
		if err != nil {
			return fmt.Errorf("PPS response: %w", err)
		}
		if _, err := p.Feed(b); err != nil {
			return err
		}
	}

	resp := p.PPS()
	if !resp.Accepts(req) {
		return fmt.Errorf("card answered %s to %s: %w", resp, req, ErrProtocolViolation)
	}
	t.timing = next
	t.log.Info("PPS accepted", slog.String("timing", t.timing.String()))
	return t.setRate()
}

func (t *Terminal) setRate() error {
	rs, ok := t.port.(RateSetter)
	if !ok {
		return nil
	}
	return rs.SetFiDi(t.timing.Ratio())
}

// Transceive implements Transceiver with XfrBlockTPDU.
func (t *Terminal) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	return t.XfrBlockTPDU(ctx, cmd)
}

// XfrBlockTPDU transfers one command APDU as a T=0 TPDU and returns the
// response data followed by SW1 SW2. Case 4 commands are sent as Case 3;
// their response is left for GET RESPONSE.
func (t *Terminal) XfrBlockTPDU(ctx context.Context, cmd []byte) (_ []byte, err error) {
	defer errs.DeferWrap(ctx, &err)

	if t.atr == nil {
		return nil, ErrNoATR
	}
	hdr, layout, err := T0Header(cmd)
	if err != nil {
		return nil, err
	}
	t.log.Debug("TPDU", slog.String("header", hdr.String()), slog.String("case", layout.Case.String()))

	for _, b := range hdr.Bytes() {
		if err := t.port.SendByte(b); err != nil {
			return nil, err
		}
	}

	outgoing := layout.Case.HasCommandData()
	var data []byte
	if outgoing {
		data = cmd[layout.Data : layout.Data+layout.Nc]
	}
	remaining := 0
	switch layout.Case {
	case Case2:
		remaining = hdr.Len()
	case Case3, Case4:
		remaining = layout.Nc
	}

	resp := make([]byte, 0, remaining+2)
	sent := 0

	for {
		pb, err := t.port.ReceiveByte(ctx)
		if err != nil {
			return nil, fmt.Errorf("procedure byte: %w", err)
		}

		proc, perr := ClassifyProcedure(hdr.INS, pb)
		if perr != nil {
			t.log.Warn("taking unexpected procedure byte as SW1", logging.Err(perr))
		}

		n := 0
		switch proc {
		case ProcNull:
			continue
		case ProcSW1:
			sw2, err := t.port.ReceiveByte(ctx)
			if err != nil {
				return nil, fmt.Errorf("SW2: %w", err)
			}
			return append(resp, pb, sw2), nil
		case ProcAck:
			n = remaining
		case ProcAckOne:
			n = min(1, remaining)
		}

		for ; n > 0; n-- {
			if outgoing {
				if err := t.port.SendByte(data[sent]); err != nil {
					return nil, err
				}
				sent++
			} else {
				b, err := t.port.ReceiveByte(ctx)
				if err != nil {
					return nil, fmt.Errorf("data byte %d: %w", len(resp), err)
				}
				resp = append(resp, b)
			}
			remaining--
		}
	}
}
