package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gregLibert/simtrace/pkg/bridge"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/transport"
)

// cardReader is a T=0 terminal proposing fidi to the card after every
// reset.
type cardReader struct {
	term *iso7816.Terminal
	fidi byte
	log  *slog.Logger
}

var _ bridge.CardReader = (*cardReader)(nil)

func newCardReader(line CardLine, fidi byte, log *slog.Logger) *cardReader {
	return &cardReader{
		term: iso7816.NewTerminal(line, line),
		fidi: fidi,
		log:  log,
	}
}

func (r *cardReader) Transceive(ctx context.Context, tpdu []byte) ([]byte, error) {
	return r.term.XfrBlockTPDU(ctx, tpdu)
}

// Reset resets the card and returns its ATR. A refused PPS only costs
// speed: the card is reset again and used at the default rate.
func (r *cardReader) Reset(ctx context.Context, kind iso7816.ResetKind) ([]byte, error) {
	atr, err := r.term.Reset(ctx, kind)
	if err != nil || r.fidi == 0 {
		return atr, err
	}
	if perr := r.term.NegotiatePPS(ctx, r.fidi); perr != nil {
		r.log.Warn("PPS failed, using default rate", "fidi", r.fidi, logging.Err(perr))
		return r.term.Reset(ctx, iso7816.WarmReset)
	}
	return atr, nil
}

// CcidReader makes the card behind a line available to the host. Host
// requests are CARDEM and MODEM messages:
//
//   - MODEM RESET resets the card, warm for a pulse and cold on release
//     of the reset line; the answer is a SET_ATR carrying the ATR.
//   - TX_DATA carries a command TPDU; the answer is an RX_DATA with the
//     FINAL flag carrying the response data and status word.
//   - STATUS is answered with the slot status.
//
// Failures are reported with DO_ERROR.
type CcidReader struct {
	cfg    Config
	reader *cardReader
	host   *hostLink
	log    *slog.Logger

	mu     sync.Mutex
	slot   Slot
	timing iso7816.Timing
}

// NewCcidReader returns the reader of the card behind line.
func NewCcidReader(cfg Config, line CardLine, link transport.Conn) *CcidReader {
	cfg = cfg.withDefaults()
	c := &CcidReader{
		cfg:    cfg,
		log:    logging.For(logging.ComponentDevice).With("mode", KindCcidReader, "slot", cfg.Slot),
		slot:   Slot{Number: cfg.Slot, Reset: true, Inserted: true},
		timing: iso7816.DefaultTiming(),
	}
	c.reader = newCardReader(line, cfg.FiDi, c.log)
	c.host = newHostLink(link, cfg.Slot, c.log, simtrace.CapReadCardDetect)
	return c
}

func (c *CcidReader) Kind() Kind { return KindCcidReader }

// Slot returns the state of the card contacts.
func (c *CcidReader) Slot() Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slot
}

// Run serves the host until ctx is done or the link fails.
func (c *CcidReader) Run(ctx context.Context) error {
	c.log.Info("card reader ready")
	err := c.host.serve(ctx, c.handleHost, simtrace.ClassCardem, simtrace.ClassModem)
	c.log.Info("card reader stopped", logging.Err(err))
	return err
}

func (c *CcidReader) handleHost(ctx context.Context, m simtrace.Message) error {
	p, err := m.Decode()
	if err != nil {
		return err
	}
	switch body := p.(type) {
	case *simtrace.ModemReset:
		switch body.Action {
		case simtrace.ResetPulse:
			return c.reset(ctx, iso7816.WarmReset)
		case simtrace.ResetDeassert:
			return c.reset(ctx, iso7816.ColdReset)
		default:
			c.mu.Lock()
			c.slot.Reset = true
			c.mu.Unlock()
			return nil
		}
	case *simtrace.Data:
		if m.Type != simtrace.TypeTxData {
			break
		}
		return c.transfer(ctx, body.Data)
	case *simtrace.Request:
		if m.Type == simtrace.TypeStatus {
			return c.host.send(ctx, simtrace.ClassCardem, simtrace.TypeStatus, c.status())
		}
	}
	return fmt.Errorf("%s from host: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
}

func (c *CcidReader) reset(ctx context.Context, kind iso7816.ResetKind) error {
	atr, err := c.reader.Reset(ctx, kind)
	c.mu.Lock()
	c.slot.VCC, c.slot.Clock, c.slot.Reset = err == nil, err == nil, err != nil
	c.timing = c.reader.term.Timing()
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("card reset failed", "kind", kind, logging.Err(err))
		return c.host.report(ctx, ErrorCodeCard, err)
	}
	return c.host.send(ctx, simtrace.ClassCardem, simtrace.TypeSetATR, simtrace.SetATR{ATR: atr})
}

func (c *CcidReader) transfer(ctx context.Context, tpdu []byte) error {
	resp, err := c.reader.Transceive(ctx, tpdu)
	if err != nil {
		c.log.Warn("TPDU failed", logging.Hex("tpdu", tpdu), logging.Err(err))
		return c.host.report(ctx, ErrorCodeCommand, err)
	}
	return c.host.send(ctx, simtrace.ClassCardem, simtrace.TypeRxData, simtrace.Data{
		Flags: simtrace.DataFinal,
		Data:  resp,
	})
}

func (c *CcidReader) status() simtrace.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	fi, di := c.timing.Indices()
	return simtrace.Status{
		Flags:       c.slot.StatusFlags(),
		Fi:          fi,
		Di:          di,
		WI:          c.timing.WI,
		WaitingTime: c.timing.WT,
	}
}
