// Package bridge is the host side of card emulation: it answers the
// commands a modem sends to an emulated card by forwarding them to a real
// card, and keeps the real card reset in step with the emulated one.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gregLibert/simtrace/pkg/apdu"
	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/gsmtap"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/transport"
)

// CardReader is a real card the commands are forwarded to.
type CardReader interface {
	// Transceive sends a TPDU and returns the response data followed by
	// SW1 SW2.
	Transceive(ctx context.Context, tpdu []byte) ([]byte, error)
	// Reset resets the card and returns its ATR.
	Reset(ctx context.Context, kind iso7816.ResetKind) ([]byte, error)
}

// DefaultATR is answered by the emulated card unless configured otherwise.
var DefaultATR = []byte{0x3B, 0x80, 0x80, 0x81, 0x1F, 0xC7, 0x59}

// DefaultResetPulse is how long the modem is held in reset at start.
const DefaultResetPulse = 300 * time.Millisecond

// ErrShortResponse is a card response without a status word.
var ErrShortResponse = fmt.Errorf("%w: card response without status word", errs.ErrFraming)

// SWTechnicalProblem answers commands the real card could not process.
const SWTechnicalProblem iso7816.StatusWord = 0x6F00

// Config configures a Bridge.
type Config struct {
	// ATR of the emulated card, DefaultATR when empty.
	ATR []byte
	// CardATR uses the ATR of the real card, read with a cold reset at
	// start, instead of ATR.
	CardATR bool
	// SkipATR keeps the ATR the device already has.
	SkipATR bool
	// ResetPulse is the modem reset pulse sent at start, DefaultResetPulse
	// when zero. Negative disables it.
	ResetPulse time.Duration
	// Profiles classify commands, iso7816.DefaultProfiles when empty.
	Profiles []*iso7816.CaseProfile
	// Rewriter alters card answers when set.
	Rewriter Rewriter
	// Trace receives every exchange as it was answered to the modem.
	Trace Tracer
}

// Tracer records exchanges, gsmtap.Sink for instance.
type Tracer interface {
	Send(sub gsmtap.SubType, data []byte) error
}

// Stats counts what a Bridge did.
type Stats struct {
	Commands     uint64
	Forwarded    uint64
	CardFailures uint64
	ColdResets   uint64
	WarmResets   uint64
}

// Bridge forwards the commands received by one emulated card slot.
type Bridge struct {
	cardem *Cardem
	reader CardReader
	cfg    Config
	apdu   *apdu.Context
	log    *slog.Logger

	status     simtrace.StatusFlags
	haveStatus bool
	stats      Stats

	data, irq *simtrace.Reassembler
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger replaces the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New returns a bridge sending commands through cardem and forwarding to
// reader.
func New(cardem *Cardem, reader CardReader, cfg Config, opts ...Option) *Bridge {
	if cfg.ResetPulse == 0 {
		cfg.ResetPulse = DefaultResetPulse
	}
	b := &Bridge{
		cardem: cardem,
		reader: reader,
		cfg:    cfg,
		apdu:   apdu.NewContext(cfg.Profiles...),
		log:    logging.For(logging.ComponentBridge),
		data:   simtrace.NewReassembler(simtrace.ClassCardem, simtrace.ClassModem, simtrace.ClassGeneric),
		irq:    simtrace.NewReassembler(simtrace.ClassCardem),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Stats returns the counters.
func (b *Bridge) Stats() Stats { return b.stats }

// Status returns the last signals reported by the device.
func (b *Bridge) Status() simtrace.StatusFlags { return b.status }

// Start prepares the device: status reports on the interrupt link, card
// inserted, modem routed to the emulated card, ATR, then a modem reset so
// that the modem starts over with the emulated card.
func (b *Bridge) Start(ctx context.Context) (err error) {
	defer errs.DeferWrap(ctx, &err)

	if err := b.cardem.Config(ctx, simtrace.FeatureStatusIRQ); err != nil {
		return err
	}
	if err := b.cardem.CardInsert(ctx, true); err != nil {
		return err
	}
	if err := b.cardem.SIMSelect(ctx, true); err != nil {
		return err
	}
	if !b.cfg.SkipATR {
		atr, err := b.atr(ctx)
		if err != nil {
			return err
		}
		if err := b.cardem.SetATR(ctx, atr); err != nil {
			return err
		}
		b.traceATR(atr)
	}
	if b.cfg.ResetPulse > 0 {
		if err := b.cardem.ModemResetPulse(ctx, b.cfg.ResetPulse); err != nil {
			return err
		}
	}
	b.log.Info("bridge started")
	return nil
}

func (b *Bridge) atr(ctx context.Context) ([]byte, error) {
	if b.cfg.CardATR {
		atr, err := b.reader.Reset(ctx, iso7816.ColdReset)
		if err != nil {
			return nil, fmt.Errorf("reading the card ATR: %w", err)
		}
		return atr, nil
	}
	if len(b.cfg.ATR) > 0 {
		return b.cfg.ATR, nil
	}
	return DefaultATR, nil
}

// Shutdown tells the modem the card was removed.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.log.Info("card removed", "stats", b.stats)
	return b.cardem.CardInsert(ctx, false)
}

// Run handles what r reads until ctx is done or a fatal error occurs.
// Malformed messages are logged and skipped.
func (b *Bridge) Run(ctx context.Context, r *transport.Receiver) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-r.Events():
			if !ok {
				return nil
			}
			if c.Err != nil {
				return c.Err
			}
			if err := b.HandleChunk(ctx, c.Endpoint, c.Data); err != nil {
				return err
			}
		}
	}
}

// HandleChunk reassembles data read from an endpoint and handles the
// messages it completes. Only fatal errors are returned.
func (b *Bridge) HandleChunk(ctx context.Context, ep transport.Endpoint, data []byte) error {
	r := b.data
	if ep == transport.EndpointStatus {
		r = b.irq
	}
	msgs, err := r.Feed(data)
	if err != nil {
		b.log.Warn("malformed message", "endpoint", ep, logging.Err(err))
	}
	for _, m := range msgs {
		if err := b.HandleMessage(ctx, m); err != nil {
			if errors.Is(err, errs.ErrFatalBridge) {
				return err
			}
			b.log.Warn("message dropped", "msg", m, logging.Err(err))
		}
	}
	return nil
}

// HandleMessage handles one message of the device. Errors wrapping
// errs.ErrFatalBridge end the session.
func (b *Bridge) HandleMessage(ctx context.Context, m simtrace.Message) error {
	p, err := m.Decode()
	if err != nil {
		return err
	}
	switch body := p.(type) {
	case *simtrace.Data:
		if m.Type != simtrace.TypeRxData {
			return fmt.Errorf("%s from device: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
		}
		return b.handleRxData(ctx, *body)
	case *simtrace.Status:
		return b.handleStatus(ctx, *body)
	case *simtrace.PTSInfo:
		b.log.Info("PTS", logging.Hex("req", body.Request()), logging.Hex("resp", body.Resp[:]))
	case *simtrace.Config:
		b.log.Info("config confirmed", "features", body.Features)
	case *simtrace.Stats:
		b.log.Info("device stats", "stats", *body)
	case *simtrace.ModemStatus:
		b.log.Info("modem status", "supported", body.Supported, "status", body.Status, "changed", body.Changed)
	case *simtrace.ErrorReport:
		b.log.Error("device error", logging.Err(body))
	default:
		return fmt.Errorf("%s from device: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
	}
	return nil
}

func (b *Bridge) handleRxData(ctx context.Context, d simtrace.Data) error {
	b.log.Info("=> DATA", "flags", d.Flags, logging.Hex("data", d.Data))

	act, err := b.apdu.SegmentIn(d.Data, d.Flags&simtrace.DataTPDUHeader != 0)
	if err != nil {
		if !errors.Is(err, errs.ErrFatalBridge) {
			err = fmt.Errorf("%w: %w", errs.ErrFatalBridge, err)
		}
		return err
	}

	switch {
	case act&apdu.ActionTxCAPDUToCard != 0:
		return b.forward(ctx)
	case b.apdu.Lc.Tot > b.apdu.Lc.Cur:
		return b.cardem.PBAndRx(ctx, b.apdu.Header.INS)
	}
	return nil
}

// forward sends the complete command to the real card and its answer to
// the modem.
func (b *Bridge) forward(ctx context.Context) error {
	b.stats.Commands++
	cmd := b.apdu.Command()
	resp, err := b.reader.Transceive(ctx, cmd)
	if err == nil && len(resp) < 2 {
		err = fmt.Errorf("%d byte response: %w", len(resp), ErrShortResponse)
	}
	if err != nil {
		b.stats.CardFailures++
		b.log.Error("transceive failed", logging.Hex("cmd", cmd), logging.Err(err))
		b.apdu.SetResponse(nil, SWTechnicalProblem)
		return b.cardem.SWTx(ctx, SWTechnicalProblem)
	}
	b.stats.Forwarded++

	n := len(resp) - 2
	data, sw := resp[:n], iso7816.NewStatusWord(resp[n], resp[n+1])
	if b.cfg.Rewriter != nil {
		data, sw = b.cfg.Rewriter.Rewrite(cmd, data, sw)
	}
	b.apdu.SetResponse(data, sw)
	b.log.Info("card answered", "sw", sw, "len_rx", len(data))
	b.trace(cmd, data, sw)

	if len(data) > 0 {
		if err := b.cardem.PBAndTx(ctx, b.apdu.Header.INS, data); err != nil {
			return err
		}
	}
	return b.cardem.SWTx(ctx, sw)
}

func (b *Bridge) trace(cmd, data []byte, sw iso7816.StatusWord) {
	if b.cfg.Trace == nil {
		return
	}
	rec := make([]byte, 0, len(cmd)+len(data)+2)
	rec = append(rec, cmd...)
	rec = append(rec, data...)
	rec = append(rec, sw.Bytes()...)
	if err := b.cfg.Trace.Send(gsmtap.SubAPDU, rec); err != nil {
		b.log.Warn("trace failed", logging.Err(err))
	}
}

func (b *Bridge) traceATR(atr []byte) {
	if b.cfg.Trace == nil {
		return
	}
	if err := b.cfg.Trace.Send(gsmtap.SubATR, atr); err != nil {
		b.log.Warn("trace failed", logging.Err(err))
	}
}

// handleStatus resets the real card when the emulated one is powered up or
// leaves reset.
func (b *Bridge) handleStatus(ctx context.Context, st simtrace.Status) error {
	prev, first := b.status, !b.haveStatus
	b.status, b.haveStatus = st.Flags, true
	b.log.Info("=> STATUS", "status", st)

	vcc := st.Flags.Has(simtrace.StatusVCCPresent)
	inReset := st.Flags.Has(simtrace.StatusResetActive)

	var kind iso7816.ResetKind
	switch {
	case vcc && !inReset && (first || !prev.Has(simtrace.StatusVCCPresent)):
		kind = iso7816.ColdReset
		b.stats.ColdResets++
	case !first && prev.Has(simtrace.StatusResetActive) && !inReset:
		kind = iso7816.WarmReset
		b.stats.WarmResets++
	default:
		return nil
	}
	atr, err := b.reader.Reset(ctx, kind)
	if err != nil {
		b.log.Error("card reset failed", "kind", kind, logging.Err(err))
		return nil
	}
	b.log.Info("card reset", "kind", kind, logging.Hex("atr", atr))
	return nil
}
