package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gregLibert/simtrace/pkg/bridge"
	"github.com/gregLibert/simtrace/pkg/gsmtap"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/transport"
)

// pipeDepth is the number of chunks buffered between the emulated card and
// the bridge of a Mitm.
const pipeDepth = 32

// shutdownTimeout bounds the card removal sent when a Mitm stops.
const shutdownTimeout = time.Second

// Mitm sits between a phone and its card. The phone talks to an emulated
// card whose commands are forwarded to the real card by a bridge running
// on the device, which may rewrite the answers. Every exchange is reported
// to the host as a SNIFF TPDU, the ATR as a SNIFF ATR.
type Mitm struct {
	cfg    Config
	emu    *CardEmulator
	bridge *bridge.Bridge
	host   *hostLink
	inner  transport.Conn
	outer  transport.Conn
	log    *slog.Logger
}

// NewMitm returns the device between the phone on phone and the card on
// card. The emulated card presents the ATR of the real card unless cfg.ATR
// is set.
func NewMitm(cfg Config, phone Line, card CardLine, link transport.Conn) *Mitm {
	cfg = cfg.withDefaults()
	m := &Mitm{
		cfg: cfg,
		log: logging.For(logging.ComponentDevice).With("mode", KindMitm, "slot", cfg.Slot),
	}
	m.host = newHostLink(link, cfg.Slot, m.log)
	m.inner, m.outer = transport.Pipe(pipeDepth)
	m.emu = NewCardEmulator(cfg, phone, m.inner)
	m.bridge = bridge.New(
		bridge.NewCardem(m.outer, cfg.Slot),
		newCardReader(card, cfg.FiDi, m.log),
		bridge.Config{
			ATR:      cfg.ATR,
			CardATR:  len(cfg.ATR) == 0,
			Rewriter: cfg.Rewrite,
			Trace:    hostTrace{host: m.host},
		},
		bridge.WithLogger(m.log),
	)
	return m
}

func (m *Mitm) Kind() Kind { return KindMitm }

// Stats returns the counters of the bridge.
func (m *Mitm) Stats() bridge.Stats { return m.bridge.Stats() }

// Run works until ctx is done or the bridge fails.
func (m *Mitm) Run(ctx context.Context) error {
	m.log.Info("man in the middle")
	defer m.inner.Close()

	recv := transport.NewReceiver(m.outer, nil)
	err := runAll(ctx,
		m.emu.Run,
		recv.Run,
		func(ctx context.Context) error { return m.host.serve(ctx, m.handleHost) },
		func(ctx context.Context) error {
			if err := m.bridge.Start(ctx); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := m.bridge.Shutdown(sctx); err != nil {
					m.log.Debug("card removal not sent", logging.Err(err))
				}
			}()
			return m.bridge.Run(ctx, recv)
		},
	)
	m.log.Info("man in the middle stopped", "stats", m.bridge.Stats(), logging.Err(err))
	return err
}

// handleHost refuses every command: the bridge drives the emulated card.
func (m *Mitm) handleHost(_ context.Context, msg simtrace.Message) error {
	return fmt.Errorf("%s from host: %w", simtrace.TypeName(msg.Class, msg.Type), simtrace.ErrUnknownType)
}

// traceTimeout bounds the report of one exchange to the host.
const traceTimeout = time.Second

// hostTrace reports the exchanges of a bridge to the host as SNIFF
// messages, so that host tools decode them like sniffed traffic.
type hostTrace struct {
	host *hostLink
}

// Send reports one exchange. APDU traces carry header, data and status
// word; an ACK procedure byte is put back after the header so that the
// bytes read as a T=0 exchange.
func (t hostTrace) Send(sub gsmtap.SubType, data []byte) error {
	typ := simtrace.TypeSniffTPDU
	switch sub {
	case gsmtap.SubATR:
		typ = simtrace.TypeSniffATR
	case gsmtap.SubAPDU:
		if len(data) > iso7816.HeaderLength+2 {
			raw := make([]byte, 0, len(data)+1)
			raw = append(raw, data[:iso7816.HeaderLength]...)
			raw = append(raw, data[1])
			data = append(raw, data[iso7816.HeaderLength:]...)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), traceTimeout)
	defer cancel()
	return t.host.send(ctx, simtrace.ClassSniff, typ, simtrace.SniffData{Data: data})
}
