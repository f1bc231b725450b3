package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gregLibert/simtrace/pkg/cardemu"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/transport"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// ModemLine is implemented by phone lines that can reset the modem.
type ModemLine interface {
	SetModemReset(asserted bool) error
}

// CardEmulator answers a phone as its SIM card would, on the commands of
// the host: the card engine reports the TPDUs it receives with CARDEM
// messages, the host answers with TX_DATA.
type CardEmulator struct {
	cfg   Config
	line  Line
	host  *hostLink
	timer *uart.ClockTimer
	loop  *cardemu.Loop
	log   *slog.Logger

	mu         sync.Mutex
	slot       Slot
	remote     bool
	modemReset bool
	reported   uint8
	pulse      *time.Timer
}

// NewCardEmulator returns the emulator of cfg.Slot answering on line.
func NewCardEmulator(cfg Config, line Line, link transport.Conn) *CardEmulator {
	cfg = cfg.withDefaults()
	e := &CardEmulator{
		cfg:  cfg,
		line: line,
		log:  logging.For(logging.ComponentDevice).With("mode", KindCardEmulator, "slot", cfg.Slot),
		slot: Slot{Number: cfg.Slot},
	}
	var caps []simtrace.Capability
	if _, ok := line.(ModemLine); ok {
		caps = append(caps, simtrace.CapAssertModemReset)
	}
	e.host = newHostLink(link, cfg.Slot, e.log, caps...)
	e.timer = uart.NewClockTimer(cfg.ClockHz, func() { e.loop.HalfTime() }, func() { e.loop.Expired() })

	opts := []cardemu.Option{cardemu.WithLogger(logging.For(logging.ComponentCardEmu))}
	if len(cfg.ATR) > 0 {
		opts = append(opts, cardemu.WithATR(cfg.ATR))
	}
	card := cardemu.New(cfg.Slot, timedLine{UART: line, timer: e.timer}, e.timer, opts...)
	e.loop = cardemu.NewLoop(card, cfg.RxRing)
	return e
}

func (e *CardEmulator) Kind() Kind { return KindCardEmulator }

// Slot returns the contact levels last sampled.
func (e *CardEmulator) Slot() Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slot
}

// Remote reports whether the modem was routed to the emulated card.
func (e *CardEmulator) Remote() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// ModemInReset reports whether the modem is held in reset.
func (e *CardEmulator) ModemInReset() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modemReset
}

// Run emulates the card until ctx is done or the link fails.
func (e *CardEmulator) Run(ctx context.Context) error {
	e.log.Info("emulating card")
	defer e.timer.Disarm()
	defer e.stopPulse()

	err := runAll(ctx,
		func(ctx context.Context) error { return e.line.Run(ctx, e.loop.PushRx) },
		func(ctx context.Context) error { return watch(ctx, e.line, e.cfg.PollInterval, e.onSignals) },
		func(ctx context.Context) error { return e.loop.Run(ctx, e.host.forward) },
		func(ctx context.Context) error {
			return e.host.serve(ctx, e.handleHost, simtrace.ClassCardem, simtrace.ClassModem)
		},
	)
	e.log.Info("card emulation stopped", "overruns", e.loop.Overruns(), logging.Err(err))
	return err
}

func (e *CardEmulator) onSignals(prev, cur uart.Signals, first bool) {
	e.mu.Lock()
	e.slot.VCC, e.slot.Reset, e.slot.Clock = cur.VCC, cur.Reset, cur.Clock
	e.mu.Unlock()

	post := func(sig cardemu.Signal, active bool) {
		e.loop.Post(cardemu.Event{Kind: cardemu.EventSignal, Signal: sig, Active: active})
	}
	// power first, reset last: the card leaves reset only when powered
	// and clocked
	if first || prev.VCC != cur.VCC {
		post(cardemu.SignalVCC, cur.VCC)
	}
	if first || prev.Clock != cur.Clock {
		post(cardemu.SignalCLK, cur.Clock)
	}
	if first || prev.Reset != cur.Reset {
		post(cardemu.SignalRST, cur.Reset)
	}
}

func (e *CardEmulator) handleHost(ctx context.Context, m simtrace.Message) error {
	if m.Class != simtrace.ClassModem {
		if m.Type == simtrace.TypeCardInsert {
			if p, err := m.Decode(); err == nil {
				e.mu.Lock()
				e.slot.Inserted = p.(*simtrace.CardInsert).Inserted
				e.mu.Unlock()
			}
		}
		return e.loop.Deliver(ctx, m)
	}

	p, err := m.Decode()
	if err != nil {
		return err
	}
	switch body := p.(type) {
	case *simtrace.ModemReset:
		return e.resetModem(*body)
	case *simtrace.SIMSelect:
		e.mu.Lock()
		e.remote = body.Remote
		e.mu.Unlock()
		e.log.Info("SIM select", "remote", body.Remote)
		return nil
	case *simtrace.Request:
		return e.host.send(ctx, simtrace.ClassModem, simtrace.TypeModemStatus, e.modemStatus())
	default:
		return fmt.Errorf("%s from host: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
	}
}

func (e *CardEmulator) resetModem(r simtrace.ModemReset) error {
	ml, ok := e.line.(ModemLine)
	if !ok {
		e.log.Warn("no modem reset line", "action", r.Action)
		return nil
	}
	e.stopPulse()
	switch r.Action {
	case simtrace.ResetAssert, simtrace.ResetDeassert:
		e.log.Info("modem reset", "action", r.Action)
		return e.setModemReset(ml, r.Action == simtrace.ResetAssert)
	case simtrace.ResetPulse:
		e.log.Info("modem reset pulse", "ms", r.PulseMS)
		if err := e.setModemReset(ml, true); err != nil {
			return err
		}
		e.mu.Lock()
		e.pulse = time.AfterFunc(time.Duration(r.PulseMS)*time.Millisecond, func() {
			if err := e.setModemReset(ml, false); err != nil {
				e.log.Warn("modem reset release failed", logging.Err(err))
			}
		})
		e.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("modem reset action %s: %w", r.Action, simtrace.ErrUnknownType)
	}
}

func (e *CardEmulator) setModemReset(ml ModemLine, asserted bool) error {
	if err := ml.SetModemReset(asserted); err != nil {
		return err
	}
	e.mu.Lock()
	e.modemReset = asserted
	e.mu.Unlock()
	return nil
}

func (e *CardEmulator) stopPulse() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pulse != nil {
		e.pulse.Stop()
		e.pulse = nil
	}
}

// modemStatus reports whether the modem sees a card, and what changed
// since the previous report.
func (e *CardEmulator) modemStatus() simtrace.ModemStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var status uint8
	if e.remote && e.slot.Inserted {
		status |= simtrace.ModemCardInserted
	}
	st := simtrace.ModemStatus{
		Supported: simtrace.ModemCardInserted,
		Status:    status,
		Changed:   status ^ e.reported,
	}
	e.reported = status
	return st
}
