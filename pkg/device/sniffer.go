package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/sniff"
	"github.com/gregLibert/simtrace/pkg/transport"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// Sniffer listens to the I/O line between a phone and its card and reports
// what it sees to the host with SNIFF messages.
type Sniffer struct {
	cfg   Config
	line  Line
	host  *hostLink
	timer *uart.ClockTimer
	loop  *sniff.Loop
	log   *slog.Logger
}

// NewSniffer returns the sniffer of cfg.Slot listening on line.
func NewSniffer(cfg Config, line Line, link transport.Conn) *Sniffer {
	cfg = cfg.withDefaults()
	s := &Sniffer{
		cfg:  cfg,
		line: line,
		log:  logging.For(logging.ComponentDevice).With("mode", KindSniffer, "slot", cfg.Slot),
	}
	s.host = newHostLink(link, cfg.Slot, s.log)
	s.timer = uart.NewClockTimer(cfg.ClockHz, nil, func() { s.loop.Expired() })
	sn := sniff.New(cfg.Slot, timedLine{UART: line, timer: s.timer}, s.timer)
	s.loop = sniff.NewLoop(sn, cfg.RxRing)
	return s
}

func (s *Sniffer) Kind() Kind { return KindSniffer }

// Run sniffs until ctx is done or the link fails.
func (s *Sniffer) Run(ctx context.Context) error {
	s.log.Info("sniffing")
	defer s.timer.Disarm()

	// the card sits behind the line for as long as the device runs
	s.loop.Post(sniff.Event{Signal: sniff.SignalCardDetect, Active: true})
	err := runAll(ctx,
		func(ctx context.Context) error { return s.line.Run(ctx, s.loop.PushRx) },
		func(ctx context.Context) error { return watch(ctx, s.line, s.cfg.PollInterval, s.onSignals) },
		func(ctx context.Context) error { return s.loop.Run(ctx, s.host.forward) },
		func(ctx context.Context) error { return s.host.serve(ctx, s.handleHost) },
	)
	s.log.Info("sniffer stopped", "overruns", s.loop.Overruns(), logging.Err(err))
	return err
}

func (s *Sniffer) onSignals(prev, cur uart.Signals, first bool) {
	if first || prev.Reset != cur.Reset {
		s.loop.Post(sniff.Event{Signal: sniff.SignalRST, Active: cur.Reset})
	}
}

// handleHost refuses every command: a sniffer only answers BOARD_INFO.
func (s *Sniffer) handleHost(_ context.Context, m simtrace.Message) error {
	return fmt.Errorf("%s from host: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
}
