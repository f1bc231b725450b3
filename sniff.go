package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gregLibert/simtrace/pkg/capture"
	"github.com/gregLibert/simtrace/pkg/config"
	"github.com/gregLibert/simtrace/pkg/gsmtap"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/transport"
)

// tracer receives the exchanges in their wire form, a GSMTAP sink for
// instance.
type tracer interface {
	Send(sub gsmtap.SubType, data []byte) error
}

// printer writes what a sniffer reports in readable form. The TPDUs are
// rebuilt into commands and responses; SELECT and the GET RESPONSE after
// it are described together, as are the records read from EF.DIR.
type printer struct {
	out   io.Writer
	trace tracer
	log   *slog.Logger

	split   *iso7816.Splitter
	pending iso7816.Trace
	current uint16
	tpdus   int
}

func newPrinter(out io.Writer, trace tracer) *printer {
	p := &printer{
		out:   out,
		trace: trace,
		log:   logging.For(logging.ComponentCLI),
		split: iso7816.NewSplitter(),
	}
	p.split.OnDesync = func(err error) {
		p.log.Warn("procedure byte out of sequence", logging.Err(err))
	}
	return p
}

func (p *printer) handle(m simtrace.Message) error {
	body, err := m.Decode()
	if err != nil {
		return err
	}
	switch b := body.(type) {
	case *simtrace.SniffChange:
		fmt.Fprintf(p.out, "=== CHANGE: %s\n", b.Flags)
		if b.Flags&(simtrace.ChangeResetAssert|simtrace.ChangeCardEject) != 0 {
			p.restart()
		}
	case *simtrace.SniffFiDi:
		ratio, err := iso7816.FiDiRatio(b.FiDi)
		if err != nil {
			fmt.Fprintf(p.out, "=== FIDI: %02X (%v)\n", b.FiDi, err)
			break
		}
		fmt.Fprintf(p.out, "=== FIDI: %02X (F/D = %d)\n", b.FiDi, ratio)
	case *simtrace.SniffData:
		switch m.Type {
		case simtrace.TypeSniffATR:
			p.atr(b)
		case simtrace.TypeSniffPPS:
			p.pps(b)
		default:
			p.tpdu(b)
		}
	case *simtrace.BoardInfo:
		fmt.Fprintf(p.out, "=== DEVICE: %s %s %s, version %s\n", b.Manufacturer, b.Model, b.Name, b.SWVersion)
	case *simtrace.ErrorReport:
		fmt.Fprintf(p.out, "=== DEVICE ERROR %d: %s\n", b.Code, b.Msg)
	default:
		return fmt.Errorf("%s: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
	}
	return nil
}

func (p *printer) restart() {
	p.split.Reset()
	p.pending = nil
	p.current = 0
}

func flagSuffix(f simtrace.SniffFlags) string {
	if f == 0 {
		return ""
	}
	return " (" + f.String() + ")"
}

func (p *printer) atr(d *simtrace.SniffData) {
	p.restart()
	fmt.Fprintf(p.out, "=== ATR: % X%s\n", d.Data, flagSuffix(d.Flags))
	p.send(gsmtap.SubATR, d.Data)
	if atr, err := iso7816.ParseATR(d.Data); err == nil {
		fmt.Fprintln(p.out, atr.Verbose())
	} else {
		p.log.Warn("undecodable ATR", logging.Hex("atr", d.Data), logging.Err(err))
	}
}

func (p *printer) pps(d *simtrace.SniffData) {
	fmt.Fprintf(p.out, "=== PPS: % X%s\n", d.Data, flagSuffix(d.Flags))
	if pps, err := iso7816.ParsePPS(d.Data); err == nil {
		fmt.Fprintf(p.out, "    %s\n", pps)
	}
}

func (p *printer) tpdu(d *simtrace.SniffData) {
	fmt.Fprintf(p.out, "=== TPDU: % X%s\n", d.Data, flagSuffix(d.Flags))
	for _, b := range d.Data {
		if tp := p.split.Feed(b); tp != nil {
			p.transaction(tp)
		}
	}
	// a message holds whole TPDUs only
	if tp := p.split.Flush(); tp != nil {
		fmt.Fprintf(p.out, "    incomplete: %s\n", tp)
	}
}

func (p *printer) transaction(tp *iso7816.TPDU) {
	p.tpdus++
	p.send(gsmtap.SubAPDU, tp.Bytes())

	tx, err := iso7816.TransactionFromTPDU(tp)
	if err != nil {
		fmt.Fprintf(p.out, "    %s (%v)\n", tp, err)
		return
	}
	ins := tx.Command.Instruction.Raw
	if len(p.pending) > 0 && ins == iso7816.INS_GET_RESPONSE {
		tr := append(p.pending, tx)
		p.pending = nil
		p.describe(tr)
		return
	}
	p.pending = nil
	if _, more := tx.Response.Status.ResponseLength(); more && ins == iso7816.INS_SELECT {
		fmt.Fprintln(p.out, tx.String())
		p.pending = iso7816.Trace{tx}
		return
	}
	p.describe(iso7816.Trace{tx})
}

func (p *printer) describe(tr iso7816.Trace) {
	switch ins := tr[0].Command.Instruction.Raw; ins {
	case iso7816.INS_SELECT:
		res, err := iso7816.NewSelectResult(tr)
		if err != nil {
			break
		}
		if res.IsSuccess() {
			p.current, _ = res.FileID()
		}
		fmt.Fprintln(p.out, res.Describe())
		return
	case iso7816.INS_READ_BINARY, iso7816.INS_READ_RECORD:
		res, err := iso7816.NewReadResult(tr)
		if err != nil {
			break
		}
		fmt.Fprintln(p.out, res.Describe())
		if ins == iso7816.INS_READ_RECORD && p.current == iso7816.FID_EF_DIR && res.IsSuccess() {
			if rec, err := iso7816.ParseDIRRecord(res.Data()); err == nil {
				fmt.Fprintln(p.out, rec.Describe())
			}
		}
		return
	}
	fmt.Fprintln(p.out, tr.String())
}

func (p *printer) send(sub gsmtap.SubType, data []byte) {
	if p.trace == nil {
		return
	}
	if err := p.trace.Send(sub, data); err != nil {
		p.log.Warn("trace not sent", logging.Err(err))
	}
}

// openTracer returns the GSMTAP sink of cfg, nil when disabled.
func openTracer(cfg config.GSMTAP) (*gsmtap.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return gsmtap.Dial(cfg.Host)
}

func runSniff(ctx context.Context, args []string) error {
	c := newCommon("sniff")
	c.linkFlags()
	c.traceFlags()
	cfg, err := c.load(args)
	if err != nil {
		return err
	}
	log := logging.For(logging.ComponentCLI)

	link, err := openLink(ctx, cfg.Transport)
	if err != nil {
		return err
	}
	defer link.Close()

	sink, err := openTracer(cfg.GSMTAP)
	if err != nil {
		return err
	}
	var p *printer
	if sink != nil {
		defer sink.Close()
		p = newPrinter(os.Stdout, sink)
	} else {
		p = newPrinter(os.Stdout, nil)
	}

	var rec *capture.Writer
	if cfg.Capture != "" {
		f, err := os.Create(cfg.Capture)
		if err != nil {
			return err
		}
		defer f.Close()
		if rec, err = capture.NewWriter(f, "sniff"); err != nil {
			return err
		}
		log.Info("recording", "file", cfg.Capture)
	}

	if err := requestBoardInfo(ctx, link, cfg.Slot); err != nil {
		log.Warn("board info not requested", logging.Err(err))
	}

	recv := transport.NewReceiver(link, nil, transport.WithInFlight(cfg.Transport.InFlight, 1))
	go func() {
		if err := recv.Run(ctx); err != nil {
			log.Debug("receiver stopped", logging.Err(err))
		}
	}()

	r := simtrace.NewReassembler(simtrace.ClassSniff, simtrace.ClassGeneric)
	for {
		select {
		case <-ctx.Done():
			log.Info("sniffing stopped", "tpdus", p.tpdus)
			return nil
		case ev, ok := <-recv.Events():
			if !ok {
				return nil
			}
			if ev.Err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return ev.Err
			}
			if rec != nil {
				if err := rec.Write(uint8(ev.Endpoint), ev.Data); err != nil {
					return err
				}
			}
			feed(r, p, ev.Data)
		}
	}
}

// feed passes the messages completed by chunk to p. Bad messages are
// logged and skipped.
func feed(r *simtrace.Reassembler, p *printer, chunk []byte) {
	msgs, err := r.Feed(chunk)
	if err != nil {
		p.log.Warn("malformed message", logging.Err(err))
	}
	for _, m := range msgs {
		if err := p.handle(m); err != nil {
			p.log.Warn("message skipped", "msg", m.Header(), logging.Err(err))
		}
	}
}

func requestBoardInfo(ctx context.Context, link transport.Conn, slot uint8) error {
	m, err := simtrace.NewMessage(simtrace.ClassGeneric, simtrace.TypeBoardInfo, slot, nil)
	if err != nil {
		return err
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return link.Send(ctx, b)
}

func runReplay(ctx context.Context, args []string) error {
	c := newCommon("replay")
	c.traceFlags()
	realtime := c.fs.Bool("realtime", false, "keep the time between records")
	cfg, err := c.load(args)
	if err != nil {
		return err
	}
	if c.fs.NArg() != 1 {
		return fmt.Errorf("replay takes one capture file")
	}

	f, err := os.Open(c.fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()
	cr, err := capture.NewReader(f)
	if err != nil {
		return err
	}
	h := cr.Header()
	fmt.Printf(">> Capture of %s mode started %s\n", h.Mode, h.StartTime().Format("2006-01-02 15:04:05.000"))

	sink, err := openTracer(cfg.GSMTAP)
	if err != nil {
		return err
	}
	var p *printer
	if sink != nil {
		defer sink.Close()
		p = newPrinter(os.Stdout, sink)
	} else {
		p = newPrinter(os.Stdout, nil)
	}

	r := simtrace.NewReassembler(simtrace.ClassSniff, simtrace.ClassGeneric)
	return cr.Replay(ctx, *realtime, func(rec capture.Record) error {
		if transport.Endpoint(rec.Endpoint) == transport.EndpointData {
			feed(r, p, rec.Data)
		}
		return nil
	})
}
