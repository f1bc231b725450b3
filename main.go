// Command simtrace is the host side of a SIMtrace board.
//
//	simtrace sniff   [flags]          print what a sniffer sees
//	simtrace cardem  [flags]          answer an emulated card with a real one
//	simtrace replay  [flags] FILE     print a recorded capture
//	simtrace explore [flags]          walk EF.DIR of a card in a PC/SC reader
//	simtrace device  [flags]          run the board functions on serial lines
//
// Every command reads an optional YAML configuration (-config) and lets its
// flags override it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregLibert/simtrace/pkg/config"
	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/tlv"
	"github.com/gregLibert/simtrace/pkg/transport"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"sniff", "print the traffic seen by a sniffer", runSniff},
	{"cardem", "answer an emulated card with a card in a PC/SC reader", runCardem},
	{"replay", "print a recorded capture", runReplay},
	{"explore", "walk EF.DIR of a card in a PC/SC reader", runExplore},
	{"device", "run the board functions on serial lines", runDevice},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s COMMAND [flags]\n\ncommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun '%s COMMAND -h' for the flags of a command.\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == os.Args[1] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.run(ctx, os.Args[2:])
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	log := logging.For(logging.ComponentCLI)
	log.Error(cmd.name+" failed", logging.Err(err), "category", errs.Category(err))
	if logging.Level() <= slog.LevelDebug {
		fmt.Fprintln(os.Stderr, errs.Details(err))
	}
	stop()
	os.Exit(1)
}

// common holds the flags shared by every command.
type common struct {
	fs        *flag.FlagSet
	path      string
	debug     bool
	json      bool
	stacks    bool
	kind      string
	address   string
	server    bool
	iface     int
	slot      uint
	gsmtap    string
	capture   string
	atr       string
	readerArg string
}

func newCommon(name string) *common {
	c := &common{fs: flag.NewFlagSet(name, flag.ExitOnError)}
	c.fs.StringVar(&c.path, "config", "", "YAML configuration `file`")
	c.fs.BoolVar(&c.debug, "v", false, "log at debug level")
	c.fs.BoolVar(&c.json, "json", false, "log in JSON")
	c.fs.BoolVar(&c.stacks, "stacks", false, "attach stack traces to errors")
	return c
}

func (c *common) linkFlags() {
	c.fs.StringVar(&c.kind, "transport", config.TransportUDP, "link to the device: udp or quic")
	c.fs.StringVar(&c.address, "addr", "", "address of the link, `host:port`")
	c.fs.BoolVar(&c.server, "server", false, "listen instead of dialing")
	c.fs.IntVar(&c.iface, "if", 0, "USB interface, added to the default UDP port")
	c.fs.UintVar(&c.slot, "slot", 0, "card slot")
}

func (c *common) traceFlags() {
	c.fs.StringVar(&c.gsmtap, "gsmtap", "", "send traces to the GSMTAP collector at `host`")
	c.fs.StringVar(&c.capture, "capture", "", "record the traffic to `file`")
}

func (c *common) cardFlags() {
	c.fs.StringVar(&c.readerArg, "reader", "", "PC/SC reader index or name part")
	c.fs.StringVar(&c.atr, "atr", "", "ATR of the emulated card, in `hex`")
}

// load parses args, reads the configuration and applies the flags that
// were set on top of it.
func (c *common) load(args []string) (config.Config, error) {
	if err := c.fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(c.path)
	if err != nil {
		return cfg, err
	}

	var ferr error
	c.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "v":
			if c.debug {
				cfg.Log.Level = "debug"
			}
		case "json":
			if c.json {
				cfg.Log.Format = "json"
			}
		case "transport":
			cfg.Transport.Kind = c.kind
		case "addr":
			cfg.Transport.Address = c.address
		case "server":
			cfg.Transport.Server = c.server
		case "if":
			cfg.Transport.Interface = c.iface
		case "slot":
			cfg.Slot = uint8(c.slot)
		case "gsmtap":
			cfg.GSMTAP = config.GSMTAP{Enabled: true, Host: c.gsmtap}
		case "capture":
			cfg.Capture = c.capture
		case "reader":
			cfg.Cardem.Reader = c.readerArg
		case "atr":
			atr, err := tlv.ParseHex(c.atr)
			if err != nil {
				ferr = fmt.Errorf("-atr: %w", err)
			}
			cfg.Cardem.ATR = atr
		}
	})
	if ferr != nil {
		return cfg, ferr
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Log.Apply(os.Stderr); err != nil {
		return cfg, err
	}
	if c.stacks {
		errs.EnableStacks()
	}
	return cfg, nil
}

// openLink opens the link to the device. A QUIC server waits for its peer.
func openLink(ctx context.Context, t config.Transport) (transport.Conn, error) {
	if t.Kind != config.TransportQUIC {
		return transport.OpenUDP(t.UDP())
	}
	if !t.Server {
		return transport.DialQUIC(ctx, t.QUIC())
	}
	q, err := transport.ListenQUIC(t.QUIC())
	if err != nil {
		return nil, err
	}
	logging.For(logging.ComponentCLI).Info("waiting for the peer", "addr", q.Addr())
	if err := q.Accept(ctx); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}
