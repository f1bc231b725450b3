package main

import (
	"context"
	"time"

	"github.com/gregLibert/simtrace/pkg/bridge"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/reader"
	"github.com/gregLibert/simtrace/pkg/transport"
)

// shutdownTimeout bounds the card removal sent on exit.
const shutdownTimeout = time.Second

func runCardem(ctx context.Context, args []string) error {
	c := newCommon("cardem")
	c.linkFlags()
	c.traceFlags()
	c.cardFlags()
	cardATR := c.fs.Bool("card-atr", false, "present the ATR of the real card")
	skipATR := c.fs.Bool("skip-atr", false, "keep the ATR the device has")
	cfg, err := c.load(args)
	if err != nil {
		return err
	}
	cfg.Cardem.CardATR = cfg.Cardem.CardATR || *cardATR
	cfg.Cardem.SkipATR = cfg.Cardem.SkipATR || *skipATR
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logging.For(logging.ComponentCLI)

	bcfg, err := cfg.Cardem.Bridge()
	if err != nil {
		return err
	}
	sink, err := openTracer(cfg.GSMTAP)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		bcfg.Trace = sink
	}

	card, err := reader.Open(cfg.Cardem.ReaderConfig())
	if err != nil {
		return err
	}
	defer card.Close()
	log.Info("card reader", "name", card.Name())

	link, err := openLink(ctx, cfg.Transport)
	if err != nil {
		return err
	}
	defer link.Close()

	b := bridge.New(bridge.NewCardem(link, cfg.Slot), card, bcfg)
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Shutdown(sctx); err != nil {
			log.Warn("card removal not sent", logging.Err(err))
		}
		log.Info("bridge stopped", "stats", b.Stats())
	}()

	recv := transport.NewReceiver(link, nil, transport.WithInFlight(cfg.Transport.InFlight, 1))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// read failures reach the bridge as completions
	go recv.Run(ctx)
	return b.Run(ctx, recv)
}
