// Package reader drives a real card through a PC/SC reader. It is the card
// the bridge forwards the commands of an emulated card to.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/ebfe/scard"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
)

// ErrNoReader is returned when no reader matches the configuration.
var ErrNoReader = errors.New("no smart card reader found")

// Config selects the reader.
type Config struct {
	// Reader is a reader index ("0", "1"...) or a part of its name. Empty
	// selects the first reader.
	Reader string
	// Exclusive connects without sharing the card with other programs.
	Exclusive bool
}

// PCSC is a card in a PC/SC reader.
type PCSC struct {
	mu    sync.Mutex
	ctx   *scard.Context
	card  *scard.Card
	name  string
	share scard.ShareMode
	log   *slog.Logger
}

// protocols lets the reader pick T=0 or T=1, forcing one of them fails with
// some readers.
const protocols = scard.ProtocolT0 | scard.ProtocolT1

// Open establishes the PC/SC context and connects to the card.
func Open(cfg Config) (_ *PCSC, err error) {
	defer errs.DeferWrap(context.Background(), &err)

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establishing context: %w", err)
	}
	defer func() {
		if err != nil {
			ctx.Release()
		}
	}()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("listing readers: %w", err)
	}
	name, err := selectReader(readers, cfg.Reader)
	if err != nil {
		return nil, err
	}

	p := &PCSC{
		ctx:   ctx,
		name:  name,
		share: scard.ShareShared,
		log:   logging.For(logging.ComponentReader),
	}
	if cfg.Exclusive {
		p.share = scard.ShareExclusive
	}
	p.card, err = ctx.Connect(name, p.share, protocols)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", name, err)
	}
	p.log.Info("using reader", "reader", name)
	return p, nil
}

// selectReader picks a reader by index or by name.
func selectReader(readers []string, want string) (string, error) {
	if len(readers) == 0 {
		return "", ErrNoReader
	}
	if want == "" {
		return readers[0], nil
	}
	if i, err := strconv.Atoi(want); err == nil {
		if i < 0 || i >= len(readers) {
			return "", fmt.Errorf("reader %d of %d: %w", i, len(readers), ErrNoReader)
		}
		return readers[i], nil
	}
	for _, r := range readers {
		if strings.Contains(strings.ToLower(r), strings.ToLower(want)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("reader %q: %w", want, ErrNoReader)
}

// Name returns the reader name.
func (p *PCSC) Name() string { return p.name }

// ATR returns the answer to reset of the card.
func (p *PCSC) ATR() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.atr()
}

func (p *PCSC) atr() ([]byte, error) {
	st, err := p.card.Status()
	if err != nil {
		return nil, fmt.Errorf("card status: %w", err)
	}
	return st.Atr, nil
}

// Transceive sends a TPDU to the card.
func (p *PCSC) Transceive(ctx context.Context, tpdu []byte) (_ []byte, err error) {
	defer errs.DeferWrap(ctx, &err)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Debug("->card", logging.Hex("tpdu", tpdu))
	resp, err := p.card.Transmit(tpdu)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	p.log.Debug("<-card", logging.Hex("resp", resp))
	return resp, nil
}

// Reset power cycles (cold) or resets (warm) the card and returns its new
// ATR.
func (p *PCSC) Reset(ctx context.Context, kind iso7816.ResetKind) (_ []byte, err error) {
	defer errs.DeferWrap(ctx, &err)

	p.mu.Lock()
	defer p.mu.Unlock()
	disp := scard.ResetCard
	if kind == iso7816.ColdReset {
		disp = scard.UnpowerCard
	}
	if err := p.card.Reconnect(p.share, protocols, disp); err != nil {
		return nil, fmt.Errorf("%s reset: %w", kind, err)
	}
	atr, err := p.atr()
	if err != nil {
		return nil, err
	}
	p.log.Info("card reset", "kind", kind, logging.Hex("atr", atr))
	return atr, nil
}

// Close disconnects, leaving the card powered, and releases the context.
func (p *PCSC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.card != nil {
		if e := p.card.Disconnect(scard.LeaveCard); e != nil {
			err = fmt.Errorf("disconnecting: %w", e)
		}
	}
	if e := p.ctx.Release(); e != nil {
		err = errors.Join(err, fmt.Errorf("releasing context: %w", e))
	}
	return err
}
