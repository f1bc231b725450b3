package bridge

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
)

// Sender is the host end of the link to a device.
type Sender interface {
	Send(ctx context.Context, p []byte) error
}

// Cardem sends the commands of the card emulation and modem classes to one
// slot of a device.
type Cardem struct {
	out  Sender
	slot uint8
	log  *slog.Logger

	mu  sync.Mutex
	seq uint8
}

// NewCardem returns the command API for slot.
func NewCardem(out Sender, slot uint8) *Cardem {
	return &Cardem{
		out:  out,
		slot: slot,
		log:  logging.For(logging.ComponentBridge),
	}
}

func (c *Cardem) send(ctx context.Context, class simtrace.Class, t simtrace.Type, p encoding.BinaryMarshaler) error {
	m, err := simtrace.NewMessage(class, t, c.slot, p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	m.Seq = c.seq
	c.seq++
	c.mu.Unlock()

	raw, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	c.log.Debug("<- device", "msg", m)
	if err := c.out.Send(ctx, raw); err != nil {
		return fmt.Errorf("send %s: %w", simtrace.TypeName(class, t), err)
	}
	return nil
}

// CardInsert drives the card detect line seen by the modem.
func (c *Cardem) CardInsert(ctx context.Context, inserted bool) error {
	return c.send(ctx, simtrace.ClassCardem, simtrace.TypeCardInsert, simtrace.CardInsert{Inserted: inserted})
}

// SetATR sets the ATR the emulated card answers a reset with. A wrong
// check byte is recomputed; an ATR that needs none is sent unchanged.
func (c *Cardem) SetATR(ctx context.Context, atr []byte) error {
	raw := append([]byte(nil), atr...)
	if _, err := iso7816.ParseATR(raw); err != nil {
		if !errors.Is(err, iso7816.ErrATRChecksum) {
			return fmt.Errorf("set ATR % X: %w", atr, err)
		}
		iso7816.FixChecksum(raw)
		c.log.Info("ATR check byte fixed", logging.Hex("atr", raw))
	}
	return c.send(ctx, simtrace.ClassCardem, simtrace.TypeSetATR, simtrace.SetATR{ATR: raw})
}

// Config enables device features, simtrace.FeatureStatusIRQ for instance.
// The device confirms with the features it accepted.
func (c *Cardem) Config(ctx context.Context, features uint32) error {
	return c.send(ctx, simtrace.ClassCardem, simtrace.TypeConfig, simtrace.Config{Features: features})
}

// RequestStatus asks the device for a STATUS report.
func (c *Cardem) RequestStatus(ctx context.Context) error {
	return c.send(ctx, simtrace.ClassCardem, simtrace.TypeStatus, simtrace.Request{})
}

// RequestStats asks the device for its counters.
func (c *Cardem) RequestStats(ctx context.Context) error {
	return c.send(ctx, simtrace.ClassCardem, simtrace.TypeStats, simtrace.Request{})
}

// PBAndTx sends the procedure byte pb followed by response data.
func (c *Cardem) PBAndTx(ctx context.Context, pb byte, data []byte) error {
	body := append([]byte{pb}, data...)
	return c.send(ctx, simtrace.ClassCardem, simtrace.TypeTxData, simtrace.Data{Flags: simtrace.DataPBAndTx, Data: body})
}

// PBAndRx sends the procedure byte pb, after which the reader sends
// command data.
func (c *Cardem) PBAndRx(ctx context.Context, pb byte) error {
	return c.send(ctx, simtrace.ClassCardem, simtrace.TypeTxData, simtrace.Data{Flags: simtrace.DataPBAndRx, Data: []byte{pb}})
}

// SWTx ends the TPDU with the status word.
func (c *Cardem) SWTx(ctx context.Context, sw iso7816.StatusWord) error {
	return c.send(ctx, simtrace.ClassCardem, simtrace.TypeTxData, simtrace.Data{
		Flags: simtrace.DataPBAndTx | simtrace.DataFinal,
		Data:  sw.Bytes(),
	})
}

// ModemReset asserts or releases the reset line of the modem.
func (c *Cardem) ModemReset(ctx context.Context, asserted bool) error {
	r := simtrace.ModemReset{Action: simtrace.ResetDeassert}
	if asserted {
		r.Action = simtrace.ResetAssert
	}
	return c.send(ctx, simtrace.ClassModem, simtrace.TypeModemReset, r)
}

// ModemResetPulse asserts the reset line of the modem for d.
func (c *Cardem) ModemResetPulse(ctx context.Context, d time.Duration) error {
	return c.send(ctx, simtrace.ClassModem, simtrace.TypeModemReset, simtrace.PulseReset(d))
}

// SIMSelect routes the modem to the emulated card (remote) or to the local
// SIM.
func (c *Cardem) SIMSelect(ctx context.Context, remote bool) error {
	return c.send(ctx, simtrace.ClassModem, simtrace.TypeSIMSelect, simtrace.SIMSelect{Remote: remote})
}

// RequestModemStatus asks the device for a MODEM STATUS report.
func (c *Cardem) RequestModemStatus(ctx context.Context) error {
	return c.send(ctx, simtrace.ClassModem, simtrace.TypeModemStatus, simtrace.Request{})
}
