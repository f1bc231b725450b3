// Package cardemu implements the card side of ISO 7816-3 T=0: an emulated
// SIM that answers a reader (phone, modem) with an ATR, echoes PPS
// requests and relays every TPDU to a host which supplies procedure bytes,
// response data and status words.
//
// The engine is a plain state machine. A driver feeds it received bytes,
// contact level changes and waiting time events, and calls TxByte whenever
// the transmitter can take a byte. Messages for the host are queued in a
// Ring; messages from the host go through HandleMessage.
package cardemu

import (
	"encoding"
	"log/slog"

	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/ring"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// DefaultOutbound is the default capacity of the queue towards the host.
const DefaultOutbound = 64

// atrGuardTime is the delay in ETU between RST release and the ATR.
const atrGuardTime = 2

// pts tracks one PPS exchange. The request is parsed as it arrives; the
// response is then sent from resp.
type pts struct {
	phase  iso7816.PPSPhase
	parser iso7816.PPSParser
	req    iso7816.PPS
	resp   []byte
	idx    int
	accept iso7816.PPS
}

func (p *pts) reset() {
	*p = pts{}
}

// Card is one emulated card slot.
type Card struct {
	slot  uint8
	uart  uart.UART
	timer uart.Timer
	log   *slog.Logger

	state  State
	tpdu   TPDUState
	hdr    iso7816.Header
	timing iso7816.Timing

	atr    []byte
	atrIdx int

	pts pts

	vcc      bool
	clk      bool
	inReset  bool
	inserted bool
	features uint32

	rx      *simtrace.Data  // reader bytes not yet handed to the host
	txQueue []simtrace.Data // host data waiting for the transmitter
	txIdx   int

	stats   simtrace.Stats
	seq     uint8
	out     *ring.Ring[simtrace.Message]
	dropped uint32
}

// Option configures a Card.
type Option func(*Card)

// WithLogger sets the logger. The default is the cardemu component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Card) { c.log = l }
}

// WithATR sets the ATR sent after reset.
func WithATR(atr []byte) Option {
	return func(c *Card) { c.atr = append([]byte(nil), atr...) }
}

// WithOutbound sets the capacity of the queue towards the host.
func WithOutbound(size int) Option {
	return func(c *Card) { c.out = ring.New[simtrace.Message](size) }
}

// New returns a card for slot, powered off and held in reset. The timer's
// half-time and expiry events must be delivered to WaitingTimeHalved and
// WaitingTimeExpired.
func New(slot uint8, u uart.UART, t uart.Timer, opts ...Option) *Card {
	c := &Card{
		slot:    slot,
		uart:    u,
		timer:   t,
		state:   WaitPower,
		inReset: true,
		timing:  iso7816.DefaultTiming(),
		atr:     append([]byte(nil), iso7816.MinimalATR...),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logging.For(logging.ComponentCardEmu)
	}
	c.log = c.log.With("slot", slot)
	if c.out == nil {
		c.out = ring.New[simtrace.Message](DefaultOutbound)
	}
	return c
}

func (c *Card) State() State { return c.state }
func (c *Card) TPDUState() TPDUState { return c.tpdu }
func (c *Card) Timing() iso7816.Timing { return c.timing }
func (c *Card) Stats() simtrace.Stats { return c.stats }
func (c *Card) Inserted() bool { return c.inserted }
func (c *Card) Features() uint32 { return c.features }
func (c *Card) Header() iso7816.Header { return c.hdr }
func (c *Card) ATR() []byte { return append([]byte(nil), c.atr...) }

// Outbound is the queue of messages for the host. The engine is its only
// producer.
func (c *Card) Outbound() *ring.Ring[simtrace.Message] {
	return c.out
}

// Dropped returns how many messages were lost to a full outbound queue.
func (c *Card) Dropped() uint32 {
	return c.dropped
}

// SetATR replaces the ATR sent on the next reset.
func (c *Card) SetATR(atr []byte) error {
	if len(atr) > iso7816.MaxATRLength {
		return iso7816.ErrATRTooLong
	}
	c.atr = append(c.atr[:0], atr...)
	c.atrIdx = 0
	c.log.Info("ATR set", logging.Hex("atr", atr))
	return nil
}

func (c *Card) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("card state", "from", c.state, "to", s)
	c.state = s

	switch s {
	case WaitPower, WaitClk, WaitRst:
		c.enable(uart.Off)
		c.timer.SetWaitingTime(0)
		c.rx = nil
		c.txQueue = nil
		c.txIdx = 0
	case WaitATR:
		c.txQueue = nil
		c.txIdx = 0
		c.timing.Reset()
		c.updateFD()
		// TX only, so the guard time can be measured
		c.enable(uart.TX)
		c.timer.SetWaitingTime(atrGuardTime)
	case InATR:
		c.atrIdx = 0
		c.enable(uart.TX)
	case InPTS:
		c.timer.SetWaitingTime(c.timing.WT)
	case WaitTPDU:
		c.setTPDUState(WaitCLA)
	}
}

func (c *Card) setTPDUState(s TPDUState) {
	if c.state != InTPDU && c.state != WaitTPDU {
		c.log.Error("TPDU state change outside TPDU", "state", c.state, "tpdu", s)
	}
	if c.tpdu != s {
		c.log.Debug("TPDU state", "from", c.tpdu, "to", s)
	}
	c.tpdu = s

	switch s {
	case WaitCLA:
		c.enable(uart.RX)
		c.timer.SetWaitingTime(0)
	case WaitINS:
		c.timer.SetWaitingTime(c.timing.WT)
	case WaitRX:
		c.enable(uart.RX)
		c.timer.SetWaitingTime(c.timing.WT)
	case WaitPB, WaitTX:
		// NULL bytes may be due at half time
		c.enable(uart.TX)
		c.timer.SetWaitingTime(c.timing.WT)
	}
}

func (c *Card) enable(dir uart.Direction) {
	if err := c.uart.Enable(dir); err != nil {
		c.log.Error("UART enable", "dir", dir, logging.Err(err))
	}
}

func (c *Card) updateFD() {
	if err := uart.UpdateFD(c.uart, c.timing.F, c.timing.D); err != nil {
		c.log.Error("UART divider", "timing", c.timing, logging.Err(err))
	}
}

func (c *Card) send(b byte) bool {
	if err := c.uart.SendByte(b); err != nil {
		c.log.Error("UART send", "byte", b, logging.Err(err))
		return false
	}
	return true
}

// emit queues a message for the host.
func (c *Card) emit(t simtrace.Type, p encoding.BinaryMarshaler) {
	m, err := simtrace.NewMessage(simtrace.ClassCardem, t, c.slot, p)
	if err != nil {
		c.log.Error("encode message", "type", simtrace.TypeName(simtrace.ClassCardem, t), logging.Err(err))
		return
	}
	m.Seq = c.seq
	c.seq++
	if !c.out.Push(m) {
		c.dropped++
		c.log.Warn("outbound queue full, message dropped", "msg", m.Header())
	}
}

// SetSignal reports a contact level change.
func (c *Card) SetSignal(sig Signal, active bool) {
	changed := false
	switch sig {
	case SignalVCC:
		if c.vcc != active {
			changed = true
			c.log.Info("VCC", "active", active)
			switch {
			case active && c.clk:
				c.setState(WaitRst)
			case active:
				c.setState(WaitClk)
			default:
				c.setState(WaitPower)
			}
		}
		c.vcc = active
	case SignalCLK:
		if c.clk != active {
			changed = true
			c.log.Info("CLK", "active", active)
			if active && c.state == WaitClk {
				c.setState(WaitRst)
			}
		}
		c.clk = active
	case SignalRST:
		if c.inReset != active {
			changed = true
			if active {
				c.log.Info("RST asserted")
				if !c.state.InReset() {
					c.setState(WaitRst)
				}
			} else {
				c.log.Info("RST released")
				if c.vcc && c.clk && c.state == WaitRst {
					c.setState(WaitATR)
				}
			}
		}
		c.inReset = active
	}
	if changed && c.features&simtrace.FeatureStatusIRQ != 0 {
		c.ReportStatus()
	}
}

// StatusFlags returns the contact and card-insert flags of a STATUS report.
func (c *Card) StatusFlags() simtrace.StatusFlags {
	var f simtrace.StatusFlags
	if c.vcc {
		f |= simtrace.StatusVCCPresent
	}
	if c.clk {
		f |= simtrace.StatusCLKActive
	}
	if c.inReset {
		f |= simtrace.StatusResetActive
	}
	if c.inserted {
		f |= simtrace.StatusCardInsert
	}
	return f
}

// ReportStatus queues a STATUS message.
func (c *Card) ReportStatus() {
	fi, di := c.timing.Indices()
	c.emit(simtrace.TypeStatus, simtrace.Status{
		Flags:       c.StatusFlags(),
		Fi:          fi,
		Di:          di,
		WI:          c.timing.WI,
		WaitingTime: c.timing.WT,
	})
}

// ReceiveByte processes a byte received from the reader. Bytes carrying a
// line error are dropped.
func (c *Card) ReceiveByte(rb uart.RxByte) {
	if err := rb.Err(); err != nil {
		c.log.Warn("byte dropped", "state", c.state, logging.Err(err))
		return
	}
	b := rb.Value
	c.stats.RxBytes++

	switch c.state {
	case WaitTPDU:
		if b == iso7816.PPSS {
			c.stats.PPS++
			c.pts.reset()
			c.setState(InPTS)
			c.receivePTS(b)
			return
		}
		c.setState(InTPDU)
		c.receiveTPDU(b)
	case InTPDU:
		c.receiveTPDU(b)
	case InPTS:
		c.receivePTS(b)
	default:
		c.log.Error("byte received in wrong state", "state", c.state, "byte", b)
	}
}

func (c *Card) receiveTPDU(b byte) {
	switch c.tpdu {
	case WaitCLA:
		c.hdr.CLA = b
	case WaitINS:
		c.hdr.INS = b
	case WaitP1:
		c.hdr.P1 = b
	case WaitP2:
		c.hdr.P2 = b
	case WaitP3:
		c.hdr.P3 = b
	case WaitRX:
		c.timer.Arm()
		c.addTPDUByte(b)
		return
	default:
		c.log.Error("byte received in wrong TPDU state", "tpdu", c.tpdu, "byte", b)
		return
	}
	c.setTPDUState(c.tpdu.next())
	if c.tpdu == WaitPB {
		c.sendTPDUHeader()
	}
}

// sendTPDUHeader hands the header to the host, which answers with the
// procedure byte.
func (c *Card) sendTPDUHeader() {
	c.log.Info("TPDU header", "hdr", c.hdr)
	if c.rx != nil && len(c.rx.Data) > 0 {
		c.flushRx()
	}
	c.rx = nil
	c.emit(simtrace.TypeRxData, simtrace.Data{
		Flags: simtrace.DataTPDUHeader,
		Data:  c.hdr.Bytes(),
	})
}

func (c *Card) addTPDUByte(b byte) {
	if c.rx == nil {
		c.rx = &simtrace.Data{}
	}
	c.rx.Data = append(c.rx.Data, b)
	if len(c.rx.Data) >= c.hdr.Len() {
		c.rx.Flags |= simtrace.DataFinal
		c.flushRx()
		// the host now owes the status word
		c.setTPDUState(WaitTX)
	}
}

func (c *Card) flushRx() {
	if c.rx == nil {
		return
	}
	rx := *c.rx
	c.rx = nil
	c.log.Debug("RX data to host", "flags", rx.Flags, logging.Hex("data", rx.Data))
	c.emit(simtrace.TypeRxData, rx)
}

func (c *Card) receivePTS(b byte) {
	if c.pts.phase != iso7816.PPSRequest {
		c.log.Error("byte received while sending PPS response", "byte", b)
		return
	}
	st, err := c.pts.parser.Feed(b)
	if err != nil {
		c.log.Warn("PPS request rejected", logging.Hex("pps", c.pts.parser.Bytes()), logging.Err(err))
		c.pts.reset()
		c.setState(WaitTPDU)
		return
	}
	c.timer.Arm()
	if st != iso7816.PPSDone {
		return
	}

	c.pts.req = c.pts.parser.PPS()
	c.pts.accept = c.answerPPS(c.pts.req)
	c.pts.resp = c.pts.accept.Bytes()
	c.pts.phase = iso7816.PPSResponse
	c.pts.idx = 0
	c.emit(simtrace.TypePTS, simtrace.NewPTSInfo(c.pts.req, c.pts.accept))
	c.timer.SetWaitingTime(0)
	c.enable(uart.TX)
}

// answerPPS echoes req when the card can run at the requested F and D.
// Otherwise PPS1 is left out, keeping the default rate.
func (c *Card) answerPPS(req iso7816.PPS) iso7816.PPS {
	fidi, ok := req.FiDi()
	if !ok {
		return req
	}
	next := c.timing
	err := next.Negotiate(fidi)
	if err == nil {
		return req
	}
	c.log.Warn("PPS1 refused", "pps1", fidi, logging.Err(err))
	resp := req
	resp.PPS0 &^= 0x10
	resp.PPS1 = 0
	resp.PCK = resp.Checksum()
	return resp
}

// TxByte transmits the next pending byte, reporting false when nothing is
// left to send.
func (c *Card) TxByte() bool {
	var sent bool
	switch c.state {
	case InATR:
		sent = c.txATR()
	case InPTS:
		sent = c.txPTS()
	case InTPDU:
		sent = c.txTPDU()
	}
	if sent {
		c.stats.TxBytes++
	}
	return sent
}

func (c *Card) txATR() bool {
	if c.atrIdx < len(c.atr) {
		b := c.atr[c.atrIdx]
		c.atrIdx++
		return c.send(b)
	}

	// Fi, Di and WI announced by the ATR hold from now on
	if atr, err := iso7816.ParseATR(c.atr); atr != nil {
		t, terr := atr.Timing()
		if terr != nil {
			c.log.Warn("ATR timing ignored", logging.Err(terr))
		}
		c.timing = t
	} else {
		c.log.Warn("ATR not parseable, default timing kept", logging.Hex("atr", c.atr), logging.Err(err))
	}
	c.log.Debug("ATR sent", "timing", c.timing)
	c.pts.reset()
	c.setState(WaitTPDU)
	return false
}

func (c *Card) txPTS() bool {
	if c.pts.phase != iso7816.PPSResponse || c.pts.idx >= len(c.pts.resp) {
		return false
	}
	b := c.pts.resp[c.pts.idx]
	c.pts.idx++
	if !c.send(b) {
		return false
	}
	if c.pts.idx < len(c.pts.resp) {
		return true
	}

	if fidi, ok := c.pts.accept.FiDi(); ok {
		if err := c.timing.Negotiate(fidi); err != nil {
			c.log.Error("PPS negotiation", logging.Err(err))
		}
	}
	c.updateFD()
	c.log.Info("PPS done", "req", c.pts.req, "resp", c.pts.accept, "timing", c.timing)
	c.pts.reset()
	c.setState(WaitTPDU)
	return true
}

func (c *Card) txTPDU() bool {
	if len(c.txQueue) == 0 {
		return false
	}
	td := &c.txQueue[0]
	if len(td.Data) == 0 {
		c.finishTx(*td)
		return false
	}
	b := td.Data[c.txIdx]
	c.txIdx++
	if !c.send(b) {
		return false
	}

	if c.tpdu == WaitPB {
		switch {
		case td.Flags&simtrace.DataPBAndTx != 0:
			c.setTPDUState(WaitTX)
		case td.Flags&simtrace.DataPBAndRx != 0:
			c.setTPDUState(WaitRX)
		}
	} else {
		c.timer.Arm()
	}

	if c.txIdx >= len(td.Data) {
		c.finishTx(*td)
	}
	return true
}

// finishTx drops the head of the TX queue and applies its flags.
func (c *Card) finishTx(td simtrace.Data) {
	c.txQueue = c.txQueue[1:]
	c.txIdx = 0
	switch {
	case td.Flags&simtrace.DataPBAndRx != 0:
		c.setTPDUState(WaitRX)
	case td.Flags&simtrace.DataFinal != 0:
		c.setState(WaitTPDU)
	}
}

// QueueTx appends host data for the reader.
func (c *Card) QueueTx(td simtrace.Data) {
	c.txQueue = append(c.txQueue, td)
	if c.state == InTPDU && (c.tpdu == WaitTX || c.tpdu == WaitPB) {
		c.enable(uart.TX)
	}
}

// WaitingTimeHalved handles half of WT elapsing. While the host is busy the
// card keeps the reader waiting with a NULL procedure byte.
func (c *Card) WaitingTimeHalved() {
	if c.state != InTPDU || (c.tpdu != WaitTX && c.tpdu != WaitPB) {
		return
	}
	if c.send(iso7816.NullByte) {
		c.log.Debug("NULL sent", "tpdu", c.tpdu)
	}
	c.timer.Arm()
}

// WaitingTimeExpired handles WT elapsing.
func (c *Card) WaitingTimeExpired() {
	switch c.state {
	case WaitATR:
		c.setState(InATR)
	case InPTS:
		c.log.Warn("PPS timed out", logging.Hex("pps", c.pts.parser.Bytes()))
		c.pts.reset()
		c.setState(WaitTPDU)
	case InTPDU:
		// the reader went silent: hand over what we have and start over
		c.log.Warn("waiting time expired", "tpdu", c.tpdu, "hdr", c.hdr)
		c.flushRx()
		c.txQueue = nil
		c.txIdx = 0
		c.setState(WaitTPDU)
	default:
		c.log.Debug("waiting time expired", "state", c.state)
	}
}
