// Package sniff follows the T=0 conversation between a card and a reader
// from the I/O line alone. It recognizes the ATR, PPS exchanges and TPDUs,
// moves its receiver to the negotiated rate and reports everything it saw
// as SNIFF messages.
//
// Like cardemu, the engine is a plain state machine driven by received
// bytes, contact changes and waiting time expiry. Loop runs it against a
// live receiver.
package sniff

import (
	"encoding"
	"errors"
	"log/slog"
	"slices"

	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/ring"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// Default sizes of the queue towards the host and of the TPDU buffer. A
// TPDU longer than the buffer is reported in several INCOMPLETE pieces.
const (
	DefaultOutbound = 64
	DefaultMaxData  = 512
)

// Receiver is the receive half of the UART the sniffer listens with.
type Receiver interface {
	Enable(dir uart.Direction) error
	SetFiDi(ratio uint32) error
}

// Stats counts what the sniffer saw since it was created.
type Stats struct {
	Bytes   uint64
	Dropped uint64 // bytes received with a line error
	ATRs    uint64
	PPSs    uint64
	TPDUs   uint64
}

// Sniffer is the passive observer of one slot.
type Sniffer struct {
	slot  uint8
	rx    Receiver
	timer uart.Timer
	log   *slog.Logger

	state    State
	reset    bool
	inserted bool
	timing   iso7816.Timing

	atr      iso7816.ATRParser
	ppsPhase iso7816.PPSPhase
	ppsReq   iso7816.PPSParser
	ppsResp  iso7816.PPSParser
	ppsFlags simtrace.SniffFlags
	split    iso7816.Splitter
	buf      []byte
	bufFlags simtrace.SniffFlags
	maxData  int

	stats   Stats
	seq     uint8
	out     *ring.Ring[simtrace.Message]
	dropped uint64
}

// Option configures a Sniffer.
type Option func(*Sniffer)

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sniffer) { s.log = l }
}

// WithOutbound sets the capacity of the queue towards the host.
func WithOutbound(size int) Option {
	return func(s *Sniffer) { s.out = ring.New[simtrace.Message](size) }
}

// WithMaxData sets the size of the TPDU buffer.
func WithMaxData(n int) Option {
	return func(s *Sniffer) {
		if n > 0 {
			s.maxData = n
		}
	}
}

// New returns a sniffer for slot listening on rx. It starts in reset; the
// driver reports the initial RST level with SetSignal.
func New(slot uint8, rx Receiver, t uart.Timer, opts ...Option) *Sniffer {
	s := &Sniffer{
		slot:    slot,
		rx:      rx,
		timer:   t,
		reset:   true,
		timing:  iso7816.DefaultTiming(),
		maxData: DefaultMaxData,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.For(logging.ComponentSniff)
	}
	s.log = s.log.With("slot", slot)
	if s.out == nil {
		s.out = ring.New[simtrace.Message](DefaultOutbound)
	}
	s.split.OnDesync = func(err error) {
		s.bufFlags |= simtrace.SniffMalformed
		s.log.Warn("TPDU out of sync", logging.Err(err))
	}
	s.buf = make([]byte, 0, s.maxData)
	s.setState(StateReset)
	return s
}

func (s *Sniffer) State() State { return s.state }
func (s *Sniffer) Timing() iso7816.Timing { return s.timing }
func (s *Sniffer) Stats() Stats { return s.stats }
func (s *Sniffer) Inserted() bool { return s.inserted }

// Outbound returns the queue of messages for the host.
func (s *Sniffer) Outbound() *ring.Ring[simtrace.Message] {
	return s.out
}

// Dropped returns how many messages were lost to a full outbound queue.
func (s *Sniffer) Dropped() uint64 {
	return s.dropped
}

func (s *Sniffer) setState(next State) {
	if s.state != next {
		s.log.Debug("state", "from", s.state, "to", next)
	}
	s.state = next
	switch next {
	case StateReset:
		s.timer.SetWaitingTime(0)
		if err := s.rx.Enable(uart.Off); err != nil {
			s.log.Error("disable receiver", logging.Err(err))
		}
	case StateWaitATR:
		s.timing.Reset()
		s.setRatio(s.timing.Ratio())
		s.atr.Reset()
		s.split.Reset()
		s.buf = s.buf[:0]
		s.bufFlags = 0
		s.timer.SetWaitingTime(s.timing.WT)
		if err := s.rx.Enable(uart.RX); err != nil {
			s.log.Error("enable receiver", logging.Err(err))
		}
	case StateWaitAPDU:
		s.split.Reset()
		s.timer.Disarm()
	case StateInPTS:
		s.ppsPhase = iso7816.PPSRequest
		s.ppsReq.Reset()
		s.ppsResp.Reset()
		s.ppsFlags = 0
	}
}

// setRatio moves the receiver, and the timer when it counts real time, to
// a new clock divider.
func (s *Sniffer) setRatio(ratio uint32) {
	if err := s.rx.SetFiDi(ratio); err != nil {
		s.log.Error("receiver divider", "ratio", ratio, logging.Err(err))
	}
	if d, ok := s.timer.(interface{ SetFiDi(uint32) error }); ok {
		if err := d.SetFiDi(ratio); err != nil {
			s.log.Error("timer divider", "ratio", ratio, logging.Err(err))
		}
	}
}

func (s *Sniffer) emit(t simtrace.Type, p encoding.BinaryMarshaler) {
	m, err := simtrace.NewMessage(simtrace.ClassSniff, t, s.slot, p)
	if err != nil {
		s.log.Error("encode message", "type", simtrace.TypeName(simtrace.ClassSniff, t), logging.Err(err))
		return
	}
	m.Seq = s.seq
	s.seq++
	if !s.out.Push(m) {
		s.dropped++
		s.log.Warn("outbound queue full, message dropped", "msg", m.Header())
	}
}

func (s *Sniffer) change(flags simtrace.ChangeFlags) {
	s.log.Info("change", "flags", flags)
	s.emit(simtrace.TypeSniffChange, simtrace.SniffChange{Flags: flags})
}

// SetSignal reports a contact level change.
func (s *Sniffer) SetSignal(sig Signal, active bool) {
	switch sig {
	case SignalRST:
		switch {
		case active && !s.reset:
			s.reset = true
			s.flushPending()
			s.change(simtrace.ChangeResetAssert)
			s.setState(StateReset)
		case !active && s.reset:
			s.reset = false
			s.change(simtrace.ChangeResetDeassert)
			s.setState(StateWaitATR)
		}
	case SignalCardDetect:
		if active == s.inserted {
			return
		}
		s.inserted = active
		if active {
			s.change(simtrace.ChangeCardInsert)
		} else {
			s.change(simtrace.ChangeCardEject)
		}
	}
}

// ReceiveByte consumes one byte seen on the I/O line.
func (s *Sniffer) ReceiveByte(b uart.RxByte) {
	if err := b.Err(); err != nil {
		s.stats.Dropped++
		s.log.Warn("byte dropped", "state", s.state, logging.Err(err))
		return
	}
	s.stats.Bytes++

	switch s.state {
	case StateReset:
		s.log.Debug("byte during reset", "byte", b.Value)
	case StateWaitATR:
		s.setState(StateInATR)
		s.receiveATR(b.Value)
	case StateInATR:
		s.receiveATR(b.Value)
	case StateWaitAPDU:
		if b.Value == iso7816.PPSS {
			s.setState(StateInPTS)
			s.receivePTS(b.Value)
			return
		}
		s.setState(StateInAPDU)
		s.receiveTPDU(b.Value)
	case StateInAPDU:
		s.receiveTPDU(b.Value)
	case StateInPTS:
		s.receivePTS(b.Value)
	}
}

func (s *Sniffer) receiveATR(v byte) {
	st, err := s.atr.Feed(v)
	switch {
	case errors.Is(err, iso7816.ErrInvalidTS):
		s.log.Warn("not an ATR", logging.Err(err))
		s.stats.ATRs++
		s.emit(simtrace.TypeSniffATR, simtrace.SniffData{Flags: simtrace.SniffMalformed, Data: []byte{v}})
		s.setState(StateWaitAPDU)
		return
	case errors.Is(err, iso7816.ErrATRTooLong):
		s.log.Warn("ATR", logging.Err(err))
		s.flushATR(simtrace.SniffMalformed)
		s.setState(StateWaitAPDU)
		return
	case st != iso7816.ATRDone:
		s.timer.Arm()
		return
	}

	var flags simtrace.SniffFlags
	if err != nil {
		s.log.Warn("ATR", logging.Err(err))
		flags |= simtrace.SniffChecksum
	}
	s.flushATR(flags)

	atr := s.atr.ATR()
	t, err := atr.Timing()
	if err != nil {
		s.log.Warn("ATR parameters", logging.Err(err))
	}
	s.timing = t
	s.timer.SetWaitingTime(t.WT)
	s.log.Info("ATR", logging.Hex("atr", s.atr.Bytes()), "timing", t)
	s.setState(StateWaitAPDU)
}

func (s *Sniffer) flushATR(flags simtrace.SniffFlags) {
	raw := s.atr.Bytes()
	if len(raw) == 0 {
		return
	}
	s.stats.ATRs++
	s.emit(simtrace.TypeSniffATR, simtrace.SniffData{Flags: flags, Data: slices.Clone(raw)})
}

func (s *Sniffer) receivePTS(v byte) {
	p := &s.ppsReq
	if s.ppsPhase == iso7816.PPSResponse {
		p = &s.ppsResp
	}
	st, err := p.Feed(v)
	if err != nil && st != iso7816.PPSDone {
		s.log.Warn("PPS", "phase", s.ppsPhase, logging.Err(err))
		s.ppsFlags |= simtrace.SniffMalformed
		s.finishPTS()
		return
	}
	if err != nil {
		s.log.Warn("PPS", "phase", s.ppsPhase, logging.Err(err))
		s.ppsFlags |= simtrace.SniffChecksum
	}
	if st != iso7816.PPSDone {
		s.timer.Arm()
		return
	}
	if s.ppsPhase == iso7816.PPSRequest {
		s.ppsPhase = iso7816.PPSResponse
		s.timer.Arm()
		return
	}
	s.finishPTS()
}

// finishPTS reports the exchange seen so far and, when the card accepted
// a new rate, follows it.
func (s *Sniffer) finishPTS() {
	flags := s.ppsFlags
	complete := s.ppsResp.State() == iso7816.PPSDone
	if !complete {
		flags |= simtrace.SniffIncomplete
	}
	req, resp := s.ppsReq.PPS(), s.ppsResp.PPS()
	if complete && !answers(resp, req) {
		flags |= simtrace.SniffMalformed
	}

	data := append(slices.Clone(s.ppsReq.Bytes()), s.ppsResp.Bytes()...)
	s.stats.PPSs++
	s.emit(simtrace.TypeSniffPPS, simtrace.SniffData{Flags: flags, Data: data})

	if flags == 0 {
		if fidi, ok := resp.FiDi(); ok {
			s.applyFiDi(fidi)
		}
	}
	s.setState(StateWaitAPDU)
}

// answers reports whether resp is a valid answer to req. A card may leave
// PPS1 out to keep the default rate.
func answers(resp, req iso7816.PPS) bool {
	if resp.Protocol() != req.Protocol() {
		return false
	}
	if !resp.Has(1) {
		return true
	}
	return req.Has(1) && resp.PPS1 == req.PPS1
}

// applyFiDi follows the rate both ends agreed on. When it exceeds what the
// ATR announced, the card's acceptance stands for its capability so that WT
// matches the rate on the line.
func (s *Sniffer) applyFiDi(fidi byte) {
	if err := s.timing.Negotiate(fidi); err != nil {
		s.log.Warn("negotiated rate beyond the ATR", "fidi", fidi, logging.Err(err))
		if err := s.timing.ApplyTA1(fidi); err == nil {
			if err := s.timing.Negotiate(fidi); err != nil {
				s.log.Error("negotiated rate", "fidi", fidi, logging.Err(err))
			}
		}
	}
	ratio, err := iso7816.FiDiRatio(fidi)
	if err != nil {
		s.log.Error("negotiated rate", "fidi", fidi, logging.Err(err))
		return
	}
	s.setRatio(ratio)
	s.timer.SetWaitingTime(s.timing.WT)
	s.log.Info("FIDI", "fidi", fidi, "ratio", ratio, "timing", s.timing)
	s.emit(simtrace.TypeSniffFiDi, simtrace.SniffFiDi{FiDi: fidi})
}

func (s *Sniffer) receiveTPDU(v byte) {
	s.timer.Arm()
	s.buf = append(s.buf, v)
	if t := s.split.Feed(v); t != nil {
		s.log.Debug("TPDU", "tpdu", t)
		s.flushTPDU(0)
		s.setState(StateWaitAPDU)
		return
	}
	if len(s.buf) >= s.maxData {
		s.flushTPDU(simtrace.SniffIncomplete)
	}
}

func (s *Sniffer) flushTPDU(flags simtrace.SniffFlags) {
	if len(s.buf) == 0 {
		return
	}
	flags |= s.bufFlags
	s.stats.TPDUs++
	s.emit(simtrace.TypeSniffTPDU, simtrace.SniffData{Flags: flags, Data: slices.Clone(s.buf)})
	s.buf = s.buf[:0]
	s.bufFlags = 0
}

// flushPending reports whatever unit was being received as incomplete.
func (s *Sniffer) flushPending() {
	switch s.state {
	case StateInATR:
		s.flushATR(simtrace.SniffIncomplete)
	case StateInPTS:
		s.finishPTS()
	case StateInAPDU, StateWaitAPDU:
		s.flushTPDU(simtrace.SniffIncomplete)
	}
}

// WaitingTimeExpired is called when WT elapsed without a byte on the line.
func (s *Sniffer) WaitingTimeExpired() {
	switch s.state {
	case StateInATR, StateInPTS, StateInAPDU, StateWaitAPDU:
		s.log.Warn("waiting time exceeded", "state", s.state, "wt", s.timing.WT)
		s.flushPending()
		s.change(simtrace.ChangeTimeoutWT)
		s.setState(StateWaitAPDU)
	default:
		s.log.Debug("waiting time exceeded", "state", s.state)
	}
}
