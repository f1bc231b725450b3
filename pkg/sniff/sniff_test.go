package sniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/uart"
)

type harness struct {
	t  *testing.T
	rx *uart.Recorder
	wt *uart.WaitingTimer
	s  *Sniffer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, rx: &uart.Recorder{}, wt: uart.NewWaitingTimer(nil, nil)}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	h.s = New(0, h.rx, h.wt, opts...)
	h.wt.OnExpire = h.s.WaitingTimeExpired
	return h
}

func (h *harness) line(bs ...byte) {
	for _, b := range bs {
		h.s.ReceiveByte(uart.RxByte{Value: b})
	}
}

func (h *harness) next(want simtrace.Type) simtrace.Payload {
	h.t.Helper()
	m, ok := h.s.Outbound().Pop()
	require.True(h.t, ok, "no message, want %s", simtrace.TypeName(simtrace.ClassSniff, want))
	require.Equal(h.t, simtrace.ClassSniff, m.Class)
	require.Equal(h.t, want, m.Type, "got %s", m)
	p, err := m.Decode()
	require.NoError(h.t, err)
	return p
}

func (h *harness) data(want simtrace.Type, flags simtrace.SniffFlags, raw ...byte) {
	h.t.Helper()
	d := h.next(want).(*simtrace.SniffData)
	assert.Equal(h.t, flags, d.Flags, "flags %s", d.Flags)
	assert.Equal(h.t, raw, d.Data)
}

func (h *harness) changed(want simtrace.ChangeFlags) {
	h.t.Helper()
	c := h.next(simtrace.TypeSniffChange).(*simtrace.SniffChange)
	assert.Equal(h.t, want, c.Flags)
}

func (h *harness) noMessage() {
	h.t.Helper()
	m, ok := h.s.Outbound().Pop()
	assert.False(h.t, ok, "unexpected message %s", m)
}

// start releases RST and lets the card answer with atr.
func (h *harness) start(atr ...byte) {
	h.t.Helper()
	h.s.SetSignal(SignalRST, false)
	h.changed(simtrace.ChangeResetDeassert)
	require.Equal(h.t, StateWaitATR, h.s.State())
	h.line(atr...)
	h.data(simtrace.TypeSniffATR, 0, atr...)
	require.Equal(h.t, StateWaitAPDU, h.s.State())
}

func TestSniffer_ResetAndATR(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	assert.Equal(t, StateReset, h.s.State())
	assert.Equal(t, uart.Off, h.rx.Direction())

	h.s.SetSignal(SignalCardDetect, true)
	h.changed(simtrace.ChangeCardInsert)
	assert.True(t, h.s.Inserted())
	h.s.SetSignal(SignalCardDetect, true)
	h.noMessage()

	h.start(0x3B, 0x02, 0x14, 0x50)
	assert.Equal(t, uart.RX, h.rx.Direction())
	assert.Equal(t, []uint32{372}, h.rx.Ratios())
	assert.False(t, h.wt.Armed(), "no waiting time between TPDUs")
	assert.Equal(t, uint64(1), h.s.Stats().ATRs)
	h.noMessage()

	h.s.SetSignal(SignalCardDetect, false)
	h.changed(simtrace.ChangeCardEject)
}

func TestSniffer_TPDU(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(0x3B, 0x00)

	select3F00 := []byte{0xA0, 0xA4, 0x00, 0x00, 0x02, 0x60, 0xA4, 0x3F, 0x00, 0x90, 0x00}
	h.line(select3F00[:9]...)
	assert.Equal(t, StateInAPDU, h.s.State())
	assert.True(t, h.wt.Armed())
	h.noMessage()

	h.line(select3F00[9:]...)
	h.data(simtrace.TypeSniffTPDU, 0, select3F00...)
	assert.Equal(t, StateWaitAPDU, h.s.State())

	getResponse := []byte{0xA0, 0xC0, 0x00, 0x00, 0x02, 0xC0, 0x12, 0x34, 0x90, 0x00}
	h.line(getResponse...)
	h.data(simtrace.TypeSniffTPDU, 0, getResponse...)
	assert.Equal(t, uint64(2), h.s.Stats().TPDUs)
}

func TestSniffer_PPS(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(0x3B, 0x10, 0x94)

	tm := h.s.Timing()
	assert.Equal(t, uint16(512), tm.Fi)
	assert.Equal(t, uint16(iso7816.DefaultFd), tm.F, "the rate only changes with PPS")
	assert.Equal(t, uint32(76800), h.wt.WaitingTime())

	h.line(0xFF, 0x10, 0x94, 0x7B)
	assert.Equal(t, StateInPTS, h.s.State())
	h.noMessage()
	h.line(0xFF, 0x10, 0x94, 0x7B)

	h.data(simtrace.TypeSniffPPS, 0, 0xFF, 0x10, 0x94, 0x7B, 0xFF, 0x10, 0x94, 0x7B)
	f := h.next(simtrace.TypeSniffFiDi).(*simtrace.SniffFiDi)
	assert.Equal(t, uint8(0x94), f.FiDi)
	assert.Equal(t, StateWaitAPDU, h.s.State())

	assert.Equal(t, []uint32{372, 64}, h.rx.Ratios())
	tm = h.s.Timing()
	assert.Equal(t, uint16(512), tm.F)
	assert.Equal(t, uint8(8), tm.D)
	assert.Equal(t, uint32(9600), h.wt.WaitingTime())

	// the next reset goes back to the default rate
	h.s.SetSignal(SignalRST, true)
	h.changed(simtrace.ChangeResetAssert)
	h.s.SetSignal(SignalRST, false)
	h.changed(simtrace.ChangeResetDeassert)
	assert.Equal(t, []uint32{372, 64, 372}, h.rx.Ratios())
	assert.Equal(t, iso7816.DefaultTiming(), h.s.Timing())
}

func TestSniffer_PPSBeyondATR(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// no TA1: Fi=372, Di=1
	h.start(0x3B, 0x00)

	h.line(0xFF, 0x10, 0x94, 0x7B, 0xFF, 0x10, 0x94, 0x7B)
	h.data(simtrace.TypeSniffPPS, 0, 0xFF, 0x10, 0x94, 0x7B, 0xFF, 0x10, 0x94, 0x7B)
	f := h.next(simtrace.TypeSniffFiDi).(*simtrace.SniffFiDi)
	assert.Equal(t, uint8(0x94), f.FiDi)

	assert.Equal(t, []uint32{372, 64}, h.rx.Ratios())
	tm := h.s.Timing()
	assert.Equal(t, uint16(512), tm.Fi)
	assert.Equal(t, uint16(512), tm.F)
	assert.Equal(t, uint8(8), tm.D)
	assert.Equal(t, uint32(9600), tm.WT)
	assert.Equal(t, uint32(9600), h.wt.WaitingTime())
}

func TestSniffer_PPSDefaultRateKept(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(0x3B, 0x10, 0x94)

	h.line(0xFF, 0x10, 0x94, 0x7B, 0xFF, 0x00, 0xFF)
	h.data(simtrace.TypeSniffPPS, 0, 0xFF, 0x10, 0x94, 0x7B, 0xFF, 0x00, 0xFF)
	h.noMessage()
	assert.Equal(t, []uint32{372}, h.rx.Ratios())
	assert.Equal(t, StateWaitAPDU, h.s.State())
}

func TestSniffer_PPSMismatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(0x3B, 0x10, 0x94)

	// the card answers with a rate nobody asked for
	h.line(0xFF, 0x10, 0x94, 0x7B, 0xFF, 0x10, 0x95, 0x7A)
	h.data(simtrace.TypeSniffPPS, simtrace.SniffMalformed, 0xFF, 0x10, 0x94, 0x7B, 0xFF, 0x10, 0x95, 0x7A)
	h.noMessage()
	assert.Equal(t, []uint32{372}, h.rx.Ratios())
}

func TestSniffer_PPSChecksumThenSilence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(0x3B, 0x10, 0x94)

	h.line(0xFF, 0x10, 0x94, 0x00)
	assert.Equal(t, StateInPTS, h.s.State())
	h.noMessage()

	h.wt.Advance(h.wt.WaitingTime())
	h.data(simtrace.TypeSniffPPS, simtrace.SniffChecksum|simtrace.SniffIncomplete, 0xFF, 0x10, 0x94, 0x00)
	h.changed(simtrace.ChangeTimeoutWT)
	assert.Equal(t, StateWaitAPDU, h.s.State())
	assert.Equal(t, []uint32{372}, h.rx.Ratios())
	assert.Equal(t, uint16(iso7816.DefaultFd), h.s.Timing().F)
}

func TestSniffer_WaitingTimeMidAPDU(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(0x3B, 0x00)

	h.line(0xA0, 0xA4, 0x00)
	h.wt.Advance(h.wt.WaitingTime())
	h.data(simtrace.TypeSniffTPDU, simtrace.SniffIncomplete, 0xA0, 0xA4, 0x00)
	h.changed(simtrace.ChangeTimeoutWT)
	assert.Equal(t, StateWaitAPDU, h.s.State())

	// the leftover header bytes do not leak into what follows
	h.line(0xA0, 0xF2, 0x00, 0x00, 0x16, 0x90, 0x00)
	h.data(simtrace.TypeSniffTPDU, 0, 0xA0, 0xF2, 0x00, 0x00, 0x16, 0x90, 0x00)

	h.line(0xA0, 0xB0)
	h.s.SetSignal(SignalRST, true)
	h.data(simtrace.TypeSniffTPDU, simtrace.SniffIncomplete, 0xA0, 0xB0)
	h.changed(simtrace.ChangeResetAssert)
	assert.Equal(t, StateReset, h.s.State())

	h.start(0x3B, 0x02, 0x14, 0x50)
	h.noMessage()
}

func TestSniffer_ResetDuringATR(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.s.SetSignal(SignalRST, false)
	h.changed(simtrace.ChangeResetDeassert)

	h.line(0x3B, 0x10)
	assert.Equal(t, StateInATR, h.s.State())
	h.s.SetSignal(SignalRST, true)
	h.data(simtrace.TypeSniffATR, simtrace.SniffIncomplete, 0x3B, 0x10)
	h.changed(simtrace.ChangeResetAssert)
	assert.Equal(t, uart.Off, h.rx.Direction())

	// bytes during reset are ignored
	h.line(0x00, 0x01)
	h.noMessage()
	assert.Equal(t, StateReset, h.s.State())
}

func TestSniffer_ATRTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.s.SetSignal(SignalRST, false)
	h.changed(simtrace.ChangeResetDeassert)

	h.line(0x3B, 0x02, 0x14)
	h.wt.Advance(iso7816.DefaultWT)
	h.data(simtrace.TypeSniffATR, simtrace.SniffIncomplete, 0x3B, 0x02, 0x14)
	h.changed(simtrace.ChangeTimeoutWT)
	assert.Equal(t, StateWaitAPDU, h.s.State())
}

func TestSniffer_BadATR(t *testing.T) {
	t.Parallel()

	t.Run("invalid TS", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.s.SetSignal(SignalRST, false)
		h.changed(simtrace.ChangeResetDeassert)
		h.line(0x12)
		h.data(simtrace.TypeSniffATR, simtrace.SniffMalformed, 0x12)
		assert.Equal(t, StateWaitAPDU, h.s.State())
	})

	t.Run("checksum", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.s.SetSignal(SignalRST, false)
		h.changed(simtrace.ChangeResetDeassert)
		// TD1 announces T=1, so TCK is present
		h.line(0x3B, 0x80, 0x01, 0x00)
		h.data(simtrace.TypeSniffATR, simtrace.SniffChecksum, 0x3B, 0x80, 0x01, 0x00)
		assert.Equal(t, StateWaitAPDU, h.s.State())
	})
}

func TestSniffer_FramingErrorDropsByte(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(0x3B, 0x00)

	h.line(0xA0, 0xF2, 0x00)
	h.s.ReceiveByte(uart.RxByte{Value: 0x55, Flags: uart.FlagParity})
	h.line(0x00, 0x16, 0x90, 0x00)
	h.data(simtrace.TypeSniffTPDU, 0, 0xA0, 0xF2, 0x00, 0x00, 0x16, 0x90, 0x00)
	assert.Equal(t, uint64(1), h.s.Stats().Dropped)
	assert.Equal(t, uint64(2+7), h.s.Stats().Bytes)
}

func TestSniffer_Desync(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(0x3B, 0x00)

	h.line(0xA0, 0xA4, 0x00, 0x00, 0x02, 0x42, 0x00)
	h.data(simtrace.TypeSniffTPDU, simtrace.SniffMalformed, 0xA0, 0xA4, 0x00, 0x00, 0x02, 0x42, 0x00)

	h.line(0xA0, 0xF2, 0x00, 0x00, 0x16, 0x90, 0x00)
	h.data(simtrace.TypeSniffTPDU, 0, 0xA0, 0xF2, 0x00, 0x00, 0x16, 0x90, 0x00)
}

func TestSniffer_LongTPDU(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithMaxData(8))
	h.start(0x3B, 0x00)

	raw := []byte{0x00, 0xB0, 0x00, 0x00, 0x10, 0xB0}
	for i := range 16 {
		raw = append(raw, byte(i))
	}
	raw = append(raw, 0x90, 0x00)
	require.Len(t, raw, 24)

	h.line(raw...)
	h.data(simtrace.TypeSniffTPDU, simtrace.SniffIncomplete, raw[:8]...)
	h.data(simtrace.TypeSniffTPDU, simtrace.SniffIncomplete, raw[8:16]...)
	h.data(simtrace.TypeSniffTPDU, 0, raw[16:]...)
	assert.Equal(t, StateWaitAPDU, h.s.State())
}

func TestSniffer_OutboundOverflow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithOutbound(2))

	h.s.SetSignal(SignalCardDetect, true)
	h.s.SetSignal(SignalRST, false)
	h.s.SetSignal(SignalCardDetect, false)
	assert.Equal(t, uint64(1), h.s.Dropped())
	assert.Equal(t, 2, h.s.Outbound().Len())

	m, ok := h.s.Outbound().Pop()
	require.True(t, ok)
	assert.Equal(t, uint8(0), m.Seq)
}
