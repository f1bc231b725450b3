package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/simtrace/pkg/apdu"
	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/gsmtap"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/transport"
)

// recorder is a Sender keeping the decoded messages.
type recorder struct {
	mu   sync.Mutex
	msgs []simtrace.Message
	err  error
}

func (r *recorder) Send(_ context.Context, p []byte) error {
	if r.err != nil {
		return r.err
	}
	var m simtrace.Message
	if err := m.UnmarshalBinary(p); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) take() []simtrace.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

// fakeCard answers commands from a table.
type fakeCard struct {
	answers map[string][]byte
	atr     []byte
	sent    [][]byte
	resets  []iso7816.ResetKind
	err     error
}

func (f *fakeCard) Transceive(_ context.Context, tpdu []byte) ([]byte, error) {
	f.sent = append(f.sent, append([]byte(nil), tpdu...))
	if f.err != nil {
		return nil, f.err
	}
	resp, ok := f.answers[string(tpdu)]
	if !ok {
		return []byte{0x6D, 0x00}, nil
	}
	return resp, nil
}

func (f *fakeCard) Reset(_ context.Context, kind iso7816.ResetKind) ([]byte, error) {
	f.resets = append(f.resets, kind)
	return f.atr, nil
}

func newBridge(t *testing.T, card *fakeCard, cfg Config) (*Bridge, *recorder) {
	t.Helper()
	rec := &recorder{}
	b := New(NewCardem(rec, 0), card, cfg, WithLogger(logging.Discard()))
	b.cardem.log = logging.Discard()
	return b, rec
}

func rxData(t *testing.T, flags simtrace.DataFlags, data ...byte) simtrace.Message {
	t.Helper()
	m, err := simtrace.NewMessage(simtrace.ClassCardem, simtrace.TypeRxData, 0, simtrace.Data{Flags: flags, Data: data})
	require.NoError(t, err)
	return m
}

func status(t *testing.T, flags simtrace.StatusFlags) simtrace.Message {
	t.Helper()
	m, err := simtrace.NewMessage(simtrace.ClassCardem, simtrace.TypeStatus, 0, simtrace.Status{Flags: flags})
	require.NoError(t, err)
	return m
}

// txData decodes the TX_DATA messages.
func txData(t *testing.T, msgs []simtrace.Message) []simtrace.Data {
	t.Helper()
	var out []simtrace.Data
	for _, m := range msgs {
		require.Equal(t, simtrace.TypeTxData, m.Type, "got %s", m)
		p, err := m.Decode()
		require.NoError(t, err)
		out = append(out, *p.(*simtrace.Data))
	}
	return out
}

func TestBridge_Start(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, rec := newBridge(t, &fakeCard{}, Config{})

	require.NoError(t, b.Start(ctx))
	msgs := rec.take()
	require.Len(t, msgs, 5)

	type kind struct {
		class simtrace.Class
		typ   simtrace.Type
	}
	var kinds []kind
	for i, m := range msgs {
		assert.Equal(t, uint8(i), m.Seq)
		kinds = append(kinds, kind{m.Class, m.Type})
	}
	assert.Equal(t, []kind{
		{simtrace.ClassCardem, simtrace.TypeConfig},
		{simtrace.ClassCardem, simtrace.TypeCardInsert},
		{simtrace.ClassModem, simtrace.TypeSIMSelect},
		{simtrace.ClassCardem, simtrace.TypeSetATR},
		{simtrace.ClassModem, simtrace.TypeModemReset},
	}, kinds)

	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, msgs[0].Payload)
	assert.Equal(t, []byte{0x01}, msgs[1].Payload)
	assert.Equal(t, []byte{0x01}, msgs[2].Payload)
	p, err := msgs[3].Decode()
	require.NoError(t, err)
	assert.Equal(t, DefaultATR, p.(*simtrace.SetATR).ATR)
	p, err = msgs[4].Decode()
	require.NoError(t, err)
	assert.Equal(t, simtrace.ModemReset{Action: simtrace.ResetPulse, PulseMS: 300}, *p.(*simtrace.ModemReset))

	require.NoError(t, b.Shutdown(ctx))
	msgs = rec.take()
	require.Len(t, msgs, 1)
	assert.Equal(t, simtrace.TypeCardInsert, msgs[0].Type)
	assert.Equal(t, []byte{0x00}, msgs[0].Payload)
}

func TestBridge_StartOptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("card ATR", func(t *testing.T) {
		t.Parallel()
		card := &fakeCard{atr: []byte{0x3B, 0x02, 0x14, 0x50}}
		b, rec := newBridge(t, card, Config{CardATR: true, ResetPulse: -1})
		require.NoError(t, b.Start(ctx))
		msgs := rec.take()
		require.Len(t, msgs, 4)
		p, err := msgs[3].Decode()
		require.NoError(t, err)
		assert.Equal(t, card.atr, p.(*simtrace.SetATR).ATR)
		assert.Equal(t, []iso7816.ResetKind{iso7816.ColdReset}, card.resets)
	})

	t.Run("skip ATR", func(t *testing.T) {
		t.Parallel()
		b, rec := newBridge(t, &fakeCard{}, Config{SkipATR: true})
		require.NoError(t, b.Start(ctx))
		for _, m := range rec.take() {
			assert.NotEqual(t, simtrace.TypeSetATR, m.Type)
		}
	})

	t.Run("send failure", func(t *testing.T) {
		t.Parallel()
		b, rec := newBridge(t, &fakeCard{}, Config{})
		rec.err = transport.ErrClosed
		assert.ErrorIs(t, b.Start(ctx), transport.ErrClosed)
	})
}

func TestCardem_SetATRChecksum(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recorder{}
	c := NewCardem(rec, 1)
	c.log = logging.Discard()

	// wrong TCK is fixed
	require.NoError(t, c.SetATR(ctx, []byte{0x3B, 0x80, 0x80, 0x81, 0x1F, 0xC7, 0x00}))
	// T=0 only: no TCK to fix
	require.NoError(t, c.SetATR(ctx, []byte{0x3B, 0x02, 0x14, 0x50}))
	assert.Error(t, c.SetATR(ctx, []byte{0x42}))

	msgs := rec.take()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint8(1), msgs[0].Slot)
	p, err := msgs[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, DefaultATR, p.(*simtrace.SetATR).ATR)
	p, err = msgs[1].Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3B, 0x02, 0x14, 0x50}, p.(*simtrace.SetATR).ATR)
}

func TestCardem_Payloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := &recorder{}
	c := NewCardem(rec, 0)
	c.log = logging.Discard()

	require.NoError(t, c.PBAndRx(ctx, 0xA4))
	require.NoError(t, c.PBAndTx(ctx, 0xB0, []byte{0x12, 0x34}))
	require.NoError(t, c.SWTx(ctx, 0x9000))
	require.NoError(t, c.ModemReset(ctx, true))
	require.NoError(t, c.ModemReset(ctx, false))
	require.NoError(t, c.SIMSelect(ctx, false))
	require.NoError(t, c.RequestModemStatus(ctx))
	require.NoError(t, c.RequestStatus(ctx))

	msgs := rec.take()
	require.Len(t, msgs, 8)
	assert.Equal(t, []simtrace.Data{
		{Flags: simtrace.DataPBAndRx, Data: []byte{0xA4}},
		{Flags: simtrace.DataPBAndTx, Data: []byte{0xB0, 0x12, 0x34}},
		{Flags: simtrace.DataPBAndTx | simtrace.DataFinal, Data: []byte{0x90, 0x00}},
	}, txData(t, msgs[:3]))
	assert.Equal(t, []byte{0x01, 0x00, 0x00}, msgs[3].Payload)
	assert.Equal(t, []byte{0x00, 0x00, 0x00}, msgs[4].Payload)
	assert.Equal(t, []byte{0x00}, msgs[5].Payload)
	assert.Equal(t, simtrace.ClassModem, msgs[6].Class)
	assert.Empty(t, msgs[6].Payload)
	assert.Equal(t, simtrace.TypeStatus, msgs[7].Type)
	assert.Empty(t, msgs[7].Payload)
}

func TestBridge_SelectWithData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	card := &fakeCard{answers: map[string][]byte{
		string([]byte{0xA0, 0xA4, 0x00, 0x00, 0x02, 0x3F, 0x00}): {0x9F, 0x17},
	}}
	b, rec := newBridge(t, card, Config{})

	require.NoError(t, b.HandleMessage(ctx, rxData(t, simtrace.DataTPDUHeader, 0xA0, 0xA4, 0x00, 0x00, 0x02)))
	assert.Equal(t, []simtrace.Data{{Flags: simtrace.DataPBAndRx, Data: []byte{0xA4}}}, txData(t, rec.take()))
	assert.Empty(t, card.sent)

	require.NoError(t, b.HandleMessage(ctx, rxData(t, simtrace.DataFinal, 0x3F, 0x00)))
	assert.Equal(t, []simtrace.Data{
		{Flags: simtrace.DataPBAndTx | simtrace.DataFinal, Data: []byte{0x9F, 0x17}},
	}, txData(t, rec.take()))
	assert.Equal(t, [][]byte{{0xA0, 0xA4, 0x00, 0x00, 0x02, 0x3F, 0x00}}, card.sent)
	assert.Equal(t, iso7816.StatusWord(0x9F17), b.apdu.SW)
	assert.Equal(t, Stats{Commands: 1, Forwarded: 1}, b.Stats())
}

func TestBridge_ReadBinary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	card := &fakeCard{answers: map[string][]byte{
		string([]byte{0xA0, 0xB0, 0x00, 0x00, 0x02}): {0x12, 0x34, 0x90, 0x00},
	}}
	b, rec := newBridge(t, card, Config{})

	require.NoError(t, b.HandleMessage(ctx, rxData(t, simtrace.DataTPDUHeader, 0xA0, 0xB0, 0x00, 0x00, 0x02)))
	assert.Equal(t, []simtrace.Data{
		{Flags: simtrace.DataPBAndTx, Data: []byte{0xB0, 0x12, 0x34}},
		{Flags: simtrace.DataPBAndTx | simtrace.DataFinal, Data: []byte{0x90, 0x00}},
	}, txData(t, rec.take()))
	assert.Equal(t, apdu.Progress{Cur: 2, Tot: 2}, b.apdu.Le)
}

func TestBridge_Rewriter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	readRecord := []byte{0xA0, 0xB2, 0x01, 0x04, 0x06}
	card := &fakeCard{answers: map[string][]byte{
		string(readRecord): {0x41, 0x42, 0xFF, 0xFF, 0xFF, 0xFF, 0x90, 0x00},
	}}
	rules := Rules{{Command: readRecord[:4], Data: []byte{0x5A, 0x5A}, SW: 0x9000, Pad: true}}
	b, rec := newBridge(t, card, Config{Rewriter: rules})

	require.NoError(t, b.HandleMessage(ctx, rxData(t, simtrace.DataTPDUHeader, readRecord...)))
	assert.Equal(t, []simtrace.Data{
		{Flags: simtrace.DataPBAndTx, Data: []byte{0xB2, 0x5A, 0x5A, 0xFF, 0xFF, 0xFF, 0xFF}},
		{Flags: simtrace.DataPBAndTx | simtrace.DataFinal, Data: []byte{0x90, 0x00}},
	}, txData(t, rec.take()))
}

func TestRules(t *testing.T) {
	t.Parallel()

	rules := Rules{
		{Command: []byte{0xA0, 0xF2}, SW: 0x9F16},
		{Command: []byte{0xA0}, Data: []byte{1}, SW: 0x9000},
	}
	data, sw := rules.Rewrite([]byte{0xA0, 0xF2, 0x00, 0x00, 0x16}, []byte{9}, 0x9000)
	assert.Empty(t, data)
	assert.Equal(t, iso7816.StatusWord(0x9F16), sw)

	data, sw = rules.Rewrite([]byte{0xA0, 0xB0, 0x00, 0x00, 0x04}, nil, 0x9000)
	assert.Equal(t, []byte{1}, data)
	assert.Equal(t, iso7816.StatusWord(0x9000), sw)

	data, sw = rules.Rewrite([]byte{0x00, 0xB0, 0x00, 0x00, 0x01}, []byte{7}, 0x6282)
	assert.Equal(t, []byte{7}, data)
	assert.Equal(t, iso7816.StatusWord(0x6282), sw)

	var f Rewriter = RewriterFunc(func(cmd, data []byte, sw iso7816.StatusWord) ([]byte, iso7816.StatusWord) {
		return nil, 0x6A82
	})
	_, sw = f.Rewrite(nil, nil, 0x9000)
	assert.Equal(t, iso7816.StatusWord(0x6A82), sw)
}

func TestBridge_CardFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	card := &fakeCard{err: errors.New("card removed")}
	b, rec := newBridge(t, card, Config{})

	require.NoError(t, b.HandleMessage(ctx, rxData(t, simtrace.DataTPDUHeader, 0xA0, 0xF2, 0x00, 0x00, 0x16)))
	assert.Equal(t, []simtrace.Data{
		{Flags: simtrace.DataPBAndTx | simtrace.DataFinal, Data: []byte{0x6F, 0x00}},
	}, txData(t, rec.take()))
	assert.Equal(t, uint64(1), b.Stats().CardFailures)

	card.err = nil
	card.answers = map[string][]byte{string([]byte{0xA0, 0xF2, 0x00, 0x00, 0x16}): {0x90}}
	require.NoError(t, b.HandleMessage(ctx, rxData(t, simtrace.DataTPDUHeader, 0xA0, 0xF2, 0x00, 0x00, 0x16)))
	assert.Equal(t, []byte{0x6F, 0x00}, txData(t, rec.take())[0].Data)
}

func TestBridge_UnknownCaseIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _ := newBridge(t, &fakeCard{}, Config{})

	err := b.HandleMessage(ctx, rxData(t, simtrace.DataTPDUHeader, 0xA0, 0x01, 0x00, 0x00, 0x00))
	assert.ErrorIs(t, err, errs.ErrFatalBridge)
	assert.ErrorIs(t, err, apdu.ErrUnknownCase)

	err = b.HandleMessage(ctx, rxData(t, simtrace.DataTPDUHeader, 0xA0, 0xA4))
	assert.ErrorIs(t, err, errs.ErrFatalBridge)
	assert.ErrorIs(t, err, iso7816.ErrShortHeader)

	// surfaces through HandleChunk
	raw, err := rxData(t, simtrace.DataTPDUHeader, 0x00, 0x01, 0x00, 0x00, 0x00).MarshalBinary()
	require.NoError(t, err)
	assert.ErrorIs(t, b.HandleChunk(ctx, transport.EndpointData, raw), errs.ErrFatalBridge)
}

func TestBridge_StatusResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	card := &fakeCard{atr: []byte{0x3B, 0x00}}
	b, _ := newBridge(t, card, Config{})

	const (
		vcc   = simtrace.StatusVCCPresent
		clk   = simtrace.StatusCLKActive
		reset = simtrace.StatusResetActive
	)
	steps := []simtrace.StatusFlags{
		0,                 // nothing
		vcc | reset,       // powered, held in reset
		vcc | clk,         // reset released: warm
		vcc | clk,         // no change
		0,                 // power off
		vcc | clk,         // power up without reset: cold
		vcc | clk | reset, // reset asserted
		vcc | clk,         // released again: warm
	}
	for _, s := range steps {
		require.NoError(t, b.HandleMessage(ctx, status(t, s)))
	}
	assert.Equal(t, []iso7816.ResetKind{iso7816.WarmReset, iso7816.ColdReset, iso7816.WarmReset}, card.resets)
	assert.Equal(t, vcc|clk, b.Status())
	assert.Equal(t, uint64(1), b.Stats().ColdResets)
	assert.Equal(t, uint64(2), b.Stats().WarmResets)
}

func TestBridge_FirstStatusPoweredIsCold(t *testing.T) {
	t.Parallel()
	card := &fakeCard{}
	b, _ := newBridge(t, card, Config{})
	require.NoError(t, b.HandleMessage(context.Background(), status(t, simtrace.StatusVCCPresent|simtrace.StatusCLKActive)))
	assert.Equal(t, []iso7816.ResetKind{iso7816.ColdReset}, card.resets)
}

func TestBridge_UnexpectedMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, rec := newBridge(t, &fakeCard{}, Config{})

	tx, err := simtrace.NewMessage(simtrace.ClassCardem, simtrace.TypeTxData, 0, simtrace.Data{})
	require.NoError(t, err)
	assert.ErrorIs(t, b.HandleMessage(ctx, tx), simtrace.ErrUnknownType)

	bogus := simtrace.Message{Class: simtrace.ClassCardem, Type: 0x42}
	assert.ErrorIs(t, b.HandleMessage(ctx, bogus), errs.ErrTransport)

	// neither is fatal on the stream
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	assert.NoError(t, b.HandleChunk(ctx, transport.EndpointData, raw))
	assert.Empty(t, rec.take())
}

func TestBridge_Run(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host, dev := transport.Pipe(8)
	card := &fakeCard{answers: map[string][]byte{
		string([]byte{0xA0, 0xB0, 0x00, 0x00, 0x01}): {0x77, 0x90, 0x00},
	}}
	rec := &recorder{}
	b := New(NewCardem(rec, 0), card, Config{}, WithLogger(logging.Discard()))
	r := transport.NewReceiver(host, nil)
	go r.Run(ctx)

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, r) }()

	// one message split over two transfers
	raw, err := rxData(t, simtrace.DataTPDUHeader, 0xA0, 0xB0, 0x00, 0x00, 0x01).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, dev.Send(ctx, raw[:3]))
	require.NoError(t, dev.Send(ctx, raw[3:]))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.msgs) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []simtrace.Data{
		{Flags: simtrace.DataPBAndTx, Data: []byte{0xB0, 0x77}},
		{Flags: simtrace.DataPBAndTx | simtrace.DataFinal, Data: []byte{0x90, 0x00}},
	}, txData(t, rec.take()))

	// a fatal command ends the session
	raw, err = rxData(t, simtrace.DataTPDUHeader, 0xA0, 0x01, 0x00, 0x00, 0x00).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, dev.Send(ctx, raw))
	assert.ErrorIs(t, <-done, errs.ErrFatalBridge)
}

type traceRecorder struct {
	subs []gsmtap.SubType
	data [][]byte
}

func (r *traceRecorder) Send(sub gsmtap.SubType, data []byte) error {
	r.subs = append(r.subs, sub)
	r.data = append(r.data, append([]byte(nil), data...))
	return nil
}

func TestBridge_Trace(t *testing.T) {
	t.Parallel()
	card := &fakeCard{answers: map[string][]byte{
		string([]byte{0xA0, 0xB0, 0x00, 0x00, 0x01}): {0x77, 0x90, 0x00},
	}}
	tr := &traceRecorder{}
	b, _ := newBridge(t, card, Config{Trace: tr})

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.HandleMessage(context.Background(), rxData(t, simtrace.DataTPDUHeader, 0xA0, 0xB0, 0x00, 0x00, 0x01)))
	assert.Equal(t, []gsmtap.SubType{gsmtap.SubATR, gsmtap.SubAPDU}, tr.subs)
	assert.Equal(t, [][]byte{DefaultATR, {0xA0, 0xB0, 0x00, 0x00, 0x01, 0x77, 0x90, 0x00}}, tr.data)
}
