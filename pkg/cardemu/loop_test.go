package cardemu

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/uart"
)

func TestLoop_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &uart.Recorder{}
	var loop *Loop
	timer := uart.NewClockTimer(uart.DefaultClockHz, func() { loop.HalfTime() }, func() { loop.Expired() })
	card := New(1, rec, timer, WithATR(testATR), WithLogger(logging.Discard()))
	loop = NewLoop(card, 32)

	toHost := make(chan simtrace.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx, func(_ context.Context, m simtrace.Message) error {
			toHost <- m
			return nil
		})
	}()

	var sent []byte
	waitSent := func(want []byte) {
		t.Helper()
		require.Eventually(t, func() bool {
			sent = append(sent, rec.Sent()...)
			return bytes.HasSuffix(sent, want)
		}, time.Second, time.Millisecond, "reader got % X", sent)
	}
	recv := func() simtrace.Message {
		t.Helper()
		select {
		case m := <-toHost:
			return m
		case <-time.After(time.Second):
			t.Fatal("no message for the host")
		}
		return simtrace.Message{}
	}

	loop.Post(Event{Kind: EventSignal, Signal: SignalVCC, Active: true})
	loop.Post(Event{Kind: EventSignal, Signal: SignalCLK, Active: true})
	loop.Post(Event{Kind: EventSignal, Signal: SignalRST, Active: false})
	waitSent(testATR)

	for _, b := range []byte{0xA0, 0xA4, 0x00, 0x00, 0x02} {
		loop.PushRx(uart.RxByte{Value: b})
	}
	m := recv()
	assert.Equal(t, simtrace.TypeRxData, m.Type)
	assert.Equal(t, uint8(1), m.Slot)

	tx, err := simtrace.NewMessage(simtrace.ClassCardem, simtrace.TypeTxData, 1,
		simtrace.Data{Flags: simtrace.DataFinal | simtrace.DataPBAndRx, Data: []byte{0xA4}})
	require.NoError(t, err)
	require.NoError(t, loop.Deliver(ctx, tx))
	waitSent([]byte{0xA4})

	loop.PushRx(uart.RxByte{Value: 0x3F})
	loop.PushRx(uart.RxByte{Value: 0x00})
	m = recv()
	p, err := m.Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3F, 0x00}, p.(*simtrace.Data).Data)

	tx, err = simtrace.NewMessage(simtrace.ClassCardem, simtrace.TypeTxData, 1,
		simtrace.Data{Flags: simtrace.DataFinal, Data: []byte{0x90, 0x00}})
	require.NoError(t, err)
	require.NoError(t, loop.Deliver(ctx, tx))
	waitSent([]byte{0x90, 0x00})

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, loop.Overruns())
}

func TestLoop_SinkErrorStops(t *testing.T) {
	t.Parallel()

	rec := &uart.Recorder{}
	card := New(0, rec, uart.NewWaitingTimer(nil, nil), WithLogger(logging.Discard()))
	loop := NewLoop(card, 4)

	require.NoError(t, loop.Deliver(context.Background(), simtrace.Message{Class: simtrace.ClassCardem, Type: simtrace.TypeStatus}))
	err := loop.Run(context.Background(), func(context.Context, simtrace.Message) error {
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoop_Overrun(t *testing.T) {
	t.Parallel()

	card := New(0, &uart.Recorder{}, uart.NewWaitingTimer(nil, nil), WithLogger(logging.Discard()))
	loop := NewLoop(card, 2)
	for range 5 {
		loop.PushRx(uart.RxByte{Value: 0x00})
	}
	assert.Equal(t, uint64(3), loop.Overruns())
}
