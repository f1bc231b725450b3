package cardemu

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/ring"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// EventKind is an asynchronous input of the engine other than a byte.
type EventKind int

const (
	EventSignal EventKind = iota
	EventHalfTime
	EventExpired
)

// Event is delivered to the loop by timers and contact sensing.
type Event struct {
	Kind   EventKind
	Signal Signal
	Active bool
}

// Loop owns a Card and serializes everything that drives it. Received
// bytes arrive through a Ring filled by the UART reader; timer, contact and
// host inputs arrive through channels. Only the goroutine in Run touches
// the Card.
type Loop struct {
	card   *Card
	rx     *ring.Ring[uart.RxByte]
	wake   chan struct{}
	events chan Event
	done   chan struct{}
	host   chan simtrace.Message
	log    *slog.Logger

	overruns atomic.Uint64
}

// NewLoop returns a loop for card with room for rxSize unread bytes.
func NewLoop(card *Card, rxSize int) *Loop {
	return &Loop{
		card:   card,
		rx:     ring.New[uart.RxByte](rxSize),
		wake:   make(chan struct{}, 1),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		host:   make(chan simtrace.Message, 8),
		log:    logging.For(logging.ComponentCardEmu).With("slot", card.slot),
	}
}

// PushRx queues a received byte. It is the producer side of the RX ring
// and never blocks; a full ring drops the byte as a receiver overrun.
func (l *Loop) PushRx(b uart.RxByte) {
	if !l.rx.Push(b) {
		l.overruns.Add(1)
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post queues an event. Events posted after Run returned are dropped.
func (l *Loop) Post(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// HalfTime and Expired are meant as uart.ClockTimer callbacks.
func (l *Loop) HalfTime() { l.Post(Event{Kind: EventHalfTime}) }
func (l *Loop) Expired() { l.Post(Event{Kind: EventExpired}) }

// Deliver hands a host command to the loop.
func (l *Loop) Deliver(ctx context.Context, m simtrace.Message) error {
	select {
	case l.host <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the card until ctx is done. Messages for the host are passed
// to sink in order.
func (l *Loop) Run(ctx context.Context, sink func(context.Context, simtrace.Message) error) error {
	defer close(l.done)
	for {
		if err := l.step(ctx, sink); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		case ev := <-l.events:
			// bytes already received come before the event
			l.drain()
			l.apply(ev)
		case m := <-l.host:
			if err := l.card.HandleMessage(m); err != nil {
				l.log.Warn("host command ignored", "msg", m.Header(), logging.Err(err))
			}
		}
	}
}

func (l *Loop) drain() {
	for {
		b, ok := l.rx.Pop()
		if !ok {
			return
		}
		l.card.ReceiveByte(b)
	}
}

// step drains received bytes, fills the transmitter and forwards queued
// messages.
func (l *Loop) step(ctx context.Context, sink func(context.Context, simtrace.Message) error) error {
	l.drain()
	for l.card.TxByte() {
	}
	out := l.card.Outbound()
	for {
		m, ok := out.Pop()
		if !ok {
			return nil
		}
		if err := sink(ctx, m); err != nil {
			return err
		}
	}
}

func (l *Loop) apply(ev Event) {
	switch ev.Kind {
	case EventSignal:
		l.card.SetSignal(ev.Signal, ev.Active)
	case EventHalfTime:
		l.card.WaitingTimeHalved()
	case EventExpired:
		l.card.WaitingTimeExpired()
	}
}

// Overruns returns how many bytes were lost to a full RX ring.
func (l *Loop) Overruns() uint64 {
	return l.overruns.Load()
}
