package sniff

import (
	"context"
	"sync/atomic"

	"github.com/gregLibert/simtrace/pkg/ring"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// Event is a contact change, or a waiting time expiry when Expired is set.
type Event struct {
	Signal  Signal
	Active  bool
	Expired bool
}

// Loop serializes the inputs of a Sniffer: bytes through a Ring filled by
// the receiver, contact and timer events through a channel.
type Loop struct {
	sniffer *Sniffer
	rx      *ring.Ring[uart.RxByte]
	wake    chan struct{}
	events  chan Event
	done    chan struct{}

	overruns atomic.Uint64
}

// NewLoop returns a loop for s with room for rxSize unread bytes.
func NewLoop(s *Sniffer, rxSize int) *Loop {
	return &Loop{
		sniffer: s,
		rx:      ring.New[uart.RxByte](rxSize),
		wake:    make(chan struct{}, 1),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
}

// PushRx queues a received byte without blocking. A full ring drops it.
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

// Expired is meant as a uart.ClockTimer callback.
func (l *Loop) Expired() { l.Post(Event{Expired: true}) }

// Run drives the sniffer until ctx is done, passing its messages to sink.
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
			if ev.Expired {
				l.sniffer.WaitingTimeExpired()
			} else {
				l.sniffer.SetSignal(ev.Signal, ev.Active)
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
		l.sniffer.ReceiveByte(b)
	}
}

func (l *Loop) step(ctx context.Context, sink func(context.Context, simtrace.Message) error) error {
	l.drain()
	out := l.sniffer.Outbound()
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

// Overruns returns how many bytes were lost to a full RX ring.
func (l *Loop) Overruns() uint64 {
	return l.overruns.Load()
}
