package device

import (
	"context"
	"time"

	"github.com/gregLibert/simtrace/pkg/uart"
)

// contacts samples the contact levels of a line.
type contacts interface {
	Signals() (uart.Signals, error)
}

// watch samples c every interval until ctx is done. change gets the first
// sample with first set, then every sample that differs from the previous
// one.
func watch(ctx context.Context, c contacts, interval time.Duration, change func(prev, cur uart.Signals, first bool)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev uart.Signals
	first := true
	for {
		cur, err := c.Signals()
		if err != nil {
			return err
		}
		if first || cur != prev {
			change(prev, cur, first)
			prev, first = cur, false
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// timedLine keeps the ETU of a clock timer in step with the bit rate of
// the line.
type timedLine struct {
	uart.UART
	timer *uart.ClockTimer
}

func (l timedLine) SetFiDi(ratio uint32) error {
	if err := l.UART.SetFiDi(ratio); err != nil {
		return err
	}
	return l.timer.SetFiDi(ratio)
}
