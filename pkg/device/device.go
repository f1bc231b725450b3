// Package device runs the functions of a SIMtrace board on serial lines.
// The host selects one function per configuration: the device then sniffs
// a phone and its card, emulates a card towards a phone, acts as a reader
// for a card, or sits between a phone and a card.
package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gregLibert/simtrace/pkg/bridge"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/transport"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// Kind is a configuration number of the device.
type Kind uint8

const (
	KindSniffer      Kind = 1
	KindCcidReader   Kind = 2
	KindCardEmulator Kind = 3
	KindMitm         Kind = 4
)

var kindNames = map[Kind]string{
	KindSniffer:      "sniffer",
	KindCcidReader:   "ccid",
	KindCardEmulator: "cardem",
	KindMitm:         "mitm",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ErrUnknownKind is returned for configurations the device does not have.
var ErrUnknownKind = errors.New("unknown device configuration")

// ParseKind accepts a configuration name or number.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if s == name {
			return k, nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		if _, ok := kindNames[Kind(n)]; ok {
			return Kind(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Defaults of Config.
const (
	DefaultRxRing       = 512
	DefaultPollInterval = 10 * time.Millisecond
)

// Config configures a mode.
type Config struct {
	Slot uint8
	// ClockHz is the card clock, uart.DefaultClockHz when zero.
	ClockHz uint32
	// RxRing is the number of received bytes the engine may lag behind.
	RxRing int
	// PollInterval is how often contact levels are sampled.
	PollInterval time.Duration
	// ATR is the ATR of an emulated card.
	ATR []byte
	// FiDi is proposed to a card with a PPS after each reset. Zero keeps
	// the default rate.
	FiDi byte
	// Rewrite alters the answers of the card in the Mitm mode.
	Rewrite bridge.Rewriter
}

func (c Config) withDefaults() Config {
	if c.ClockHz == 0 {
		c.ClockHz = uart.DefaultClockHz
	}
	if c.RxRing <= 0 {
		c.RxRing = DefaultRxRing
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Line is the serial line towards a phone, with its contacts.
type Line interface {
	uart.UART
	// Run pushes the received bytes until ctx is done.
	Run(ctx context.Context, push func(uart.RxByte)) error
	Signals() (uart.Signals, error)
}

// CardLine is the serial line towards a card.
type CardLine interface {
	iso7816.CardPort
	iso7816.ResetLine
}

var (
	_ Line     = (*uart.Serial)(nil)
	_ CardLine = (*uart.Serial)(nil)
)

// Lines are the serial lines of the board. A mode uses Phone, Card or both.
type Lines struct {
	Phone Line
	Card  CardLine
}

// Mode is the function of the device in one configuration.
type Mode interface {
	Kind() Kind
	// Run works until ctx is done, exchanging messages with the host over
	// the link given at creation.
	Run(ctx context.Context) error
}

// ErrMissingLine is returned when a mode lacks one of its lines.
var ErrMissingLine = errors.New("serial line missing")

// Select builds the mode of configuration kind.
func Select(kind Kind, cfg Config, lines Lines, link transport.Conn) (Mode, error) {
	needPhone := kind == KindSniffer || kind == KindCardEmulator || kind == KindMitm
	needCard := kind == KindCcidReader || kind == KindMitm
	if _, ok := kindNames[kind]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if needPhone && lines.Phone == nil {
		return nil, fmt.Errorf("%s: phone %w", kind, ErrMissingLine)
	}
	if needCard && lines.Card == nil {
		return nil, fmt.Errorf("%s: card %w", kind, ErrMissingLine)
	}

	switch kind {
	case KindSniffer:
		return NewSniffer(cfg, lines.Phone, link), nil
	case KindCcidReader:
		return NewCcidReader(cfg, lines.Card, link), nil
	case KindCardEmulator:
		return NewCardEmulator(cfg, lines.Phone, link), nil
	default:
		return NewMitm(cfg, lines.Phone, lines.Card, link), nil
	}
}

// Slot is what the device knows of a card slot.
type Slot struct {
	Number   uint8
	VCC      bool
	Reset    bool
	Clock    bool
	Inserted bool
}

// StatusFlags returns the slot as the flags of a STATUS report.
func (s Slot) StatusFlags() simtrace.StatusFlags {
	var f simtrace.StatusFlags
	if s.VCC {
		f |= simtrace.StatusVCCPresent
	}
	if s.Clock {
		f |= simtrace.StatusCLKActive
	}
	if s.Reset {
		f |= simtrace.StatusResetActive
	}
	if s.Inserted {
		f |= simtrace.StatusCardInsert
	}
	return f
}

// runAll runs every task until the first one fails or ctx is done. A task
// ending without error does not stop the others.
func runAll(ctx context.Context, tasks ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	for _, task := range tasks {
		wg.Go(func() {
			err := task(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			mu.Lock()
			if first == nil {
				first = err
			}
			mu.Unlock()
			cancel()
		})
	}
	wg.Wait()
	return first
}
