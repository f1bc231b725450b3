package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
)

// SerialConfig describes a serial port wired to a card I/O line.
//
// The port runs 8 data bits, even parity and two stop bits, the character
// frame of ISO 7816-3 with its guard time. The bit rate follows the card
// clock divided by F/D.
type SerialConfig struct {
	Path    string `yaml:"path"`
	ClockHz uint32 `yaml:"clock_hz"`
	// ResetPulse is how long RST is held low on a reset.
	ResetPulse time.Duration `yaml:"reset_pulse"`
}

// Serial adapts a serial port to both ends of the I/O line.
//
// As the card (UART), bytes are read by Run and pushed to the engine. As
// the reader (iso7816.CardPort), bytes are pulled with ReceiveByte. A
// Serial is used in one role only.
//
// Modem control lines carry the contacts: DTR drives VCC and RTS drives RST
// of a card behind the port; DSR, CTS and DCD sense VCC, RST and CLK of a
// reader in front of it. Towards a phone, RTS drives the modem reset.
type Serial struct {
	port serial.Port
	cfg  SerialConfig
	log  *slog.Logger

	mu    sync.Mutex
	dir   Direction
	ratio uint32
	wt    uint32
}

var (
	_ UART              = (*Serial)(nil)
	_ iso7816.CardPort  = (*Serial)(nil)
	_ iso7816.ResetLine = (*Serial)(nil)
)

// modeFor returns the port settings for a clock divider.
func modeFor(clockHz, ratio uint32) *serial.Mode {
	if clockHz == 0 {
		clockHz = DefaultClockHz
	}
	return &serial.Mode{
		BaudRate: int(clockHz / ratio),
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.TwoStopBits,
	}
}

// OpenSerial opens the port at the default divider of 372.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.ClockHz == 0 {
		cfg.ClockHz = DefaultClockHz
	}
	if cfg.ResetPulse == 0 {
		cfg.ResetPulse = 10 * time.Millisecond
	}
	port, err := serial.Open(cfg.Path, modeFor(cfg.ClockHz, 372))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	return &Serial{
		port:  port,
		cfg:   cfg,
		log:   logging.For(logging.ComponentUART).With("port", cfg.Path),
		ratio: 372,
		wt:    iso7816.DefaultWT,
		dir:   RX | TX,
	}, nil
}

func (s *Serial) Close() error {
	return s.port.Close()
}

func (s *Serial) SendByte(b byte) error {
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()
	if dir&TX == 0 {
		return ErrTxDisabled
	}
	if _, err := s.port.Write([]byte{b}); err != nil {
		return fmt.Errorf("send %02X: %w", b, err)
	}
	return nil
}

func (s *Serial) Enable(dir Direction) error {
	s.mu.Lock()
	prev := s.dir
	s.dir = dir
	s.mu.Unlock()
	if dir&RX != 0 && prev&RX == 0 {
		// bytes received while disabled are not for us
		return s.port.ResetInputBuffer()
	}
	return nil
}

func (s *Serial) SetFiDi(ratio uint32) error {
	if ratio == 0 {
		return fmt.Errorf("FiDi ratio 0: %w", iso7816.ErrInvalidF)
	}
	if err := s.port.Drain(); err != nil {
		return fmt.Errorf("drain before FiDi change: %w", err)
	}
	if err := s.port.SetMode(modeFor(s.cfg.ClockHz, ratio)); err != nil {
		return fmt.Errorf("FiDi %d: %w", ratio, err)
	}
	s.mu.Lock()
	s.ratio = ratio
	s.mu.Unlock()
	s.log.Debug("bit rate changed", "ratio", ratio, "baud", s.cfg.ClockHz/ratio)
	return nil
}

// SetWaitingTime sets the WT used by ReceiveByte.
func (s *Serial) SetWaitingTime(etu uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wt = etu
}

func (s *Serial) waitingTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.wt) * ETU(s.ratio, s.cfg.ClockHz)
}

// ReceiveByte reads one byte, failing with ErrTimeout after WT.
func (s *Serial) ReceiveByte(ctx context.Context) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	wt := s.waitingTime()
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wt {
		wt = time.Until(deadline)
	}
	if err := s.port.SetReadTimeout(wt); err != nil {
		return 0, err
	}
	var buf [1]byte
	n, err := s.port.Read(buf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, ErrTimeout
	}
	return buf[0], nil
}

// Reset drives the contacts of a card behind the port. A cold reset
// cycles VCC first.
func (s *Serial) Reset(ctx context.Context, kind iso7816.ResetKind) error {
	if err := s.port.SetRTS(true); err != nil {
		return fmt.Errorf("assert RST: %w", err)
	}
	if kind == iso7816.ColdReset {
		if err := s.port.SetDTR(false); err != nil {
			return fmt.Errorf("VCC off: %w", err)
		}
		if err := sleep(ctx, s.cfg.ResetPulse); err != nil {
			return err
		}
		if err := s.port.SetDTR(true); err != nil {
			return fmt.Errorf("VCC on: %w", err)
		}
	}
	if err := sleep(ctx, s.cfg.ResetPulse); err != nil {
		return err
	}
	if err := s.port.ResetInputBuffer(); err != nil {
		return err
	}
	if err := s.port.SetRTS(false); err != nil {
		return fmt.Errorf("release RST: %w", err)
	}
	return nil
}

// Signals are the contact levels of a reader in front of the port.
type Signals struct {
	VCC   bool
	Reset bool
	Clock bool
}

func signalsFrom(bits *serial.ModemStatusBits) Signals {
	return Signals{VCC: bits.DSR, Reset: bits.CTS, Clock: bits.DCD}
}

// Signals samples the contact levels.
func (s *Serial) Signals() (Signals, error) {
	bits, err := s.port.GetModemStatusBits()
	if err != nil {
		return Signals{}, fmt.Errorf("modem status: %w", err)
	}
	return signalsFrom(bits), nil
}

// SetModemReset drives the reset line of a modem in front of the port.
func (s *Serial) SetModemReset(asserted bool) error {
	if err := s.port.SetRTS(asserted); err != nil {
		return fmt.Errorf("modem reset: %w", err)
	}
	return nil
}

// pollInterval bounds the blocking of Run's reads so it notices ctx.
const pollInterval = 50 * time.Millisecond

// Run reads the port until ctx is done and hands every byte received while
// RX is enabled to push.
func (s *Serial) Run(ctx context.Context, push func(RxByte)) error {
	if err := s.port.SetReadTimeout(pollInterval); err != nil {
		return err
	}
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := s.port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", s.cfg.Path, err)
		}
		s.mu.Lock()
		rx := s.dir&RX != 0
		s.mu.Unlock()
		if !rx {
			continue
		}
		for _, b := range buf[:n] {
			push(RxByte{Value: b})
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
