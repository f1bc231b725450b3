// Package config holds the settings of the simtrace tools. They are read
// from an optional YAML file, then overridden by command line flags.
//
// A complete file looks like this:
//
//	log:
//	  level: debug
//	  format: json
//	slot: 0
//	transport:
//	  kind: udp
//	  address: 127.0.0.1:52342
//	gsmtap:
//	  enabled: true
//	  host: 127.0.0.1
//	capture: trace.cbor
//	cardem:
//	  atr: 3B 80 80 81 1F C7 59
//	  reset_pulse: 300ms
//	  reader: "0"
//	  rewrite:
//	    - command: A0 B2 01 04
//	      data: 5A 5A
//	      sw: "9000"
//	      pad: true
//	device:
//	  mode: sniffer
//	  phone:
//	    path: /dev/ttyUSB0
//	  card:
//	    path: /dev/ttyUSB1
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gregLibert/simtrace/pkg/bridge"
	"github.com/gregLibert/simtrace/pkg/device"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/reader"
	"github.com/gregLibert/simtrace/pkg/tlv"
	"github.com/gregLibert/simtrace/pkg/transport"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Transport kinds.
const (
	TransportUDP  = "udp"
	TransportQUIC = "quic"
)

// Hex is a byte string written as hex text, "3B 80 80 01" or "3B808001".
type Hex []byte

func (h *Hex) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: hex string expected", node.Line)
	}
	b, err := tlv.ParseHex(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*h = b
	return nil
}

func (h Hex) MarshalYAML() (any, error) {
	return h.String(), nil
}

func (h Hex) String() string {
	return strings.ToUpper(hex.EncodeToString(h))
}

// Config is the whole configuration.
type Config struct {
	Log       Log       `yaml:"log"`
	Slot      uint8     `yaml:"slot"`
	Transport Transport `yaml:"transport"`
	GSMTAP    GSMTAP    `yaml:"gsmtap"`
	// Capture is the file traces are recorded to, none when empty.
	Capture string `yaml:"capture"`
	Cardem  Cardem `yaml:"cardem"`
	Device  Device `yaml:"device"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Apply sets the level and format of every logger, writing to w.
func (l Log) Apply(w io.Writer) error {
	level, format, err := l.parse()
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	logging.SetOutput(w, format)
	return nil
}

func (l Log) parse() (slog.Level, logging.Format, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, 0, fmt.Errorf("%w: log level: %w", ErrInvalid, err)
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return level, format, nil
}

// Transport is the link to the device.
type Transport struct {
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
	// Server listens instead of dialing.
	Server bool `yaml:"server"`
	// Interface is added to the default port, as usb2udp does for each
	// USB interface.
	Interface int           `yaml:"interface"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	// InFlight is the number of reads kept pending on the data link.
	InFlight int `yaml:"in_flight"`
}

func (t Transport) UDP() transport.UDPConfig {
	return transport.UDPConfig{
		Address:   t.Address,
		Server:    t.Server,
		Interface: t.Interface,
	}
}

func (t Transport) QUIC() transport.QUICConfig {
	return transport.QUICConfig{
		Address:   t.Address,
		KeepAlive: t.KeepAlive,
	}
}

type GSMTAP struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
}

// Cardem configures the card emulation bridge of the host.
type Cardem struct {
	// ATR presented to the phone, the default one when empty.
	ATR Hex `yaml:"atr"`
	// CardATR presents the ATR of the real card.
	CardATR bool `yaml:"card_atr"`
	// SkipATR keeps the ATR the device already has.
	SkipATR bool `yaml:"skip_atr"`
	// ResetPulse is the modem reset pulse sent at start. Negative
	// disables it.
	ResetPulse time.Duration `yaml:"reset_pulse"`
	// Reader is the index or part of the name of the PC/SC reader.
	Reader    string `yaml:"reader"`
	Exclusive bool   `yaml:"exclusive"`
	Rewrite   []Rule `yaml:"rewrite"`
}

// Rule replaces the answer of the card to the commands starting with
// Command.
type Rule struct {
	Command Hex  `yaml:"command"`
	Data    Hex  `yaml:"data"`
	SW      Hex  `yaml:"sw"`
	Pad     bool `yaml:"pad"`
}

// Rules converts the rewrite rules, nil when there are none.
func (c Cardem) Rules() (bridge.Rules, error) {
	if len(c.Rewrite) == 0 {
		return nil, nil
	}
	rules := make(bridge.Rules, 0, len(c.Rewrite))
	for i, r := range c.Rewrite {
		if len(r.Command) == 0 {
			return nil, fmt.Errorf("%w: rewrite rule %d: empty command", ErrInvalid, i)
		}
		if len(r.SW) != 2 {
			return nil, fmt.Errorf("%w: rewrite rule %d: status word %s is not 2 bytes", ErrInvalid, i, r.SW)
		}
		rules = append(rules, bridge.Rule{
			Command: r.Command,
			Data:    r.Data,
			SW:      iso7816.NewStatusWord(r.SW[0], r.SW[1]),
			Pad:     r.Pad,
		})
	}
	return rules, nil
}

// Bridge returns the bridge configuration, without its tracer.
func (c Cardem) Bridge() (bridge.Config, error) {
	rules, err := c.Rules()
	if err != nil {
		return bridge.Config{}, err
	}
	cfg := bridge.Config{
		ATR:        c.ATR,
		CardATR:    c.CardATR,
		SkipATR:    c.SkipATR,
		ResetPulse: c.ResetPulse,
	}
	if rules != nil {
		cfg.Rewriter = rules
	}
	return cfg, nil
}

func (c Cardem) ReaderConfig() reader.Config {
	return reader.Config{Reader: c.Reader, Exclusive: c.Exclusive}
}

// Device configures the device side, run on serial lines.
type Device struct {
	// Mode is a configuration name or number, see device.ParseKind.
	Mode  string            `yaml:"mode"`
	Phone uart.SerialConfig `yaml:"phone"`
	Card  uart.SerialConfig `yaml:"card"`
	// RxRing is the number of received bytes the engine may lag behind.
	RxRing       int           `yaml:"rx_ring"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// FiDi is proposed to the card after each reset, 0 keeps the default
	// rate.
	FiDi uint8 `yaml:"fidi"`
}

func (d Device) Kind() (device.Kind, error) {
	k, err := device.ParseKind(d.Mode)
	if err != nil {
		return 0, fmt.Errorf("%w: device mode: %w", ErrInvalid, err)
	}
	return k, nil
}

// DeviceConfig returns the settings of a device mode. The emulated card
// takes its ATR and rewrite rules from the cardem section.
func (c Config) DeviceConfig() (device.Config, error) {
	cfg := device.Config{
		Slot:         c.Slot,
		ClockHz:      c.Device.Phone.ClockHz,
		RxRing:       c.Device.RxRing,
		PollInterval: c.Device.PollInterval,
		ATR:          c.Cardem.ATR,
		FiDi:         c.Device.FiDi,
	}
	rules, err := c.Cardem.Rules()
	if err != nil {
		return device.Config{}, err
	}
	if rules != nil {
		cfg.Rewrite = rules
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log: Log{Level: "info", Format: "text"},
		Transport: Transport{
			Kind:     TransportUDP,
			InFlight: transport.DefaultDataInFlight,
		},
		GSMTAP: GSMTAP{Host: "127.0.0.1"},
		Cardem: Cardem{ResetPulse: bridge.DefaultResetPulse},
		Device: Device{
			Mode:         device.KindSniffer.String(),
			Phone:        uart.SerialConfig{ClockHz: uart.DefaultClockHz},
			Card:         uart.SerialConfig{ClockHz: uart.DefaultClockHz},
			RxRing:       device.DefaultRxRing,
			PollInterval: device.DefaultPollInterval,
		},
	}
}

// Load reads the file at path over the defaults. Unknown keys are
// rejected. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r into cfg and validates the result.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Validate checks the values that cannot be checked by their type.
func (c Config) Validate() error {
	if _, _, err := c.Log.parse(); err != nil {
		return err
	}
	switch c.Transport.Kind {
	case TransportUDP, TransportQUIC:
	default:
		return fmt.Errorf("%w: transport kind %q", ErrInvalid, c.Transport.Kind)
	}
	if c.Transport.InFlight < 0 {
		return fmt.Errorf("%w: in_flight %d", ErrInvalid, c.Transport.InFlight)
	}
	if len(c.Cardem.ATR) > iso7816.MaxATRLength {
		return fmt.Errorf("%w: ATR of %d bytes: %w", ErrInvalid, len(c.Cardem.ATR), iso7816.ErrATRTooLong)
	}
	if c.Cardem.CardATR && c.Cardem.SkipATR {
		return fmt.Errorf("%w: card_atr and skip_atr are exclusive", ErrInvalid)
	}
	if _, err := c.Cardem.Rules(); err != nil {
		return err
	}
	if c.GSMTAP.Enabled && c.GSMTAP.Host == "" {
		return fmt.Errorf("%w: gsmtap enabled without host", ErrInvalid)
	}
	if c.Device.Mode != "" {
		if _, err := c.Device.Kind(); err != nil {
			return err
		}
	}
	return nil
}
