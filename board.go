package main

import (
	"context"
	"fmt"

	"github.com/gregLibert/simtrace/pkg/device"
	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/uart"
)

// runDevice plays the board: the phone and the card sit behind serial
// lines, the host is reached over the configured link.
func runDevice(ctx context.Context, args []string) error {
	c := newCommon("device")
	c.linkFlags()
	c.cardFlags()
	mode := c.fs.String("mode", "", "configuration: sniffer, ccid, cardem or mitm")
	phone := c.fs.String("phone", "", "serial `port` towards the phone")
	cardPort := c.fs.String("card", "", "serial `port` towards the card")
	fidi := c.fs.Uint("fidi", 0, "Fi/Di proposed to the card after reset, in `hex` notation 0x..")
	cfg, err := c.load(args)
	if err != nil {
		return err
	}
	if *mode != "" {
		cfg.Device.Mode = *mode
	}
	if *phone != "" {
		cfg.Device.Phone.Path = *phone
	}
	if *cardPort != "" {
		cfg.Device.Card.Path = *cardPort
	}
	if *fidi != 0 {
		if *fidi > 0xFF {
			return fmt.Errorf("-fidi %#x is not a byte", *fidi)
		}
		cfg.Device.FiDi = uint8(*fidi)
	}
	kind, err := cfg.Device.Kind()
	if err != nil {
		return err
	}
	dcfg, err := cfg.DeviceConfig()
	if err != nil {
		return err
	}
	log := logging.For(logging.ComponentCLI).With("mode", kind)

	var lines device.Lines
	if kind != device.KindCcidReader {
		s, err := openSerial("phone", cfg.Device.Phone)
		if err != nil {
			return err
		}
		defer s.Close()
		lines.Phone = s
	}
	if kind == device.KindCcidReader || kind == device.KindMitm {
		s, err := openSerial("card", cfg.Device.Card)
		if err != nil {
			return err
		}
		defer s.Close()
		lines.Card = s
	}

	link, err := openLink(ctx, cfg.Transport)
	if err != nil {
		return err
	}
	defer link.Close()

	m, err := device.Select(kind, dcfg, lines, link)
	if err != nil {
		return err
	}
	log.Info("device running")
	return m.Run(ctx)
}

func openSerial(role string, cfg uart.SerialConfig) (*uart.Serial, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("no serial port towards the %s", role)
	}
	return uart.OpenSerial(cfg)
}
