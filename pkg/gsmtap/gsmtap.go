// Package gsmtap sends SIM traces as GSMTAP datagrams, which Wireshark
// decodes as GSM 11.11 / ETSI TS 102 221 exchanges.
package gsmtap

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/logging"
)

// Port is the UDP port GSMTAP is sent to.
const Port = 4729

// Header values.
const (
	Version      = 2
	TypeSIM      = 0x04
	HeaderLength = 16
)

// SubType qualifies the payload of a SIM datagram.
type SubType uint8

const (
	SubAPDU      SubType = 0x00
	SubATR       SubType = 0x01
	SubPPSReq    SubType = 0x02
	SubPPSRsp    SubType = 0x03
	SubTPDUHdr   SubType = 0x04
	SubTPDUCmd   SubType = 0x05
	SubTPDURsp   SubType = 0x06
	SubTPDURspSW SubType = 0x07
)

func (s SubType) String() string {
	switch s {
	case SubAPDU:
		return "APDU"
	case SubATR:
		return "ATR"
	case SubPPSReq:
		return "PPS_REQ"
	case SubPPSRsp:
		return "PPS_RSP"
	case SubTPDUHdr:
		return "TPDU_HDR"
	case SubTPDUCmd:
		return "TPDU_CMD"
	case SubTPDURsp:
		return "TPDU_RSP"
	case SubTPDURspSW:
		return "TPDU_RSP_SW"
	default:
		return fmt.Sprintf("SubType(%d)", uint8(s))
	}
}

// Encode builds a datagram:
//
//	version u8 | hdr_len u8 (32 bit words) | type u8 | timeslot u8 |
//	arfcn u16 | signal_dbm i8 | snr_db i8 | frame_number u32 |
//	sub_type u8 | antenna_nr u8 | sub_slot u8 | res u8 | data
//
// Fields unused by SIM traces are zero.
func Encode(sub SubType, data []byte) []byte {
	buf := make([]byte, HeaderLength, HeaderLength+len(data))
	buf[0] = Version
	buf[1] = HeaderLength / 4
	buf[2] = TypeSIM
	binary.BigEndian.PutUint16(buf[4:6], 0)
	binary.BigEndian.PutUint32(buf[8:12], 0)
	buf[12] = byte(sub)
	return append(buf, data...)
}

// Decode splits a datagram into its sub type and payload.
func Decode(b []byte) (SubType, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("%w: GSMTAP datagram of %d bytes", errs.ErrFraming, len(b))
	}
	hl := int(b[1]) * 4
	if b[0] != Version || b[2] != TypeSIM || hl < HeaderLength || len(b) < hl {
		return 0, nil, fmt.Errorf("%w: not a GSMTAP v2 SIM datagram", errs.ErrFraming)
	}
	return SubType(b[12]), b[hl:], nil
}

// Sink sends datagrams to one collector.
type Sink struct {
	conn net.Conn
	log  *slog.Logger
}

// Dial returns a sink sending to host, at Port unless host names one.
func Dial(host string) (*Sink, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(Port))
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to open GSMTAP: %w", err)
	}
	s := &Sink{conn: conn, log: logging.For(logging.ComponentGSMTAP)}
	s.log.Info("gsmtap sink", "addr", conn.RemoteAddr())
	return s, nil
}

// Send sends one datagram.
func (s *Sink) Send(sub SubType, data []byte) error {
	if _, err := s.conn.Write(Encode(sub, data)); err != nil {
		return fmt.Errorf("write gsmtap: %w", err)
	}
	s.log.Debug("sent", "sub_type", sub, logging.Hex("data", data))
	return nil
}

func (s *Sink) Close() error {
	return s.conn.Close()
}
