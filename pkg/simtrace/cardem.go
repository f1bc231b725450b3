package simtrace

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gregLibert/simtrace/pkg/iso7816"
)

// DataFlags qualify the bytes of a TX_DATA or RX_DATA message.
type DataFlags uint32

const (
	// DataTPDUHeader: RX data is the 5 byte header of a new TPDU.
	DataTPDUHeader DataFlags = 1 << 0
	// DataFinal: last part of the TPDU; after TX the card waits for the
	// next header.
	DataFinal DataFlags = 1 << 1
	// DataPBAndTx: the first TX byte is a procedure byte, the rest is
	// response data for the reader.
	DataPBAndTx DataFlags = 1 << 2
	// DataPBAndRx: the TX byte is a procedure byte after which the card
	// receives command data from the reader.
	DataPBAndRx DataFlags = 1 << 3
)

var dataFlagNames = []flagName{
	{uint32(DataTPDUHeader), "TPDU_HDR"},
	{uint32(DataFinal), "FINAL"},
	{uint32(DataPBAndTx), "PB_AND_TX"},
	{uint32(DataPBAndRx), "PB_AND_RX"},
}

func (f DataFlags) String() string {
	return formatFlags(uint32(f), dataFlagNames, "|")
}

// StatusFlags are the card interface signals reported in STATUS.
type StatusFlags uint32

const (
	StatusVCCPresent  StatusFlags = 1 << 0
	StatusCLKActive   StatusFlags = 1 << 1
	StatusRCEMUActive StatusFlags = 1 << 2
	StatusCardInsert  StatusFlags = 1 << 3
	StatusResetActive StatusFlags = 1 << 4
)

var statusFlagNames = []flagName{
	{uint32(StatusVCCPresent), "VCC"},
	{uint32(StatusCLKActive), "CLK"},
	{uint32(StatusRCEMUActive), "RCEMU"},
	{uint32(StatusCardInsert), "CARD_INSERT"},
	{uint32(StatusResetActive), "RESET"},
}

func (f StatusFlags) String() string {
	return formatFlags(uint32(f), statusFlagNames, "|")
}

// Has reports whether all bits of o are set.
func (f StatusFlags) Has(o StatusFlags) bool {
	return f&o == o
}

// Features enabled with a CONFIG message.
const (
	// FeatureStatusIRQ makes the device report signal changes unprompted.
	FeatureStatusIRQ uint32 = 1 << 0
)

// Data is the body of TX_DATA and RX_DATA:
//
//	flags u32 | data_len u16 | data
type Data struct {
	Flags DataFlags
	Data  []byte
}

func (d Data) MarshalBinary() ([]byte, error) {
	if len(d.Data) > MaxMessageLength-HeaderLength-6 {
		return nil, fmt.Errorf("%d data bytes: %w", len(d.Data), ErrTooLong)
	}
	buf := make([]byte, 0, 6+len(d.Data))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(d.Flags))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(d.Data)))
	return append(buf, d.Data...), nil
}

func (d *Data) UnmarshalBinary(data []byte) error {
	if len(data) < 6 {
		return fmt.Errorf("data header: %w", ErrShortPayload)
	}
	n := int(binary.LittleEndian.Uint16(data[4:6]))
	if len(data) < 6+n {
		return fmt.Errorf("data_len %d, have %d: %w", n, len(data)-6, ErrShortPayload)
	}
	d.Flags = DataFlags(binary.LittleEndian.Uint32(data[0:4]))
	d.Data = append([]byte(nil), data[6:6+n]...)
	return nil
}

// SetATR is the body of SET_ATR: atr_len u8 | atr.
type SetATR struct {
	ATR []byte
}

func (s SetATR) MarshalBinary() ([]byte, error) {
	if len(s.ATR) > iso7816.MaxATRLength {
		return nil, fmt.Errorf("%d ATR bytes: %w", len(s.ATR), iso7816.ErrATRTooLong)
	}
	return append([]byte{byte(len(s.ATR))}, s.ATR...), nil
}

func (s *SetATR) UnmarshalBinary(data []byte) error {
	if len(data) < 1 || len(data) < 1+int(data[0]) {
		return fmt.Errorf("ATR: %w", ErrShortPayload)
	}
	s.ATR = append([]byte(nil), data[1:1+int(data[0])]...)
	return nil
}

// Stats is the body of STATS: counters of the emulated card.
type Stats struct {
	TxBytes uint32
	RxBytes uint32
	PPS     uint32
}

func (s Stats) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 12)
	buf = binary.LittleEndian.AppendUint32(buf, s.TxBytes)
	buf = binary.LittleEndian.AppendUint32(buf, s.RxBytes)
	return binary.LittleEndian.AppendUint32(buf, s.PPS), nil
}

func (s *Stats) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("stats: %w", ErrShortPayload)
	}
	s.TxBytes = binary.LittleEndian.Uint32(data[0:4])
	s.RxBytes = binary.LittleEndian.Uint32(data[4:8])
	s.PPS = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// Status is the body of STATUS:
//
//	flags u32 | voltage_mv u16 | fi u8 | di u8 | wi u8 | waiting_time u32
//
// Fi and Di carry the table indices (ISO 7816-3 Tables 7 and 8) of the F
// and D in use.
type Status struct {
	Flags       StatusFlags
	VoltageMV   uint16
	Fi          uint8
	Di          uint8
	WI          uint8
	WaitingTime uint32
}

const statusLength = 13

func (s Status) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, statusLength)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Flags))
	buf = binary.LittleEndian.AppendUint16(buf, s.VoltageMV)
	buf = append(buf, s.Fi, s.Di, s.WI)
	return binary.LittleEndian.AppendUint32(buf, s.WaitingTime), nil
}

func (s *Status) UnmarshalBinary(data []byte) error {
	if len(data) < statusLength {
		return fmt.Errorf("status: %w", ErrShortPayload)
	}
	s.Flags = StatusFlags(binary.LittleEndian.Uint32(data[0:4]))
	s.VoltageMV = binary.LittleEndian.Uint16(data[4:6])
	s.Fi, s.Di, s.WI = data[6], data[7], data[8]
	s.WaitingTime = binary.LittleEndian.Uint32(data[9:13])
	return nil
}

func (s Status) String() string {
	return fmt.Sprintf("flags=%s fi=%d di=%d wi=%d wtime=%d", s.Flags, s.Fi, s.Di, s.WI, s.WaitingTime)
}

// CardInsert is the body of CARDINSERT.
type CardInsert struct {
	Inserted bool
}

func (c CardInsert) MarshalBinary() ([]byte, error) {
	if c.Inserted {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (c *CardInsert) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("card insert: %w", ErrShortPayload)
	}
	c.Inserted = data[0] != 0
	return nil
}

// PTSInfo is the body of PTS: pts_len u8 | req[6] | resp[6]. Both request
// and response are serialized without their absent PTS1..3 bytes.
type PTSInfo struct {
	Len  uint8
	Req  [iso7816.MaxPPSLength]byte
	Resp [iso7816.MaxPPSLength]byte
}

const ptsInfoLength = 1 + 2*iso7816.MaxPPSLength

// NewPTSInfo serializes a request and the response sent for it.
func NewPTSInfo(req, resp iso7816.PPS) PTSInfo {
	var p PTSInfo
	r := req.Bytes()
	p.Len = uint8(copy(p.Req[:], r))
	copy(p.Resp[:], resp.Bytes())
	return p
}

// Request returns the serialized request bytes.
func (p PTSInfo) Request() []byte {
	return p.Req[:min(int(p.Len), len(p.Req))]
}

func (p PTSInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, ptsInfoLength)
	buf = append(buf, p.Len)
	buf = append(buf, p.Req[:]...)
	return append(buf, p.Resp[:]...), nil
}

func (p *PTSInfo) UnmarshalBinary(data []byte) error {
	if len(data) < ptsInfoLength {
		return fmt.Errorf("pts info: %w", ErrShortPayload)
	}
	p.Len = data[0]
	copy(p.Req[:], data[1:7])
	copy(p.Resp[:], data[7:13])
	return nil
}

// Config is the body of CONFIG: features u32.
type Config struct {
	Features uint32
}

func (c Config) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, c.Features), nil
}

func (c *Config) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("config: %w", ErrShortPayload)
	}
	c.Features = binary.LittleEndian.Uint32(data)
	return nil
}

type flagName struct {
	bit  uint32
	name string
}

func formatFlags(v uint32, names []flagName, sep string) string {
	if v == 0 {
		return "0"
	}
	var parts []string
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
			v &^= n.bit
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", v))
	}
	return strings.Join(parts, sep)
}
