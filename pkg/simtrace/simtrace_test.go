package simtrace

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/iso7816"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

func TestHeader_MarshalBinary(t *testing.T) {
	t.Parallel()

	h := Header{Class: ClassCardem, Type: TypeRxData, Seq: 3, Length: 0x0E}
	out, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "01060300 0000 0E00"), out)

	var back Header
	require.NoError(t, back.UnmarshalBinary(out))
	assert.Equal(t, h, back)
	assert.Equal(t, "CARDEM/RX_DATA seq=3 slot=0 len=14", back.String())
}

func TestHeader_UnmarshalBinary_Errors(t *testing.T) {
	t.Parallel()

	var h Header
	err := h.UnmarshalBinary([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortMessage)
	assert.ErrorIs(t, err, errs.ErrTransport)

	err = h.UnmarshalBinary(mustHex(t, "01060000 0000 0400"))
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	m, err := NewMessage(ClassCardem, TypeTxData, 0, Data{Flags: DataFinal, Data: []byte{0x90, 0x00}})
	require.NoError(t, err)
	out, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "01010000 0000 1000 02000000 0200 9000"), out)

	var back Message
	require.NoError(t, back.UnmarshalBinary(out))
	assert.Equal(t, m.Header(), back.Header())

	p, err := back.Decode()
	require.NoError(t, err)
	assert.Equal(t, &Data{Flags: DataFinal, Data: []byte{0x90, 0x00}}, p)
}

func TestMessage_UnmarshalBinary_LengthMismatch(t *testing.T) {
	t.Parallel()

	var m Message
	err := m.UnmarshalBinary(mustHex(t, "01010000 0000 1000 0200"))
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestMessage_Decode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		class   Class
		typ     Type
		payload Payload
	}{
		{"set atr", ClassCardem, TypeSetATR, &SetATR{ATR: iso7816.DefaultEmulatedATR}},
		{"status", ClassCardem, TypeStatus, &Status{Flags: StatusVCCPresent | StatusCLKActive, VoltageMV: 3300, Fi: 1, Di: 1, WI: 10, WaitingTime: 9600}},
		{"stats", ClassCardem, TypeStats, &Stats{TxBytes: 10, RxBytes: 20, PPS: 1}},
		{"card insert", ClassCardem, TypeCardInsert, &CardInsert{Inserted: true}},
		{"pts", ClassCardem, TypePTS, ptsInfo(iso7816.NewPPS(0, 0x94))},
		{"config", ClassCardem, TypeConfig, &Config{Features: FeatureStatusIRQ}},
		{"rx data", ClassCardem, TypeRxData, &Data{Flags: DataTPDUHeader, Data: mustHex(t, "A0A4000002")}},
		{"error", ClassGeneric, TypeDoError, &ErrorReport{Severity: 2, Subsystem: 1, Code: 7, Msg: "overrun"}},
		{"modem reset", ClassModem, TypeModemReset, &ModemReset{Action: ResetPulse, PulseMS: 300}},
		{"sim select", ClassModem, TypeSIMSelect, &SIMSelect{Remote: true}},
		{"modem status", ClassModem, TypeModemStatus, &ModemStatus{Supported: 3, Status: ModemCardInserted, Changed: ModemCardInserted}},
		{"sniff change", ClassSniff, TypeSniffChange, &SniffChange{Flags: ChangeCardInsert | ChangeResetDeassert}},
		{"sniff fidi", ClassSniff, TypeSniffFiDi, &SniffFiDi{FiDi: 0x94}},
		{"sniff atr", ClassSniff, TypeSniffATR, &SniffData{Flags: SniffChecksum, Data: []byte{0x3B, 0x00}}},
		{"sniff tpdu", ClassSniff, TypeSniffTPDU, &SniffData{Data: mustHex(t, "A0A40000023F009F16")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := NewMessage(tt.class, tt.typ, 1, tt.payload)
			require.NoError(t, err)
			got, err := m.Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func ptsInfo(p iso7816.PPS) *PTSInfo {
	info := NewPTSInfo(p, p)
	return &info
}

func TestMessage_Decode_Errors(t *testing.T) {
	t.Parallel()

	_, err := Message{Class: ClassCardem, Type: 0x42}.Decode()
	require.ErrorIs(t, err, ErrUnknownType)
	assert.ErrorIs(t, err, errs.ErrTransport)

	_, err = Message{Class: ClassCardem, Type: TypeStatus, Payload: []byte{1, 2}}.Decode()
	assert.ErrorIs(t, err, ErrShortPayload)

	_, err = Message{Class: ClassCardem, Type: TypeRxData, Payload: mustHex(t, "01000000 0500 A0A4")}.Decode()
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestMessage_Decode_Request(t *testing.T) {
	t.Parallel()

	p, err := Message{Class: ClassCardem, Type: TypeStatus}.Decode()
	require.NoError(t, err)
	assert.IsType(t, &Request{}, p)

	_, err = Message{Class: ClassCardem, Type: TypeTxData}.Decode()
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestStatus_Layout(t *testing.T) {
	t.Parallel()

	out, err := Status{Flags: StatusVCCPresent | StatusResetActive, Fi: 1, Di: 1, WI: 10, WaitingTime: 9600}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "11000000 0000 01 01 0A 80250000"), out)
	assert.Equal(t, "VCC|RESET", (StatusVCCPresent | StatusResetActive).String())
}

func TestPTSInfo(t *testing.T) {
	t.Parallel()

	info := NewPTSInfo(iso7816.NewPPS(0, 0x94), iso7816.NewPPS(0, 0x94))
	assert.Equal(t, uint8(4), info.Len)
	assert.Equal(t, mustHex(t, "FF10947B"), info.Request())

	out, err := info.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "04 FF10947B0000 FF10947B0000"), out)
}

func TestBoardInfo(t *testing.T) {
	t.Parallel()

	bi := BoardInfo{
		Manufacturer: "sysmocom",
		Model:        "SIMtrace 2",
		Name:         "cardem",
		MaxBaudRate:  115200,
	}
	bi.SetCapability(CapDFU)
	bi.Vendor = []byte{0x01}
	assert.Equal(t, []byte{0x00, 0x02}, bi.Generic)

	out, err := bi.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, out, boardInfoFixed+3)

	var back BoardInfo
	require.NoError(t, back.UnmarshalBinary(out))
	assert.Equal(t, bi, back)
	assert.True(t, back.Has(CapDFU))
	assert.False(t, back.Has(CapLED1))
	assert.False(t, back.Has(CapAssertModemReset))
	assert.True(t, back.HasVendor(CapQmodErasePeer))
	assert.False(t, back.HasVendor(CapQmodResetHub))
}

func TestModemReset_Pulse(t *testing.T) {
	t.Parallel()

	out, err := PulseReset(300 * time.Millisecond).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "02 2C01"), out)

	_, err = ModemReset{Action: 7}.MarshalBinary()
	assert.Error(t, err)
}

func TestFlags_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "card inserted, reset asserted", (ChangeCardInsert | ChangeResetAssert).String())
	assert.Equal(t, "no changes", ChangeFlags(0).String())
	assert.Equal(t, "FINAL|PB_AND_TX", (DataPBAndTx | DataFinal).String())
	assert.Equal(t, "incomplete, 0x80", (SniffIncomplete | 0x80).String())
	assert.Equal(t, "SNIFF/TYPE(9)", TypeName(ClassSniff, 9))
	assert.True(t, Known(ClassModem, TypeSIMSelect))
	assert.False(t, Known(ClassSniff, 9))
}
