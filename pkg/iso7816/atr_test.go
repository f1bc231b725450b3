package iso7816

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestParseATR(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		groups    int
		hist      int
		hasTCK    bool
		ta1       byte
		wi        uint8
		protocols []byte
	}{
		{
			name: "Minimal", raw: "3B00",
			ta1: DefaultFiDiIndex, wi: DefaultWI, protocols: []byte{0},
		},
		{
			// T0=9A: TA1 and TD1, 10 historical bytes. TD1 announces T=0 only.
			name: "TA1 and TD1 with historical bytes", raw: "3B9A94009202759311000102 0219",
			groups: 1, hist: 10, ta1: 0x94, wi: DefaultWI, protocols: []byte{0},
		},
		{
			// TD1 T=0, TD2 T=1, TD3 T=15 announcing TA4.
			name: "T=0, T=1 and T=15 with TCK", raw: "3B8080811FC759",
			groups: 4, hasTCK: true, ta1: DefaultFiDiIndex, wi: DefaultWI, protocols: []byte{0, 1, 1},
		},
		{
			// TD1=C0 announces TC2 and TD2.
			name: "TC2 waiting integer", raw: "3B80C01400",
			groups: 2, ta1: DefaultFiDiIndex, wi: 0x14, protocols: []byte{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := mustHex(t, stripSpaces(tt.raw))
			a, err := ParseATR(raw)
			if err != nil {
				t.Fatalf("ParseATR: %v", err)
			}
			if len(a.Groups) != tt.groups {
				t.Errorf("groups = %d; want %d", len(a.Groups), tt.groups)
			}
			if len(a.Historical) != tt.hist || a.HistoricalCount() != tt.hist {
				t.Errorf("historical = %d; want %d", len(a.Historical), tt.hist)
			}
			if a.HasTCK != tt.hasTCK {
				t.Errorf("HasTCK = %v; want %v", a.HasTCK, tt.hasTCK)
			}
			if a.TA1() != tt.ta1 {
				t.Errorf("TA1 = %02X; want %02X", a.TA1(), tt.ta1)
			}
			if a.WI() != tt.wi {
				t.Errorf("WI = %d; want %d", a.WI(), tt.wi)
			}
			if !bytes.Equal(a.Bytes(), raw) {
				t.Errorf("Bytes() = %X; want %X", a.Bytes(), raw)
			}
			if diff := cmp.Diff(tt.protocols, protocolsNonZeroTCK(a, tt.protocols)); diff != "" {
				t.Errorf("Protocols mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// protocolsNonZeroTCK maps the protocols to 0 or 1 depending on whether the
// protocol requires a TCK, which is all the table above cares about.
func protocolsNonZeroTCK(a *ATR, want []byte) []byte {
	out := make([]byte, 0, len(want))
	for _, p := range a.Protocols() {
		if p != 0 {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	return out
}

func stripSpaces(s string) string {
	return string(bytes.ReplaceAll([]byte(s), []byte(" "), nil))
}

func TestParseATR_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"Bad TS", "3C00", ErrInvalidTS},
		{"Truncated historical", "3B02AA", ErrATRTruncate},
		{"Truncated interface", "3B10", ErrATRTruncate},
		{"Trailing", "3B0000", ErrATRTrailing},
		{"Bad TCK", "3B8080811FC758", ErrATRChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseATR(mustHex(t, tt.raw))
			if !errors.Is(err, tt.err) {
				t.Errorf("ParseATR(%s) error = %v; want %v", tt.raw, err, tt.err)
			}
		})
	}
}

func TestATRParser_TooLong(t *testing.T) {
	p := NewATRParser()
	// 15 historical bytes plus a chain of TD bytes announcing T=1 forever.
	feed := []byte{0x3B, 0x8F}
	for len(feed) < MaxATRLength+2 {
		feed = append(feed, 0x81)
	}

	var err error
	for _, b := range feed {
		if _, err = p.Feed(b); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrATRTooLong) {
		t.Fatalf("error = %v; want ErrATRTooLong", err)
	}
	if p.Len() != MaxATRLength {
		t.Errorf("Len() = %d; want %d", p.Len(), MaxATRLength)
	}
}

func TestATRParser_States(t *testing.T) {
	p := NewATRParser()
	want := []ATRState{ATRWaitT0, ATRWaitTA, ATRWaitTD, ATRWaitHistorical, ATRDone}
	for i, b := range []byte{0x3B, 0x91, 0x94, 0x00, 0x42} {
		st, err := p.Feed(b)
		if err != nil {
			t.Fatalf("Feed(%02X): %v", b, err)
		}
		if st != want[i] {
			t.Errorf("after byte %d state = %s; want %s", i, st, want[i])
		}
	}

	p.Reset()
	if p.State() != ATRWaitTS || p.Len() != 0 {
		t.Errorf("Reset() left state %s len %d", p.State(), p.Len())
	}
}

func TestNewATR_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		groups []InterfaceGroup
		hist   []byte
	}{
		{"Empty", nil, nil},
		{"TA1 only", []InterfaceGroup{{Present: 0x10, TA: 0x96}}, []byte{0x01}},
		{
			"All of group 1, TC2",
			[]InterfaceGroup{{Present: 0xF0, TA: 0x18, TB: 0x00, TC: 0xFF}, {Present: 0x40, TC: 0x0A}},
			[]byte("SIM"),
		},
		{
			"T=1 indicated",
			[]InterfaceGroup{{Present: 0x80, TD: 0x01}, {Present: 0x20, TB: 0x45}},
			[]byte{0x80, 0x31},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			built, err := NewATR(tt.groups, tt.hist)
			if err != nil {
				t.Fatalf("NewATR: %v", err)
			}
			raw := built.Bytes()
			parsed, err := ParseATR(raw)
			if err != nil {
				t.Fatalf("ParseATR(%X): %v", raw, err)
			}
			if !bytes.Equal(parsed.Bytes(), raw) {
				t.Errorf("round trip %X -> %X", raw, parsed.Bytes())
			}
			if len(parsed.Groups) != len(tt.groups) {
				t.Errorf("groups = %d; want %d", len(parsed.Groups), len(tt.groups))
			}
			for i, g := range tt.groups {
				if parsed.Groups[i].Present != g.Present|presenceOfTD(i, tt.groups) {
					t.Errorf("group %d presence = %02X", i+1, parsed.Groups[i].Present)
				}
			}
			if !bytes.Equal(parsed.Historical, tt.hist) {
				t.Errorf("historical = %X; want %X", parsed.Historical, tt.hist)
			}
		})
	}
}

func presenceOfTD(i int, groups []InterfaceGroup) byte {
	if i+1 < len(groups) {
		return byte(TD)
	}
	return 0
}

func TestFixChecksum(t *testing.T) {
	raw := mustHex(t, "3B8080811FC700")
	FixChecksum(raw)
	if raw[len(raw)-1] != 0x59 {
		t.Errorf("TCK = %02X; want 59", raw[len(raw)-1])
	}
}

func TestDefaultEmulatedATR(t *testing.T) {
	a, err := ParseATR(DefaultEmulatedATR)
	if err != nil {
		t.Fatalf("ParseATR() error = %v", err)
	}
	if diff := cmp.Diff([]byte{0, 1, 15}, a.Protocols()); diff != "" {
		t.Errorf("Protocols() mismatch (-want +got):\n%s", diff)
	}
	if ta4, ok := a.Interface(4, TA); !ok || ta4 != 0xC7 {
		t.Errorf("TA4 = %02X, %v; want C7", ta4, ok)
	}
}

func TestATR_Timing(t *testing.T) {
	a, err := ParseATR(mustHex(t, "3B9A940092027593110001020219"))
	if err != nil {
		t.Fatal(err)
	}
	tm, err := a.Timing()
	if err != nil {
		t.Fatalf("Timing: %v", err)
	}
	if tm.Fi != 512 || tm.Di != 8 || tm.WT != 76800 {
		t.Errorf("Timing = %s", tm)
	}
}
