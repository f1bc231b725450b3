package iso7816

import (
	"fmt"

	"github.com/gregLibert/simtrace/pkg/bits"
)

// Instruction Byte (INS) for SIM and UICC cards (GSM 11.11, ETSI TS 102 221).
//
// 1. Reserved Ranges:
//    INS values where the upper nibble is '6' or '9' (0x6X or 0x9X) are invalid.
//    These values are reserved for Status Words (SW1) and would be confused
//    with procedure bytes under T=0.
//
// 2. Command case:
//    Under T=0 the reader only sends P3, so both ends must know beforehand
//    whether P3 is Lc or Le. The case of each instruction is fixed by the card
//    application, which is what a CaseProfile records. A few instructions
//    depend on P1/P2 or P3 (SELECT without response data, MANAGE CHANNEL).

// InsCode is a typed representation of the instruction byte.
type InsCode byte

// Instructions shared by GSM SIMs (CLA A0) and UICCs (CLA 0X/8X).
const (
	INS_DEACTIVATE_FILE    InsCode = 0x04 // GSM: INVALIDATE
	INS_TERMINAL_PROFILE   InsCode = 0x10
	INS_FETCH              InsCode = 0x12
	INS_TERMINAL_RESPONSE  InsCode = 0x14
	INS_VERIFY             InsCode = 0x20
	INS_CHANGE_PIN         InsCode = 0x24
	INS_DISABLE_PIN        InsCode = 0x26
	INS_ENABLE_PIN         InsCode = 0x28
	INS_UNBLOCK_PIN        InsCode = 0x2C
	INS_INCREASE           InsCode = 0x32
	INS_ACTIVATE_FILE      InsCode = 0x44 // GSM: REHABILITATE
	INS_MANAGE_CHANNEL     InsCode = 0x70
	INS_MANAGE_SECURE_CHAN InsCode = 0x73
	INS_TRANSACT_DATA      InsCode = 0x75
	INS_SUSPEND_UICC       InsCode = 0x76
	INS_GET_CHALLENGE      InsCode = 0x84
	INS_AUTHENTICATE       InsCode = 0x88 // GSM: RUN GSM ALGORITHM
	INS_AUTHENTICATE_ODD   InsCode = 0x89
	INS_SEARCH_RECORD      InsCode = 0xA2 // GSM: SEEK
	INS_SELECT             InsCode = 0xA4
	INS_READ_BINARY        InsCode = 0xB0
	INS_READ_RECORD        InsCode = 0xB2
	INS_GET_RESPONSE       InsCode = 0xC0
	INS_ENVELOPE           InsCode = 0xC2
	INS_RETRIEVE_DATA      InsCode = 0xCB
	INS_UPDATE_BINARY      InsCode = 0xD6
	INS_SET_DATA           InsCode = 0xDB
	INS_UPDATE_RECORD      InsCode = 0xDC
	INS_STATUS             InsCode = 0xF2
	INS_SLEEP              InsCode = 0xFA
)

var insNames = map[InsCode]string{
	INS_DEACTIVATE_FILE:    "DEACTIVATE FILE",
	INS_TERMINAL_PROFILE:   "TERMINAL PROFILE",
	INS_FETCH:              "FETCH",
	INS_TERMINAL_RESPONSE:  "TERMINAL RESPONSE",
	INS_VERIFY:             "VERIFY PIN",
	INS_CHANGE_PIN:         "CHANGE PIN",
	INS_DISABLE_PIN:        "DISABLE PIN",
	INS_ENABLE_PIN:         "ENABLE PIN",
	INS_UNBLOCK_PIN:        "UNBLOCK PIN",
	INS_INCREASE:           "INCREASE",
	INS_ACTIVATE_FILE:      "ACTIVATE FILE",
	INS_MANAGE_CHANNEL:     "MANAGE CHANNEL",
	INS_MANAGE_SECURE_CHAN: "MANAGE SECURE CHANNEL",
	INS_TRANSACT_DATA:      "TRANSACT DATA",
	INS_SUSPEND_UICC:       "SUSPEND UICC",
	INS_GET_CHALLENGE:      "GET CHALLENGE",
	INS_AUTHENTICATE:       "AUTHENTICATE",
	INS_AUTHENTICATE_ODD:   "AUTHENTICATE",
	INS_SEARCH_RECORD:      "SEARCH RECORD",
	INS_SELECT:             "SELECT",
	INS_READ_BINARY:        "READ BINARY",
	INS_READ_RECORD:        "READ RECORD",
	INS_GET_RESPONSE:       "GET RESPONSE",
	INS_ENVELOPE:           "ENVELOPE",
	INS_RETRIEVE_DATA:      "RETRIEVE DATA",
	INS_UPDATE_BINARY:      "UPDATE BINARY",
	INS_SET_DATA:           "SET DATA",
	INS_UPDATE_RECORD:      "UPDATE RECORD",
	INS_STATUS:             "STATUS",
	INS_SLEEP:              "SLEEP",
}

func (i InsCode) String() string {
	if name, ok := insNames[i]; ok {
		return name
	}
	return fmt.Sprintf("InsCode(0x%02X)", byte(i))
}

// Instruction represents the parsed ISO 7816-4 Instruction byte (INS).
type Instruction struct {
	Raw      InsCode
	IsBERTLV bool
}

// NewInstruction creates an Instruction object with validation.
// It rejects '6X' and '9X' values as they are invalid according to ISO 7816-3.
func NewInstruction(ins InsCode) (Instruction, error) {
	highNibble := byte(ins) & 0xF0
	if highNibble == 0x60 || highNibble == 0x90 {
		return Instruction{}, fmt.Errorf("invalid INS 0x%02X: 6X and 9X are reserved", byte(ins))
	}

	return Instruction{
		Raw:      ins,
		IsBERTLV: bits.IsSet(byte(ins), 1), // Bit 1 indicates BER-TLV preference
	}, nil
}

// Verbose returns a human-readable description of the instruction.
func (i Instruction) Verbose() string {
	format := "Standard"
	if i.IsBERTLV {
		format = "BER-TLV"
	}
	return fmt.Sprintf("INS: 0x%02X | Command: %s | Format: %s", byte(i.Raw), i.Raw.String(), format)
}

// CaseFunc resolves the case of an instruction whose case depends on the
// header.
type CaseFunc func(h Header) Case

// CaseProfile maps the instructions of one card application to their case.
type CaseProfile struct {
	Name string
	// Match reports whether a CLA byte belongs to this profile.
	Match func(cla byte) bool
	Cases map[InsCode]CaseFunc
}

func fixed(c Case) CaseFunc {
	return func(Header) Case { return c }
}

// GSMProfile covers GSM 11.11 SIM commands (CLA A0). Commands with data in
// both directions are transported as Case 3 followed by GET RESPONSE.
var GSMProfile = CaseProfile{
	Name:  "GSM SIM",
	Match: func(cla byte) bool { return cla == 0xA0 },
	Cases: map[InsCode]CaseFunc{
		INS_SELECT:            fixed(Case3),
		INS_STATUS:            fixed(Case2),
		INS_READ_BINARY:       fixed(Case2),
		INS_UPDATE_BINARY:     fixed(Case3),
		INS_READ_RECORD:       fixed(Case2),
		INS_UPDATE_RECORD:     fixed(Case3),
		INS_SEARCH_RECORD:     fixed(Case3),
		INS_INCREASE:          fixed(Case4),
		INS_VERIFY:            fixed(Case3),
		INS_CHANGE_PIN:        fixed(Case3),
		INS_DISABLE_PIN:       fixed(Case3),
		INS_ENABLE_PIN:        fixed(Case3),
		INS_UNBLOCK_PIN:       fixed(Case3),
		INS_DEACTIVATE_FILE:   fixed(Case1),
		INS_ACTIVATE_FILE:     fixed(Case1),
		INS_AUTHENTICATE:      fixed(Case4),
		INS_SLEEP:             fixed(Case1),
		INS_GET_RESPONSE:      fixed(Case2),
		INS_TERMINAL_PROFILE:  fixed(Case3),
		INS_ENVELOPE:          fixed(Case4),
		INS_FETCH:             fixed(Case2),
		INS_TERMINAL_RESPONSE: fixed(Case3),
	},
}

// UICCProfile covers ETSI TS 102 221 commands (CLA 0X, 4X, 8X, CX, EX).
var UICCProfile = CaseProfile{
	Name: "UICC",
	Match: func(cla byte) bool {
		switch cla & 0xF0 {
		case 0x00, 0x40, 0x80, 0xC0, 0xE0:
			return true
		}
		return false
	},
	Cases: map[InsCode]CaseFunc{
		INS_SELECT: func(h Header) Case {
			// P2 b4..b3 = 11: no data returned
			if h.P2&0x0C == 0x0C {
				return Case3
			}
			return Case4
		},
		INS_STATUS:             fixed(Case2),
		INS_READ_BINARY:        fixed(Case2),
		INS_UPDATE_BINARY:      fixed(Case3),
		INS_READ_RECORD:        fixed(Case2),
		INS_UPDATE_RECORD:      fixed(Case3),
		INS_SEARCH_RECORD:      fixed(Case4),
		INS_INCREASE:           fixed(Case4),
		INS_RETRIEVE_DATA:      fixed(Case4),
		INS_SET_DATA:           fixed(Case3),
		INS_VERIFY:             verifyCase,
		INS_CHANGE_PIN:         fixed(Case3),
		INS_DISABLE_PIN:        fixed(Case3),
		INS_ENABLE_PIN:         fixed(Case3),
		INS_UNBLOCK_PIN:        verifyCase,
		INS_DEACTIVATE_FILE:    fixed(Case1),
		INS_ACTIVATE_FILE:      fixed(Case1),
		INS_AUTHENTICATE:       fixed(Case4),
		INS_AUTHENTICATE_ODD:   fixed(Case4),
		INS_GET_CHALLENGE:      fixed(Case2),
		INS_MANAGE_CHANNEL:     manageChannelCase,
		INS_MANAGE_SECURE_CHAN: fixed(Case4),
		INS_TRANSACT_DATA:      fixed(Case4),
		INS_SUSPEND_UICC:       fixed(Case4),
		INS_GET_RESPONSE:       fixed(Case2),
		INS_TERMINAL_PROFILE:   fixed(Case3),
		INS_ENVELOPE:           fixed(Case4),
		INS_FETCH:              fixed(Case2),
		INS_TERMINAL_RESPONSE:  fixed(Case3),
	},
}

// VERIFY and UNBLOCK with P3=0 only query the retry counter.
func verifyCase(h Header) Case {
	if h.P3 == 0 {
		return Case1
	}
	return Case3
}

// MANAGE CHANNEL open (P1=00) returns the channel number, close does not.
func manageChannelCase(h Header) Case {
	if h.P1 == 0x00 {
		return Case2
	}
	return Case1
}

// DefaultProfiles is the lookup order used by LookupCase.
var DefaultProfiles = []*CaseProfile{&GSMProfile, &UICCProfile}

// Case returns the case of h in this profile, CaseUnknown when the class or
// the instruction is not part of it.
func (p *CaseProfile) Case(h Header) Case {
	if p.Match != nil && !p.Match(h.CLA) {
		return CaseUnknown
	}
	if fn, ok := p.Cases[InsCode(h.INS)]; ok {
		return fn(h)
	}
	return CaseUnknown
}

// LookupCase resolves the case of h from the first profile that knows it.
func LookupCase(h Header, profiles ...*CaseProfile) Case {
	if len(profiles) == 0 {
		profiles = DefaultProfiles
	}
	for _, p := range profiles {
		if c := p.Case(h); c != CaseUnknown {
			return c
		}
	}
	return CaseUnknown
}
