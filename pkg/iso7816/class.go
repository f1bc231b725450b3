package iso7816

import (
	"fmt"

	"github.com/gregLibert/simtrace/pkg/bits"
)

// Class Byte (CLA) of SIM and UICC commands (ISO/IEC 7816-4, ETSI TS 102 221 §10.1.1).
//
// Bit 8: Proprietary (1) or Interindustry (0).
// Bit 7: Type of Interindustry (0=First, 1=Further).
// Bit 5: Command Chaining (0=Last/Only, 1=More follow).
//
// 1. First Interindustry Class (00xx xxxx, and 100x xxxx for UICC):
//    - Bits 4-3: Secure Messaging (2 bits, 4 states).
//    - Bits 2-1: Logical Channel number (0-3).
//
// 2. Further Interindustry Class (01xx xxxx, and 11xx xxxx for UICC):
//    - Bit 6: Secure Messaging (1 bit: No SM or SM active).
//    - Bits 4-1: Logical Channel number minus 4 (encoding 0-15 for channels 4-19).
//
// 3. GSM SIM: every command uses the proprietary class 'A0'.
//
// UICCs reuse the interindustry layout for their proprietary classes '8X',
// 'CX' and 'EX' (STATUS, TERMINAL PROFILE, ENVELOPE, ...).

// GSMClass is the class byte of GSM 11.11 commands.
const GSMClass = 0xA0

// SecureMessaging defines the security level applied to the APDU.
type SecureMessaging int

const (
	// SMNone indicates no secure messaging or no indication given.
	SMNone SecureMessaging = 0
	// SMProprietary indicates a proprietary secure messaging format (First Interindustry only).
	SMProprietary SecureMessaging = 1
	// SMHeaderNoProc indicates SM according to ISO, where the header is not processed.
	SMHeaderNoProc SecureMessaging = 2
	// SMHeaderAuth indicates SM according to ISO, where the header is authenticated (First Interindustry only).
	SMHeaderAuth SecureMessaging = 3
)

// ClassFamily tells which command set a CLA byte belongs to.
type ClassFamily int

const (
	FamilyInterindustry ClassFamily = iota // '0X', '4X'
	FamilyUICC                             // '8X', 'CX', 'EX'
	FamilyGSM                              // 'A0'
	FamilyProprietary
)

func (f ClassFamily) String() string {
	switch f {
	case FamilyInterindustry:
		return "Interindustry"
	case FamilyUICC:
		return "UICC proprietary"
	case FamilyGSM:
		return "GSM SIM"
	default:
		return "Proprietary"
	}
}

// Class represents the parsed Class byte (CLA).
type Class struct {
	Raw             byte
	Family          ClassFamily
	IsProprietary   bool
	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8 // Logical channel number (0-19)
}

// NewClass creates a Class object by decoding a raw CLA byte.
func NewClass(cla byte) (Class, error) {
	if cla == 0xFF {
		return Class{}, fmt.Errorf("invalid CLA value: 0xFF is reserved")
	}

	c := Class{Raw: cla, IsProprietary: bits.IsSet(cla, 8)}

	switch {
	case cla == GSMClass:
		c.Family = FamilyGSM
		return c, nil
	case !c.IsProprietary:
		c.Family = FamilyInterindustry
	case cla&0xF0 == 0x80 || cla&0xC0 == 0xC0:
		c.Family = FamilyUICC
	default:
		c.Family = FamilyProprietary
		return c, nil
	}

	c.IsChained = bits.IsSet(cla, 5)

	if !bits.IsSet(cla, 7) {
		c.SecureMessaging = SecureMessaging(bits.GetRange(cla, 4, 3))
		c.Channel = bits.GetRange(cla, 2, 1)
	} else {
		if bits.IsSet(cla, 6) {
			c.SecureMessaging = SMHeaderNoProc
		}
		c.Channel = bits.GetRange(cla, 4, 1) + 4
	}

	return c, nil
}

// NewInterindustryClass creates a Class object from parameters.
// It automatically selects First or Further interindustry encoding based on the channel number.
func NewInterindustryClass(isChained bool, sm SecureMessaging, channel uint8) (Class, error) {
	if channel > 19 {
		return Class{}, fmt.Errorf("channel %d out of range (max 19)", channel)
	}

	// Further Interindustry (Ch 4-19) only supports 1 bit for SM (No SM vs ISO SM)
	if channel >= 4 && (sm == SMProprietary || sm == SMHeaderAuth) {
		return Class{}, fmt.Errorf("SM indicator %d not supported for further interindustry range (ch 4-19)", sm)
	}

	c := Class{
		Family:          FamilyInterindustry,
		IsChained:       isChained,
		SecureMessaging: sm,
		Channel:         channel,
	}

	raw, err := c.Encode()
	if err != nil {
		return Class{}, err
	}
	c.Raw = raw

	return c, nil
}

// OnChannel returns the class byte of the same family addressing another
// logical channel, as needed for a GET RESPONSE following a command.
func (c Class) OnChannel(channel uint8) (Class, error) {
	if c.Family == FamilyGSM || c.Family == FamilyProprietary {
		if channel != 0 {
			return Class{}, fmt.Errorf("class %02X has no logical channels", c.Raw)
		}
		return c, nil
	}
	next := c
	next.Channel = channel
	next.IsChained = false
	raw, err := next.Encode()
	if err != nil {
		return Class{}, err
	}
	return NewClass(raw)
}

// Encode converts the Class object back to its byte representation.
func (c *Class) Encode() (byte, error) {
	switch c.Family {
	case FamilyGSM, FamilyProprietary:
		return c.Raw, nil
	}
	if c.Channel > 19 {
		return 0, fmt.Errorf("channel %d out of range (max 19)", c.Channel)
	}

	var res byte

	if c.Channel <= 3 {
		// First Interindustry Encoding
		if c.IsChained {
			res = bits.Set(res, 5)
		}
		res |= byte(c.SecureMessaging) << 2
		res |= c.Channel
	} else {
		// Further Interindustry Encoding
		res = bits.Set(res, 7)
		if c.IsChained {
			res = bits.Set(res, 5)
		}
		if c.SecureMessaging != SMNone {
			res = bits.Set(res, 6)
		}
		res |= (c.Channel - 4)
	}

	if c.Family == FamilyUICC {
		res = bits.Set(res, 8)
	}
	return res, nil
}

// Verbose returns a human-readable description of the CLA byte configuration.
func (c Class) Verbose() string {
	switch c.Family {
	case FamilyGSM:
		return fmt.Sprintf("Class: GSM SIM (0x%02X)", c.Raw)
	case FamilyProprietary:
		return fmt.Sprintf("Class: Proprietary (0x%02X)", c.Raw)
	}

	rangeName := "First Interindustry (Ch 0-3)"
	if c.Channel >= 4 {
		rangeName = "Further Interindustry (Ch 4-19)"
	}

	smDesc := "Unknown"
	switch c.SecureMessaging {
	case SMNone:
		smDesc = "None"
	case SMProprietary:
		smDesc = "Proprietary"
	case SMHeaderNoProc:
		smDesc = "ISO (Header not processed)"
	case SMHeaderAuth:
		smDesc = "ISO (Header authenticated)"
	}

	chaining := "Last or only command"
	if c.IsChained {
		chaining = "More commands follow (Chaining)"
	}

	return fmt.Sprintf(
		"Family: %s\nRange: %s\nChaining: %s\nSecure Messaging: %s\nLogical Channel: %d",
		c.Family, rangeName, chaining, smDesc, c.Channel,
	)
}
