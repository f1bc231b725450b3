package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Value formats selected with the `fmt` struct tag.
const (
	FormatHex   = ""
	FormatASCII = "ascii"
	FormatInt   = "int"
	// FormatBCD decodes swapped-nibble BCD as used for ICCID and IMSI,
	// stopping at the first F filler.
	FormatBCD = "bcd"
	// FormatFID prints a two byte file identifier.
	FormatFID = "fid"
)

// WriteStructFields inspects a struct and writes its fields to the strings.Builder.
// It joins lines with newlines but DOES NOT add a trailing newline.
// If the builder is not empty, it prepends a newline to separate this block from previous content.
func WriteStructFields(sb *strings.Builder, prefix string, s interface{}) {
	val := reflect.ValueOf(s)

	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return
		}
		val = val.Elem()
	}

	typ := val.Type()
	var lines []string

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		switch {
		case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8:
			if line := formatByteSliceField(prefix, field, fieldType); line != "" {
				lines = append(lines, line)
			}
		case field.Type() == reflect.TypeOf([]bertlv.TLV{}):
			lines = append(lines, formatUnknownField(prefix, field)...)
		}
	}

	if len(lines) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.Join(lines, "\n"))
	}
}

func formatByteSliceField(prefix string, field reflect.Value, fieldType reflect.StructField) string {
	if field.IsNil() || field.Len() == 0 {
		return ""
	}

	name := fieldType.Name
	if tlvTag := fieldType.Tag.Get("tlv"); tlvTag != "" {
		name = fmt.Sprintf("%s (%s)", name, tlvTag)
	}

	return fmt.Sprintf("    - %s.%s: %s", prefix, name, FormatValue(field.Bytes(), fieldType.Tag.Get("fmt")))
}

func formatUnknownField(prefix string, field reflect.Value) []string {
	if field.IsNil() || field.Len() == 0 {
		return nil
	}

	var lines []string
	for _, t := range field.Interface().([]bertlv.TLV) {
		lines = append(lines, fmt.Sprintf("    - %s.Unknown Tag %s: %X", prefix, strings.ToUpper(t.Tag), RawValue(t)))
	}
	return lines
}

// FormatValue renders data in one of the Format* styles.
func FormatValue(data []byte, format string) string {
	switch format {
	case FormatASCII:
		return fmt.Sprintf("%X (%q)", data, MakeSafeASCII(data))
	case FormatInt:
		var integer int
		for _, b := range data {
			integer = (integer << 8) | int(b)
		}
		return fmt.Sprintf("%X (Dec: %d)", data, integer)
	case FormatBCD:
		return fmt.Sprintf("%X (%s)", data, SwappedBCD(data))
	case FormatFID:
		if len(data) == 2 {
			return fmt.Sprintf("%02X%02X", data[0], data[1])
		}
		return strings.ToUpper(hex.EncodeToString(data))
	default:
		return strings.ToUpper(hex.EncodeToString(data))
	}
}

// SwappedBCD decodes BCD digits stored low nibble first.
func SwappedBCD(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		for _, n := range [2]byte{b & 0x0F, b >> 4} {
			if n == 0x0F {
				return sb.String()
			}
			if n > 9 {
				sb.WriteByte('?')
				continue
			}
			sb.WriteByte('0' + n)
		}
	}
	return sb.String()
}

// MakeSafeASCII replaces non printable bytes with dots.
func MakeSafeASCII(data []byte) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 && r <= 126 {
			return r
		}
		return '.'
	}, string(data))
}

// Dump renders decoded TLVs as an indented tree, one tag per line.
func Dump(packets []bertlv.TLV) string {
	var sb strings.Builder
	dump(&sb, packets, 0)
	return strings.TrimSuffix(sb.String(), "\n")
}

func dump(sb *strings.Builder, packets []bertlv.TLV, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, p := range packets {
		if len(p.TLVs) > 0 {
			fmt.Fprintf(sb, "%s%s\n", indent, strings.ToUpper(p.Tag))
			dump(sb, p.TLVs, depth+1)
			continue
		}
		fmt.Fprintf(sb, "%s%s: %X\n", indent, strings.ToUpper(p.Tag), p.Value)
	}
}
