// Package tlv maps BER-TLV data, such as the FCP template a UICC returns to
// SELECT, into Go structures using struct tags.
//
// A field tagged `tlv:"83"` receives the value of tag 83. Supported field
// kinds are []byte, string (hex), unsigned and signed integers (big endian),
// nested structs (constructed tags) and slices of structs (repeated tags).
// A []bertlv.TLV field named Unknown, or tagged `tlv:",unknown"`, receives
// every TLV no other field consumed.
package tlv

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"github.com/moov-io/bertlv"
)

// Unmarshaler allows custom types to implement their own TLV parsing logic.
type Unmarshaler interface {
	UnmarshalTLV(data []byte) error
}

// Unmarshal parses raw BER-TLV data and maps it into a target Go struct.
func Unmarshal(data []byte, target interface{}) error {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return fmt.Errorf("bertlv decode failed: %w", err)
	}
	return UnmarshalFromPackets(packets, target)
}

// UnmarshalFromPackets maps pre-decoded TLVs to a target struct.
func UnmarshalFromPackets(packets []bertlv.TLV, target interface{}) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("target must be a non-nil pointer")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("target must point to a struct, got %s", v.Kind())
	}
	t := v.Type()

	consumed := make([]bool, len(packets))

	for i := 0; i < v.NumField(); i++ {
		tag, ok := fieldTag(t.Field(i))
		if !ok {
			continue
		}
		for idx, packet := range packets {
			if !strings.EqualFold(packet.Tag, tag) {
				continue
			}
			if err := mapPacketToField(packet, v.Field(i)); err != nil {
				return fmt.Errorf("tag %s into %s: %w", tag, t.Field(i).Name, err)
			}
			consumed[idx] = true
		}
	}

	return collectUnknown(v, t, packets, consumed)
}

// fieldTag returns the TLV tag a struct field is bound to.
func fieldTag(f reflect.StructField) (string, bool) {
	conf := f.Tag.Get("tlv")
	if conf == "" || isUnknownField(f) {
		return "", false
	}
	tag := strings.Split(conf, ",")[0]
	return tag, tag != ""
}

func isUnknownField(f reflect.StructField) bool {
	return f.Tag.Get("tlv") == ",unknown" || f.Name == "Unknown"
}

// mapPacketToField appends to slices of structs and decodes everything else
// in place.
func mapPacketToField(packet bertlv.TLV, field reflect.Value) error {
	if field.Kind() == reflect.Slice && !isByteSlice(field) {
		elem := reflect.New(field.Type().Elem()).Elem()
		if err := decodeToValue(packet, elem); err != nil {
			return err
		}
		field.Set(reflect.Append(field, elem))
		return nil
	}
	return decodeToValue(packet, field)
}

func decodeToValue(packet bertlv.TLV, field reflect.Value) error {
	if field.CanAddr() {
		if u, ok := field.Addr().Interface().(Unmarshaler); ok {
			return u.UnmarshalTLV(RawValue(packet))
		}
	}

	switch {
	case isByteSlice(field):
		field.SetBytes(RawValue(packet))
	case field.Kind() == reflect.String:
		field.SetString(hex.EncodeToString(packet.Value))
	case isUnsigned(field.Kind()):
		n, err := bigEndian(packet.Value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case isSigned(field.Kind()):
		n, err := bigEndian(packet.Value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	case isStructOrPtrToStruct(field):
		target := addressableStruct(field)
		if len(packet.TLVs) > 0 {
			return UnmarshalFromPackets(packet.TLVs, target.Interface())
		}
		return Unmarshal(packet.Value, target.Interface())
	}
	return nil
}

func bigEndian(b []byte, bitSize int) (uint64, error) {
	if len(b)*8 > bitSize {
		return 0, fmt.Errorf("%d bytes overflow a %d bit integer", len(b), bitSize)
	}
	var n uint64
	for _, x := range b {
		n = n<<8 | uint64(x)
	}
	return n, nil
}

func collectUnknown(v reflect.Value, t reflect.Type, packets []bertlv.TLV, consumed []bool) error {
	for i := 0; i < v.NumField(); i++ {
		if !isUnknownField(t.Field(i)) {
			continue
		}
		field := v.Field(i)
		if field.Type() != reflect.TypeOf([]bertlv.TLV(nil)) || !field.CanSet() {
			return nil
		}
		var leftovers []bertlv.TLV
		for idx, packet := range packets {
			if !consumed[idx] {
				leftovers = append(leftovers, packet)
			}
		}
		if len(leftovers) > 0 {
			field.Set(reflect.ValueOf(leftovers))
		}
		return nil
	}
	return nil
}

// RawValue returns the value of a TLV, re-encoding its children when it is
// constructed.
func RawValue(p bertlv.TLV) []byte {
	if len(p.TLVs) > 0 {
		if enc, err := bertlv.Encode(p.TLVs); err == nil {
			return enc
		}
	}
	return p.Value
}

// Find walks nested TLVs following path, a list of hex tags such as
// "62", "A5", "80".
func Find(packets []bertlv.TLV, path ...string) (bertlv.TLV, bool) {
	if len(path) == 0 {
		return bertlv.TLV{}, false
	}
	for _, p := range packets {
		if !strings.EqualFold(p.Tag, path[0]) {
			continue
		}
		if len(path) == 1 {
			return p, true
		}
		return Find(p.TLVs, path[1:]...)
	}
	return bertlv.TLV{}, false
}

// Lookup decodes data and returns the value found at path.
func Lookup(data []byte, path ...string) ([]byte, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, err
	}
	p, ok := Find(packets, path...)
	if !ok {
		return nil, fmt.Errorf("tag %s not found", strings.ToUpper(strings.Join(path, "/")))
	}
	return RawValue(p), nil
}

func isByteSlice(v reflect.Value) bool {
	return v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isSigned(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isStructOrPtrToStruct(v reflect.Value) bool {
	if v.Kind() == reflect.Struct {
		return true
	}
	return v.Kind() == reflect.Ptr && v.Type().Elem().Kind() == reflect.Struct
}

func addressableStruct(field reflect.Value) reflect.Value {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return field
	}
	return field.Addr()
}
