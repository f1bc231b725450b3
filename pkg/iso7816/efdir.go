package iso7816

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gregLibert/simtrace/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// EF.DIR (ETSI TS 102 221 §13.1) lists the applications of a UICC. Each
// linear fixed record holds one application template '61', padded with
// 'FF' up to the record length:
//
//	61 L  4F L <AID>  [50 L <label>]  [73 L <discretionary data>]

var ErrNoApplicationTemplate = errors.New("no application template")

// ApplicationTemplate (Tag '61') names one application and how to select
// it.
type ApplicationTemplate struct {
	AID              []byte `tlv:"4F"`
	ApplicationLabel []byte `tlv:"50" fmt:"ascii"`
	Path             []byte `tlv:"51"`
	Discretionary    []byte `tlv:"73"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// DIRRecord is one record of EF.DIR.
type DIRRecord struct {
	Applications []ApplicationTemplate `tlv:"61"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// ParseDIRRecord decodes a record read from EF.DIR. Records inside a
// Record Template '70' are accepted too.
func ParseDIRRecord(data []byte) (*DIRRecord, error) {
	for len(data) > 0 && data[len(data)-1] == 0xFF {
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil, ErrNoApplicationTemplate
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}
	if len(packets) > 0 && strings.EqualFold(packets[0].Tag, "70") {
		packets = packets[0].TLVs
	}

	record := &DIRRecord{}
	if err := tlv.UnmarshalFromPackets(packets, record); err != nil {
		return nil, fmt.Errorf("failed to map EF.DIR record: %w", err)
	}
	if len(record.Applications) == 0 {
		return nil, ErrNoApplicationTemplate
	}
	return record, nil
}

// Describe renders the applications of the record.
func (r *DIRRecord) Describe() string {
	var sb strings.Builder
	sb.WriteString("=== EF.DIR RECORD ===")

	tlv.WriteStructFields(&sb, "Record", r)
	for i, app := range r.Applications {
		tlv.WriteStructFields(&sb, fmt.Sprintf("App[%d]", i+1), app)
	}
	return strings.TrimRight(sb.String(), "\n")
}
