package iso7816

import (
	"bytes"
	"testing"
)

func makeTx(sw StatusWord) Transaction {
	return Transaction{
		Command:  &CommandAPDU{},
		Response: &ResponseAPDU{Status: sw},
	}
}

func TestTransaction_IsSuccess(t *testing.T) {
	tests := []struct {
		name string
		tx   Transaction
		want bool
	}{
		{
			name: "Successful Transaction (9000)",
			tx:   makeTx(SW_NO_ERROR),
			want: true,
		},
		{
			name: "Warning/Process Completed (6110)",
			tx:   makeTx(NewStatusWord(0x61, 0x10)),
			want: true, // 61xx is considered a success in IsSuccess() logic
		},
		{
			name: "Error Transaction (6A82)",
			tx:   makeTx(SW_ERR_FILE_NOT_FOUND),
			want: false,
		},
		{
			name: "Nil Response (Incomplete Transaction)",
			tx:   Transaction{Command: &CommandAPDU{}, Response: nil},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tx.IsSuccess(); got != tt.want {
				t.Errorf("Transaction.IsSuccess() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrace_Logic(t *testing.T) {
	t.Run("Empty Trace", func(t *testing.T) {
		var tr Trace
		if tr.Last() != nil {
			t.Error("Empty trace Last() should be nil")
		}
		if tr.IsSuccess() {
			t.Error("Empty trace IsSuccess() should be false")
		}
	})

	t.Run("Single Transaction Trace", func(t *testing.T) {
		tr := Trace{makeTx(SW_NO_ERROR)}
		if tr.Last() == nil {
			t.Fatal("Last() should not be nil")
		}
		if !tr.IsSuccess() {
			t.Error("Should be successful")
		}
	})

	t.Run("Multi-Step Trace (Scenario: 61XX then 9000)", func(t *testing.T) {
		// Simulates:
		// 1. SELECT -> 61 10 (Response available)
		// 2. GET RESPONSE -> 90 00 (Success)
		tr := Trace{
			makeTx(NewStatusWord(0x61, 0x10)),
			makeTx(SW_NO_ERROR),
		}

		if tr.Last().Response.Status != SW_NO_ERROR {
			t.Errorf("Last transaction mismatch")
		}
		if !tr.IsSuccess() {
			t.Error("Trace should be successful if the last action succeeded")
		}
	})

	t.Run("Multi-Step Trace (Scenario: Failure at the end)", func(t *testing.T) {
		// Simulates a failure on the final step
		tr := Trace{
			makeTx(SW_NO_ERROR),           // Previous step ok
			makeTx(SW_ERR_FILE_NOT_FOUND), // Final step fails
		}

		if tr.IsSuccess() {
			t.Error("Trace should fail if the last action failed")
		}
	})
}

func TestTransactionFromTPDU(t *testing.T) {
	tests := []struct {
		name     string
		tpdu     TPDU
		wantCmd  []byte
		wantResp []byte
	}{
		{
			name: "GSM SELECT carries command data",
			tpdu: TPDU{
				Header: Header{0xA0, 0xA4, 0x00, 0x00, 0x02},
				Data:   []byte{0x3F, 0x00},
				SW:     NewStatusWord(0x9F, 0x16),
			},
			wantCmd: []byte{0x3F, 0x00},
		},
		{
			name: "GET RESPONSE carries response data",
			tpdu: TPDU{
				Header: Header{0xA0, 0xC0, 0x00, 0x00, 0x02},
				Data:   []byte{0x01, 0x02},
				SW:     SW_NO_ERROR,
			},
			wantResp: []byte{0x01, 0x02},
		},
		{
			name: "Unknown instruction keeps data on the command side",
			tpdu: TPDU{
				Header: Header{0xA0, 0x50, 0x00, 0x00, 0x01},
				Data:   []byte{0xAA},
				SW:     SW_NO_ERROR,
			},
			wantCmd: []byte{0xAA},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := TransactionFromTPDU(&tt.tpdu)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(tx.Command.Data, tt.wantCmd) {
				t.Errorf("command data = %X; want %X", tx.Command.Data, tt.wantCmd)
			}
			if !bytes.Equal(tx.Response.Data, tt.wantResp) {
				t.Errorf("response data = %X; want %X", tx.Response.Data, tt.wantResp)
			}
			if tx.Response.Status != tt.tpdu.SW {
				t.Errorf("status = %s", tx.Response.Status)
			}
		})
	}

	if _, err := TransactionFromTPDU(&TPDU{Header: Header{CLA: 0xFF}}); err == nil {
		t.Error("CLA FF should be rejected")
	}
}

func TestTrace_ResponseData(t *testing.T) {
	tr := Trace{
		{Command: &CommandAPDU{}, Response: &ResponseAPDU{Status: NewStatusWord(0x9F, 0x02)}},
		{Command: &CommandAPDU{}, Response: &ResponseAPDU{Data: []byte{1, 2}, Status: SW_NO_ERROR}},
		{Command: &CommandAPDU{}},
	}
	if got := tr.ResponseData(); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("ResponseData() = %X", got)
	}
}
