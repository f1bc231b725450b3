package iso7816

import (
	"fmt"
	"strings"
)

// TRANSACTION:
// A Transaction is one command followed by its response. On a T=0 link a
// Transaction is carried by exactly one TPDU.
//
// TRACE:
// A Trace is a chronological sequence of Transactions making up one logical
// operation. T=0 turns one APDU into several TPDUs:
// 1. "61 XX" / "9F XX" (Response available): GET RESPONSE with Le = XX follows.
// 2. "6C XX" (Wrong Length): the command is re-sent with Le = XX.
//
// IsSuccess() evaluates the final outcome of the whole trace.

// Transaction represents a completed Command-Response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// TransactionFromTPDU rebuilds the command and response of a sniffed TPDU.
// The case of the command, looked up in profiles, tells on which side the
// data bytes travelled. Unknown commands with data are taken as outgoing
// when the card acknowledged P3 bytes and none came back.
func TransactionFromTPDU(tp *TPDU, profiles ...*CaseProfile) (Transaction, error) {
	cla, err := NewClass(tp.Header.CLA)
	if err != nil {
		return Transaction{}, err
	}
	ins, err := NewInstruction(InsCode(tp.Header.INS))
	if err != nil {
		return Transaction{}, err
	}

	cmd := NewCommandAPDU(cla, ins, tp.Header.P1, tp.Header.P2, nil, 0)
	resp := &ResponseAPDU{Status: tp.SW}

	kase := LookupCase(tp.Header, profiles...)
	switch {
	case kase.HasCommandData():
		cmd.Data = tp.Data
	case kase == Case2:
		cmd.Ne = tp.Header.Len()
		resp.Data = tp.Data
	case kase == CaseUnknown && len(tp.Data) > 0:
		cmd.Data = tp.Data
	}
	return Transaction{Command: cmd, Response: resp}, nil
}

// IsSuccess checks if the transaction ended with a successful status.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.Status.IsSuccess()
}

func (t *Transaction) String() string {
	if t.Response == nil {
		return fmt.Sprintf("-> %s\n<- (none)", t.Command)
	}
	return fmt.Sprintf("-> %s\n<- %s", t.Command, t.Response)
}

// Trace is a sequence of transactions (Command-Response pairs).
// It represents the full history of a logical exchange (including 61xx/9Fxx/6Cxx retries).
type Trace []Transaction

// Last returns the final transaction of the trace.
// Returns nil if the trace is empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess checks if the FINAL transaction in the trace was successful.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}

// ResponseData concatenates the response data of every transaction.
func (t Trace) ResponseData() []byte {
	var out []byte
	for _, tx := range t {
		if tx.Response != nil {
			out = append(out, tx.Response.Data...)
		}
	}
	return out
}

func (t Trace) String() string {
	parts := make([]string, len(t))
	for i := range t {
		parts[i] = t[i].String()
	}
	return strings.Join(parts, "\n")
}
