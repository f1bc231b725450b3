package iso7816

import (
	"context"
	"fmt"

	"github.com/gregLibert/simtrace/pkg/errs"
)

// CLIENT & PROTOCOL LOGIC:
// The Client sends APDUs over a T=0 link and performs the transport
// behaviours T=0 leaves to the application layer:
//
// 1. "61 XX" (UICC) / "9F XX" (GSM SIM), Response Available:
//    XX bytes are waiting. The client sends GET RESPONSE with Le = XX, using
//    the class of the original command (A0 for GSM, same logical channel
//    otherwise).
//
// 2. "6C XX" (Wrong Length):
//    The card expects Le = XX. The client re-sends the original command.
//
// Send() returns the Trace of every transaction made for the request.

// MaxTraceLength bounds the number of transactions of one Send.
const MaxTraceLength = 16

// Transceiver abstracts the physical card connection.
type Transceiver interface {
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transceiver
}

// NewClient creates a new Client instance.
func NewClient(card Transceiver) *Client {
	return &Client{Card: card}
}

// Send transmits a command and handles protocol logic (61xx, 9Fxx, 6Cxx).
func (c *Client) Send(ctx context.Context, cmd *CommandAPDU) (trace Trace, err error) {
	defer errs.DeferWrap(ctx, &err)

	for next := cmd; next != nil; {
		if len(trace) == MaxTraceLength {
			return trace, fmt.Errorf("no final status after %d transactions", MaxTraceLength)
		}

		resp, err := c.transmit(ctx, next)
		if err != nil {
			return trace, err
		}
		trace = append(trace, Transaction{Command: next, Response: resp})

		next, err = followUp(next, resp.Status)
		if err != nil {
			return trace, err
		}
	}
	return trace, nil
}

func (c *Client) transmit(ctx context.Context, cmd *CommandAPDU) (*ResponseAPDU, error) {
	rawCmd, err := cmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}

	rawResp, err := c.Card.Transceive(ctx, rawCmd)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}

	return ParseResponseAPDU(rawResp)
}

// followUp returns the command the status word asks for, nil when the
// exchange is complete.
func followUp(cmd *CommandAPDU, sw StatusWord) (*CommandAPDU, error) {
	if n, ok := sw.ResponseLength(); ok {
		respCls, err := cmd.Class.OnChannel(cmd.Class.Channel)
		if err != nil {
			return nil, err
		}
		ins, _ := NewInstruction(INS_GET_RESPONSE)
		return NewCommandAPDU(respCls, ins, 0x00, 0x00, nil, n), nil
	}

	if sw.SW1() == 0x6C {
		// Clone command to update Le without mutating the original pointer
		newCmd := *cmd
		newCmd.Ne = int(sw.SW2())
		if newCmd.Ne == 0 {
			newCmd.Ne = MaxShortLe
		}
		return &newCmd, nil
	}

	return nil, nil
}
