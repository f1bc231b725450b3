package device

import (
	"context"
	"encoding"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gregLibert/simtrace/pkg/logging"
	"github.com/gregLibert/simtrace/pkg/simtrace"
	"github.com/gregLibert/simtrace/pkg/transport"
)

// Version is reported in BOARD_INFO.
const Version = "0.1.0"

// Error codes of DO_ERROR reports.
const (
	ErrorCodeCard    uint16 = 1
	ErrorCodeCommand uint16 = 2
)

const severityError = 2

// hostLink exchanges messages with the host.
type hostLink struct {
	conn transport.Conn
	slot uint8
	caps []simtrace.Capability
	log  *slog.Logger

	mu  sync.Mutex
	seq uint8
}

func newHostLink(conn transport.Conn, slot uint8, log *slog.Logger, caps ...simtrace.Capability) *hostLink {
	return &hostLink{conn: conn, slot: slot, caps: caps, log: log}
}

// send numbers and sends a message of the device itself.
func (h *hostLink) send(ctx context.Context, c simtrace.Class, t simtrace.Type, p encoding.BinaryMarshaler) error {
	m, err := simtrace.NewMessage(c, t, h.slot, p)
	if err != nil {
		return err
	}
	h.mu.Lock()
	m.Seq = h.seq
	h.seq++
	h.mu.Unlock()
	return h.forward(ctx, m)
}

// forward sends a message built by an engine, which numbered it.
func (h *hostLink) forward(ctx context.Context, m simtrace.Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	h.log.Debug("<= host", "msg", m.Header())
	return h.conn.Send(ctx, b)
}

// report sends a DO_ERROR for err.
func (h *hostLink) report(ctx context.Context, code uint16, err error) error {
	msg := err.Error()
	if len(msg) > 0xFF {
		msg = msg[:0xFF]
	}
	return h.send(ctx, simtrace.ClassGeneric, simtrace.TypeDoError, simtrace.ErrorReport{
		Severity: severityError,
		Code:     code,
		Msg:      msg,
	})
}

// serve passes the host messages of classes to handle until ctx is done
// or the link fails. BOARD_INFO requests are answered here; handle errors
// are logged.
func (h *hostLink) serve(ctx context.Context, handle func(context.Context, simtrace.Message) error, classes ...simtrace.Class) error {
	r := simtrace.NewReassembler(append(classes, simtrace.ClassGeneric)...)
	for {
		chunk, err := h.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msgs, err := r.Feed(chunk)
		if err != nil {
			h.log.Warn("malformed host message", logging.Err(err))
		}
		for _, m := range msgs {
			h.log.Debug("=> host", "msg", m.Header())
			if m.Class == simtrace.ClassGeneric {
				err = h.generic(ctx, m)
			} else {
				err = handle(ctx, m)
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.log.Warn("host message ignored", "msg", m.Header(), logging.Err(err))
			}
		}
	}
}

func (h *hostLink) generic(ctx context.Context, m simtrace.Message) error {
	if m.Type != simtrace.TypeBoardInfo {
		return fmt.Errorf("%s from host: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
	}
	return h.send(ctx, simtrace.ClassGeneric, simtrace.TypeBoardInfo, h.boardInfo())
}

func (h *hostLink) boardInfo() simtrace.BoardInfo {
	info := simtrace.BoardInfo{
		Model:     "serial",
		Name:      "simtrace",
		SWVersion: Version,
	}
	for _, c := range h.caps {
		info.SetCapability(c)
	}
	return info
}
