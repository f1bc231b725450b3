// Package errs holds the error taxonomy shared by the protocol engine and
// the host tools, and the hook used to enrich errors at API boundaries.
package errs

import (
	"context"
	"errors"

	"github.com/ansel1/merry/v2"
)

// Error categories. Package errors wrap one of them so callers can branch
// with errors.Is without knowing every sentinel.
var (
	// ErrTiming: an F, D or WI value outside its table, or beyond what the
	// card announced.
	ErrTiming = errors.New("timing error")
	// ErrFraming: a byte sequence that does not form a valid ATR, PPS or
	// wire message.
	ErrFraming = errors.New("framing error")
	// ErrProtocolDesync: a T=0 procedure byte that matches no known pattern.
	ErrProtocolDesync = errors.New("protocol desync")
	// ErrTransport: a message the transport could not carry or decode. The
	// stream continues after it.
	ErrTransport = errors.New("transport error")
	// ErrFatalBridge: the bridge cannot go on, typically a command whose
	// case cannot be determined.
	ErrFatalBridge = errors.New("fatal bridge error")
)

// DeferWrap is called by library functions when returning errors to enrich
// them with stack trace information. It is a no-op until EnableStacks is
// called. If no context is available context.Background() is used.
var DeferWrap = func(ctx context.Context, err *error) {}

// EnableStacks makes DeferWrap attach a stack trace to returned errors.
func EnableStacks() {
	DeferWrap = func(_ context.Context, err *error) {
		if err != nil && *err != nil {
			*err = merry.WrapSkipping(*err, 1)
		}
	}
}

// DisableStacks restores the no-op DeferWrap.
func DisableStacks() {
	DeferWrap = func(context.Context, *error) {}
}

// Details returns the error message followed by its stack trace, if any.
func Details(err error) string {
	return merry.Details(err)
}

// Category returns the taxonomy sentinel err belongs to, nil if none.
func Category(err error) error {
	for _, c := range []error{ErrTiming, ErrFraming, ErrProtocolDesync, ErrTransport, ErrFatalBridge} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
