// Package capture records what a device sends to the host into a file, and
// plays it back. A capture is a CBOR sequence: a Header, then one Record per
// chunk read from the device.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/logging"
)

// Magic identifies a capture.
const Magic = "simtrace-capture"

// Version of the format written.
const Version = 1

// ErrNotCapture is returned for files that do not start with a valid
// Header.
var ErrNotCapture = fmt.Errorf("%w: not a simtrace capture", errs.ErrFraming)

// Header starts a capture.
type Header struct {
	Magic   string `cbor:"magic"`
	Version int    `cbor:"version"`
	Start   int64  `cbor:"start"` // unix nanoseconds
	Mode    string `cbor:"mode"`  // "sniff", "cardem"...
}

// StartTime returns Start as a time.
func (h Header) StartTime() time.Time {
	return time.Unix(0, h.Start)
}

// Record is one chunk read from the device.
type Record struct {
	Offset   time.Duration `cbor:"off"` // since Header.Start
	Endpoint uint8         `cbor:"ep"`
	Data     []byte        `cbor:"data"`
}

// Writer appends records to a capture.
type Writer struct {
	mu    sync.Mutex
	enc   *cbor.Encoder
	start time.Time
	now   func() time.Time
	n     int
}

// NewWriter writes the header of a capture of mode to w.
func NewWriter(w io.Writer, mode string) (*Writer, error) {
	return newWriter(w, mode, time.Now)
}

func newWriter(w io.Writer, mode string, now func() time.Time) (*Writer, error) {
	cw := &Writer{enc: cbor.NewEncoder(w), start: now(), now: now}
	h := Header{Magic: Magic, Version: Version, Start: cw.start.UnixNano(), Mode: mode}
	if err := cw.enc.Encode(h); err != nil {
		return nil, fmt.Errorf("writing capture header: %w", err)
	}
	return cw, nil
}

// Write records data read from endpoint now.
func (w *Writer) Write(endpoint uint8, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := Record{Offset: w.now().Sub(w.start), Endpoint: endpoint, Data: data}
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("writing capture record %d: %w", w.n, err)
	}
	w.n++
	return nil
}

// Records returns the number of records written.
func (w *Writer) Records() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Reader reads a capture.
type Reader struct {
	dec    *cbor.Decoder
	header Header
	n      int
	log    *slog.Logger
}

var decMode, _ = cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()

// NewReader reads and checks the header of the capture in r.
func NewReader(r io.Reader) (*Reader, error) {
	cr := &Reader{dec: decMode.NewDecoder(r), log: logging.For(logging.ComponentCapture)}
	if err := cr.dec.Decode(&cr.header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotCapture, err)
	}
	if cr.header.Magic != Magic {
		return nil, fmt.Errorf("magic %q: %w", cr.header.Magic, ErrNotCapture)
	}
	if cr.header.Version > Version {
		return nil, fmt.Errorf("version %d: %w", cr.header.Version, ErrNotCapture)
	}
	return cr, nil
}

// Header returns the capture header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record, io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: record %d: %w", errs.ErrFraming, r.n, err)
	}
	r.n++
	return rec, nil
}

// Replay passes every record to fn. With realtime set records are spaced
// as they were recorded, otherwise they follow each other at once.
func (r *Reader) Replay(ctx context.Context, realtime bool, fn func(Record) error) error {
	began := time.Now()
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			r.log.Info("replay done", "records", r.n)
			return nil
		}
		if err != nil {
			return err
		}
		if realtime {
			if wait := rec.Offset - time.Since(began); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
