package simtrace

import (
	"fmt"
	"slices"
)

// Reassembler cuts a stream into messages. USB bulk transfers and stream
// transports do not preserve message boundaries: one read may carry part
// of a message or several of them. A message is decoded once the header,
// then msg_len bytes, are buffered.
type Reassembler struct {
	buf     []byte
	classes []Class
}

// NewReassembler returns a reassembler delivering messages of the given
// classes, or of every class when none is given. Other messages are
// consumed and dropped.
func NewReassembler(classes ...Class) *Reassembler {
	return &Reassembler{classes: classes}
}

// Write buffers p. It never fails.
func (r *Reassembler) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting for the rest of a message.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset drops buffered bytes.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}

// Next returns the next complete message. ok is false when more data is
// needed. A header that cannot be valid makes the buffer unusable: it is
// dropped and the error returned, the stream continues with the next write.
func (r *Reassembler) Next() (m Message, ok bool, err error) {
	for {
		if len(r.buf) < HeaderLength {
			return Message{}, false, nil
		}
		var h Header
		if err := h.UnmarshalBinary(r.buf); err != nil {
			r.Reset()
			return Message{}, false, err
		}
		if int(h.Length) > MaxMessageLength {
			r.Reset()
			return Message{}, false, fmt.Errorf("msg_len %d: %w", h.Length, ErrTooLong)
		}
		if len(r.buf) < int(h.Length) {
			return Message{}, false, nil
		}
		raw := r.buf[:h.Length]
		if r.accepts(h.Class) {
			m = Message{
				Class:   h.Class,
				Type:    h.Type,
				Seq:     h.Seq,
				Slot:    h.Slot,
				Payload: append([]byte(nil), raw[HeaderLength:]...),
			}
			ok = true
		}
		r.buf = append(r.buf[:0], r.buf[h.Length:]...)
		if ok {
			return m, true, nil
		}
	}
}

// Feed buffers p and returns every message it completes. On error the
// messages decoded before it are returned with it.
func (r *Reassembler) Feed(p []byte) ([]Message, error) {
	r.Write(p)
	var out []Message
	for {
		m, ok, err := r.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, m)
	}
}

func (r *Reassembler) accepts(c Class) bool {
	return len(r.classes) == 0 || slices.Contains(r.classes, c)
}
