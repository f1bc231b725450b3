package uart

import "sync"

// Recorder is an in-memory UART remembering what the engine did with it.
type Recorder struct {
	mu     sync.Mutex
	sent   []byte
	dir    Direction
	ratios []uint32
	// Fail, when set, is returned by SendByte.
	Fail error
}

var _ UART = (*Recorder)(nil)

func (r *Recorder) SendByte(b byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	if r.dir&TX == 0 {
		return ErrTxDisabled
	}
	r.sent = append(r.sent, b)
	return nil
}

func (r *Recorder) Enable(dir Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dir = dir
	return nil
}

func (r *Recorder) SetFiDi(ratio uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ratios = append(r.ratios, ratio)
	return nil
}

// Sent returns and clears the transmitted bytes.
func (r *Recorder) Sent() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// Direction returns the enabled halves.
func (r *Recorder) Direction() Direction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// Ratios returns every divider programmed so far.
func (r *Recorder) Ratios() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.ratios...)
}
