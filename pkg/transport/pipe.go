package transport

import (
	"context"
	"sync"
)

// Pipe returns the two ends of an in-memory link. Each Send is received
// as one chunk by the other end. Up to depth chunks are buffered in each
// direction before Send blocks.
func Pipe(depth int) (Conn, Conn) {
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, done: done, once: once}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (p *pipeEnd) Send(ctx context.Context, b []byte) error {
	c := append([]byte(nil), b...)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- c:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends.
func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
