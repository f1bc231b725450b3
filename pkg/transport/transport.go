// Package transport carries SIMtrace messages between a device and its host
// tools. A Conn moves opaque chunks, like the bulk transfers of the USB
// device it stands in for: a chunk may hold part of a message or several
// of them, and readers cut them with simtrace.Reassembler.
package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gregLibert/simtrace/pkg/errs"
)

// Conn is one bidirectional link.
type Conn interface {
	// Send writes one chunk.
	Send(ctx context.Context, p []byte) error
	// Recv blocks until a chunk arrives, ctx is done or the link is closed.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

var (
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = fmt.Errorf("%w: connection closed", errs.ErrTransport)
	// ErrNoPeer is returned by a UDP server asked to send before it heard
	// from anybody.
	ErrNoPeer = fmt.Errorf("%w: no peer yet", errs.ErrTransport)
)

// MaxChunk is the largest chunk read at once, the size of a USB transfer
// buffer on the host.
const MaxChunk = 4096

// Stats counts the traffic of a Conn.
type Stats struct {
	ChunksSent     uint64
	ChunksReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
}

type stats struct {
	chunksSent     atomic.Uint64
	chunksReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
}

func (s *stats) sent(n int) {
	s.chunksSent.Add(1)
	s.bytesSent.Add(uint64(n))
}

func (s *stats) received(n int) {
	s.chunksReceived.Add(1)
	s.bytesReceived.Add(uint64(n))
}

func (s *stats) snapshot() Stats {
	return Stats{
		ChunksSent:     s.chunksSent.Load(),
		ChunksReceived: s.chunksReceived.Load(),
		BytesSent:      s.bytesSent.Load(),
		BytesReceived:  s.bytesReceived.Load(),
	}
}
