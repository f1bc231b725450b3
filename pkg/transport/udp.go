package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/logging"
)

// DefaultUDPPort is the port of the first USB interface forwarded by
// usb2udp. Interface n listens on DefaultUDPPort+n.
const DefaultUDPPort = 52342

// UDPConfig configures a UDP link. One datagram carries one chunk, as
// usb2udp forwards one USB transfer per datagram.
type UDPConfig struct {
	// Address is the local address of a server, the remote one of a
	// client.
	Address string
	// Server makes the link listen. A server answers to the source of the
	// last datagram it received.
	Server bool
	// Interface is added to the port of Address when Address has none.
	Interface int
}

// UDP is a Conn over UDP datagrams.
type UDP struct {
	conn   *net.UDPConn
	server bool
	peer   atomic.Pointer[net.UDPAddr]
	closed atomic.Bool
	stats  stats
	log    *slog.Logger
}

// OpenUDP binds or dials according to cfg.
func OpenUDP(cfg UDPConfig) (*UDP, error) {
	addr := withDefaultPort(cfg.Address, DefaultUDPPort+cfg.Interface)
	u := &UDP{
		server: cfg.Server,
		log:    logging.For(logging.ComponentTransport),
	}
	if cfg.Server {
		local, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve UDP address %s: %w", addr, err)
		}
		u.conn, err = net.ListenUDP("udp", local)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		u.log.Info("udp listening", "addr", u.conn.LocalAddr())
		return u, nil
	}

	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve remote address %s: %w", addr, err)
	}
	u.conn, err = net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}
	u.peer.Store(remote)
	u.log.Info("udp client", "local", u.conn.LocalAddr(), "remote", remote)
	return u, nil
}

func withDefaultPort(addr string, port int) string {
	if addr == "" {
		addr = "127.0.0.1"
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Peer returns the current remote address, nil for a server that has not
// heard from anybody.
func (u *UDP) Peer() *net.UDPAddr {
	return u.peer.Load()
}

func (u *UDP) Send(ctx context.Context, p []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	peer := u.peer.Load()
	if peer == nil {
		return ErrNoPeer
	}
	if d, ok := ctx.Deadline(); ok {
		u.conn.SetWriteDeadline(d)
		defer u.conn.SetWriteDeadline(time.Time{})
	}
	n, err := u.conn.WriteToUDP(p, peer)
	if err != nil {
		return u.wrap(ctx, "send", err)
	}
	u.stats.sent(n)
	return nil
}

func (u *UDP) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		// unblock the pending read
		u.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, MaxChunk)
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			u.conn.SetReadDeadline(time.Time{})
		}
		return nil, u.wrap(ctx, "recv", err)
	}
	if u.server {
		if old := u.peer.Swap(from); old == nil || old.String() != from.String() {
			u.log.Info("udp peer", "addr", from)
		}
	}
	u.stats.received(n)
	return buf[:n:n], nil
}

func (u *UDP) wrap(ctx context.Context, op string, err error) error {
	switch {
	case u.closed.Load() || errors.Is(err, net.ErrClosed):
		return ErrClosed
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: udp %s: %w", errs.ErrTransport, op, err)
	}
}

// Stats returns the traffic counters.
func (u *UDP) Stats() Stats {
	return u.stats.snapshot()
}

func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	return u.conn.Close()
}
