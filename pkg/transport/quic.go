package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/gregLibert/simtrace/pkg/logging"
)

// QUICProto is the ALPN protocol of the QUIC link.
const QUICProto = "simtrace"

// QUICConfig configures a QUIC link.
type QUICConfig struct {
	Address string
	// TLSConfig is optional. A server without one uses a self-signed
	// certificate, a client without one skips verification.
	TLSConfig *tls.Config
	// KeepAlive is the keep-alive period, 0 for the quic-go default.
	KeepAlive time.Duration
}

// QUIC is a Conn over one QUIC connection. Each side sends on its own
// unidirectional stream, opened on the first Send; the other side accepts
// it on its first Recv. Chunk boundaries are not preserved.
type QUIC struct {
	conn     *quic.Conn
	listener *quic.Listener

	sendMu sync.Mutex
	send   *quic.SendStream

	recvMu sync.Mutex
	recv   *quic.ReceiveStream

	stats stats
	log   *slog.Logger
}

// ListenQUIC listens on cfg.Address. The link is usable once Accept
// returned.
func ListenQUIC(cfg QUICConfig) (*QUIC, error) {
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = generateTLSConfig(); err != nil {
			return nil, fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}
	listener, err := quic.ListenAddr(cfg.Address, tlsConfig, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	q := &QUIC{listener: listener, log: logging.For(logging.ComponentTransport)}
	q.log.Info("quic listening", "addr", listener.Addr())
	return q, nil
}

// Addr returns the address of a listening link.
func (q *QUIC) Addr() net.Addr {
	if q.listener != nil {
		return q.listener.Addr()
	}
	return q.conn.LocalAddr()
}

// Accept waits for the peer of a listening link.
func (q *QUIC) Accept(ctx context.Context) error {
	conn, err := q.listener.Accept(ctx)
	if err != nil {
		return fmt.Errorf("%w: quic accept: %w", errs.ErrTransport, err)
	}
	q.conn = conn
	q.log.Info("quic peer", "addr", conn.RemoteAddr())
	return nil
}

// DialQUIC connects to the server at cfg.Address.
func DialQUIC(ctx context.Context, cfg QUICConfig) (*QUIC, error) {
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			NextProtos:         []string{QUICProto},
			InsecureSkipVerify: true,
		}
	}
	conn, err := quic.DialAddr(ctx, cfg.Address, tlsConfig, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", errs.ErrTransport, cfg.Address, err)
	}
	q := &QUIC{conn: conn, log: logging.For(logging.ComponentTransport)}
	q.log.Info("quic connected", "addr", conn.RemoteAddr())
	return q, nil
}

func quicConfig(cfg QUICConfig) *quic.Config {
	return &quic.Config{KeepAlivePeriod: cfg.KeepAlive}
}

// generateTLSConfig generates a self-signed certificate.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICProto},
	}, nil
}

func (q *QUIC) Send(ctx context.Context, p []byte) error {
	if q.conn == nil {
		return ErrNoPeer
	}
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	if q.send == nil {
		s, err := q.conn.OpenUniStreamSync(ctx)
		if err != nil {
			return q.wrap(ctx, "open stream", err)
		}
		q.send = s
	}
	if d, ok := ctx.Deadline(); ok {
		q.send.SetWriteDeadline(d)
		defer q.send.SetWriteDeadline(time.Time{})
	}
	n, err := q.send.Write(p)
	if err != nil {
		return q.wrap(ctx, "send", err)
	}
	q.stats.sent(n)
	return nil
}

func (q *QUIC) Recv(ctx context.Context) ([]byte, error) {
	if q.conn == nil {
		return nil, ErrNoPeer
	}
	q.recvMu.Lock()
	defer q.recvMu.Unlock()
	if q.recv == nil {
		s, err := q.conn.AcceptUniStream(ctx)
		if err != nil {
			return nil, q.wrap(ctx, "accept stream", err)
		}
		q.recv = s
	}

	stop := context.AfterFunc(ctx, func() {
		q.recv.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	buf := make([]byte, MaxChunk)
	n, err := q.recv.Read(buf)
	if n > 0 {
		q.stats.received(n)
		return buf[:n:n], nil
	}
	if ctx.Err() != nil {
		q.recv.SetReadDeadline(time.Time{})
	}
	return nil, q.wrap(ctx, "recv", err)
}

func (q *QUIC) wrap(ctx context.Context, op string, err error) error {
	var appErr *quic.ApplicationError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.As(err, &appErr), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return ErrClosed
	default:
		return fmt.Errorf("%w: quic %s: %w", errs.ErrTransport, op, err)
	}
}

// Stats returns the traffic counters.
func (q *QUIC) Stats() Stats {
	return q.stats.snapshot()
}

func (q *QUIC) Close() error {
	var err error
	if q.conn != nil {
		err = q.conn.CloseWithError(0, "closed")
	}
	if q.listener != nil {
		err = errors.Join(err, q.listener.Close())
	}
	return err
}
