package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/airstream/internal/certs"
)

const (
	quicHandshakeTimeout = 10 * time.Second
	quicKeepAlive        = 15 * time.Second
)

// QUICConn is a Conn mapping datagrams onto a QUIC connection's unreliable
// datagram extension. Datagrams keep RTP's fire-and-forget semantics while
// the connection provides multiplexing and path migration.
type QUICConn struct {
	conn quic.Connection
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:      true,
		HandshakeIdleTimeout: quicHandshakeTimeout,
		KeepAlivePeriod:      quicKeepAlive,
	}
}

// DialQUIC connects to a QUIC endpoint expecting the stream ALPN.
func DialQUIC(ctx context.Context, addr string) (*QUICConn, error) {
	conn, err := quic.DialAddr(ctx, addr, certs.ClientTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	return &QUICConn{conn: conn}, nil
}

// QUICListener accepts stream connections.
type QUICListener struct {
	ln     *quic.Listener
	logger *slog.Logger
}

// ListenQUIC starts a QUIC listener with a freshly generated self-signed
// certificate. The certificate fingerprint is logged for out-of-band
// verification.
func ListenQUIC(addr string, logger *slog.Logger) (*QUICListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cert, err := certs.Generate(0)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, cert.ServerTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logger.Info("quic listener started",
		"addr", ln.Addr().String(),
		"fingerprint", cert.FingerprintBase64())
	return &QUICListener{ln: ln, logger: logger}, nil
}

// Accept waits for the next connection.
func (l *QUICListener) Accept(ctx context.Context) (*QUICConn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	l.logger.Info("quic connection accepted", "remote", conn.RemoteAddr().String())
	return &QUICConn{conn: conn}, nil
}

// Addr returns the listening address.
func (l *QUICListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops the listener.
func (l *QUICListener) Close() error { return l.ln.Close() }

// ReadDatagram receives one QUIC datagram.
func (q *QUICConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	return q.conn.ReceiveDatagram(ctx)
}

// WriteDatagram sends one QUIC datagram. Oversized datagrams are reported
// as errors by the QUIC stack, matching UDP MTU behavior.
func (q *QUICConn) WriteDatagram(_ context.Context, b []byte) error {
	return q.conn.SendDatagram(b)
}

// LocalAddr returns the connection's local address.
func (q *QUICConn) LocalAddr() net.Addr { return q.conn.LocalAddr() }

// Close closes the connection, unblocking pending reads.
func (q *QUICConn) Close() error {
	return q.conn.CloseWithError(0, "closed")
}
