// Package transport abstracts the datagram channel carrying RTP packets:
// plain UDP (unicast or multicast) and QUIC datagrams over a multiplexed
// connection. The receive pipeline is transport-agnostic.
package transport

import (
	"context"
	"net"
)

// MaxDatagramSize bounds a single read. Larger datagrams are truncated by
// the kernel and will fail RTP parsing downstream.
const MaxDatagramSize = 2048

// Conn is a bidirectional datagram channel. ReadDatagram returns a buffer
// owned by the caller. Implementations unblock pending reads when the
// context is cancelled or the connection is closed.
type Conn interface {
	ReadDatagram(ctx context.Context) ([]byte, error)
	WriteDatagram(ctx context.Context, b []byte) error
	LocalAddr() net.Addr
	Close() error
}
