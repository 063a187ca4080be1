package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/zsiec/airstream/internal/media"
)

// readPollInterval is how often a blocked read re-checks its context. The
// socket is also closed on Close, which unblocks reads immediately; the
// poll covers context cancellation without closing.
const readPollInterval = 250 * time.Millisecond

// UDPConfig configures a UDP datagram channel.
type UDPConfig struct {
	// LocalAddr is the address to bind ("host:port"). For multicast
	// reception, the group address with its port.
	LocalAddr string

	// RemoteAddr, when set, is where WriteDatagram sends.
	RemoteAddr string

	// MulticastInterface names the interface to join a multicast group
	// on. Required when LocalAddr is a multicast group on multi-homed
	// hosts, optional otherwise.
	MulticastInterface string
}

// UDPConn is a Conn over a UDP socket, unicast or multicast.
type UDPConn struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
}

// NewUDP opens the socket described by cfg. A multicast LocalAddr joins
// the group on the configured interface.
func NewUDP(cfg UDPConfig) (*UDPConn, error) {
	if cfg.LocalAddr == "" {
		return nil, fmt.Errorf("%w: local address required", media.ErrBadParameters)
	}
	local, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local address: %w", err)
	}

	var remote *net.UDPAddr
	if cfg.RemoteAddr != "" {
		remote, err = net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve remote address: %w", err)
		}
	}

	var conn *net.UDPConn
	if local.IP != nil && local.IP.IsMulticast() {
		var iface *net.Interface
		if cfg.MulticastInterface != "" {
			iface, err = net.InterfaceByName(cfg.MulticastInterface)
			if err != nil {
				return nil, fmt.Errorf("multicast interface %q: %w", cfg.MulticastInterface, err)
			}
		}
		conn, err = net.ListenMulticastUDP("udp", iface, local)
	} else {
		conn, err = net.ListenUDP("udp", local)
	}
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}

	return &UDPConn{conn: conn, remote: remote}, nil
}

// ReadDatagram reads one datagram, honoring ctx cancellation.
func (u *UDPConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	buf := make([]byte, MaxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := u.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return nil, err
		}
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return nil, err
		}
		return buf[:n], nil
	}
}

// WriteDatagram sends one datagram to the configured remote address.
func (u *UDPConn) WriteDatagram(_ context.Context, b []byte) error {
	if u.remote == nil {
		return fmt.Errorf("%w: no remote address configured", media.ErrBadParameters)
	}
	_, err := u.conn.WriteToUDP(b, u.remote)
	return err
}

// LocalAddr returns the bound address.
func (u *UDPConn) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Close closes the socket, unblocking pending reads.
func (u *UDPConn) Close() error { return u.conn.Close() }
